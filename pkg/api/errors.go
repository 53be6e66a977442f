package api

import (
	"errors"
	"fmt"
	"maps"
)

// ErrorCode identifies the kind of a lifecycle error.
type ErrorCode string

const (
	CodeInvalidTaskID           ErrorCode = "invalid_task_id"
	CodeInvalidStatusTransition ErrorCode = "invalid_task_status"
	CodeStatusConflict          ErrorCode = "failed_changing_task_status"
	CodeInvalidModelID          ErrorCode = "invalid_model_id"
	CodeModelNotReady           ErrorCode = "model_not_ready"
	CodeModelIsReady            ErrorCode = "model_is_ready"
	CodeInvalidProjectID        ErrorCode = "invalid_project_id"
	CodeValidation              ErrorCode = "validation_error"
	CodeFieldsValue             ErrorCode = "fields_value_error"
	CodeInternal                ErrorCode = "internal_error"
)

// ErrorCategory groups codes by how callers should react to them.
type ErrorCategory string

const (
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryBadState   ErrorCategory = "bad_state"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryDependency ErrorCategory = "dependency"
	CategoryValidation ErrorCategory = "validation"
	CategoryInternal   ErrorCategory = "internal"
)

type codeInfo struct {
	category ErrorCategory
	subcode  int
}

var codes = map[ErrorCode]codeInfo{
	CodeInvalidTaskID:           {CategoryNotFound, 101},
	CodeInvalidStatusTransition: {CategoryBadState, 110},
	CodeStatusConflict:          {CategoryConflict, 121},
	CodeInvalidModelID:          {CategoryNotFound, 201},
	CodeModelNotReady:           {CategoryDependency, 202},
	CodeModelIsReady:            {CategoryBadState, 203},
	CodeInvalidProjectID:        {CategoryNotFound, 401},
	CodeValidation:              {CategoryValidation, 12},
	CodeFieldsValue:             {CategoryValidation, 16},
	CodeInternal:                {CategoryInternal, 0},
}

// Category returns the category of the code.
func (c ErrorCode) Category() ErrorCategory {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategoryInternal
}

// Subcode returns the numeric code reported to API clients.
func (c ErrorCode) Subcode() int {
	return codes[c].subcode
}

// Sentinels for errors.Is. Errors match by code, so
// errors.Is(err, ErrStatusConflict) holds for any conflict error.
var (
	ErrInvalidTaskID           = &Error{code: CodeInvalidTaskID, message: "invalid task id"}
	ErrInvalidStatusTransition = &Error{code: CodeInvalidStatusTransition, message: "invalid status transition"}
	ErrStatusConflict          = &Error{code: CodeStatusConflict, message: "task status changed concurrently"}
	ErrInvalidModelID          = &Error{code: CodeInvalidModelID, message: "invalid model id"}
	ErrModelNotReady           = &Error{code: CodeModelNotReady, message: "model is not ready"}
	ErrModelIsReady            = &Error{code: CodeModelIsReady, message: "model is already ready"}
	ErrInvalidProjectID        = &Error{code: CodeInvalidProjectID, message: "invalid project id"}
	ErrValidation              = &Error{code: CodeValidation, message: "validation error"}
	ErrFieldsValue             = &Error{code: CodeFieldsValue, message: "invalid field value"}
)

// Error is a lifecycle error with a code, a message, optional metadata and
// an optional underlying cause.
type Error struct {
	code     ErrorCode
	message  string
	cause    error
	metadata map[string]string
}

// ErrorOption configures an Error.
type ErrorOption func(*Error)

// WithMeta attaches a metadata pair.
func WithMeta(key, value string) ErrorOption {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) ErrorOption {
	return func(e *Error) {
		e.cause = cause
	}
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string, opts ...ErrorOption) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.code.Category() }
func (e *Error) Subcode() int            { return e.code.Subcode() }
func (e *Error) Message() string         { return e.message }
func (e *Error) Unwrap() error           { return e.cause }

// Retryable reports whether re-reading the task and retrying may succeed.
// Only concurrent status conflicts are retryable.
func (e *Error) Retryable() bool {
	return e.Category() == CategoryConflict
}

// Metadata returns a copy of the error's metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return map[string]string{}
	}
	return maps.Clone(e.metadata)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}

// IsRetryable reports whether err is a retryable lifecycle error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
