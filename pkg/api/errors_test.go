package api

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := NewError(CodeStatusConflict, "lost the race", WithMeta("id", "t1"))
	wrapped := fmt.Errorf("publish: %w", err)

	if !errors.Is(wrapped, ErrStatusConflict) {
		t.Fatalf("expected wrapped conflict to match sentinel")
	}
	if errors.Is(wrapped, ErrInvalidTaskID) {
		t.Fatalf("conflict must not match another code")
	}
	if CodeOf(wrapped) != CodeStatusConflict {
		t.Fatalf("CodeOf = %s", CodeOf(wrapped))
	}
	if !IsRetryable(wrapped) {
		t.Fatalf("conflicts are retryable")
	}
}

func TestError_CategoriesAndSubcodes(t *testing.T) {
	cases := []struct {
		code     ErrorCode
		category ErrorCategory
		subcode  int
	}{
		{CodeInvalidTaskID, CategoryNotFound, 101},
		{CodeInvalidStatusTransition, CategoryBadState, 110},
		{CodeStatusConflict, CategoryConflict, 121},
		{CodeInvalidModelID, CategoryNotFound, 201},
		{CodeModelNotReady, CategoryDependency, 202},
		{CodeModelIsReady, CategoryBadState, 203},
		{CodeInvalidProjectID, CategoryNotFound, 401},
		{CodeValidation, CategoryValidation, 12},
		{CodeFieldsValue, CategoryValidation, 16},
	}
	for _, tc := range cases {
		if tc.code.Category() != tc.category || tc.code.Subcode() != tc.subcode {
			t.Errorf("%s: got %s/%d", tc.code, tc.code.Category(), tc.code.Subcode())
		}
		if tc.code != CodeStatusConflict && NewError(tc.code, "x").Retryable() {
			t.Errorf("%s must not be retryable", tc.code)
		}
	}
}

func TestError_CauseAndMetadata(t *testing.T) {
	root := errors.New("disk full")
	err := NewError(CodeInternal, "write failed", WithCause(root), WithMeta("id", "t1"))

	if !errors.Is(err, root) {
		t.Fatalf("expected cause in chain")
	}
	if err.Error() != "write failed: disk full" {
		t.Fatalf("Error() = %q", err.Error())
	}
	meta := err.Metadata()
	meta["id"] = "changed"
	if err.Metadata()["id"] != "t1" {
		t.Fatalf("Metadata must return a copy")
	}
	if CodeOf(root) != CodeInternal {
		t.Fatalf("plain errors are internal")
	}
}

func TestUpdate_ApplyAndFields(t *testing.T) {
	task := &Task{Status: StatusInProgress, LastIteration: 7}
	upd := Update{
		Status:           Ptr(StatusStopped),
		LastIterationMax: Ptr(int64(3)),
		LastMetrics:      LastMetrics{"loss": {"val": {Value: 1}}},
	}
	upd.Apply(task)

	if task.Status != StatusStopped || task.LastIteration != 7 {
		t.Fatalf("unexpected task after apply: %+v", task)
	}
	fields := upd.Fields()
	if _, ok := fields["last_iteration"]; ok {
		t.Fatalf("max-merged iteration must not be reported")
	}
	if _, ok := fields["last_update"]; !ok {
		t.Fatalf("last_update is always written")
	}

	Update{LastIteration: Ptr(int64(2)), LastIterationMax: Ptr(int64(9))}.Apply(task)
	if task.LastIteration != 2 {
		t.Fatalf("explicit iteration must win, got %d", task.LastIteration)
	}
}
