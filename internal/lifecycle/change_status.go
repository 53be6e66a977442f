package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/taskstate/internal/persistence"
	"github.com/petrijr/taskstate/pkg/api"
)

// ChangeStatusRequest asks for Task to move to NewStatus.
//
// Task is the snapshot the caller read. Its status is the precondition of
// the write, and on success the snapshot is updated in place.
type ChangeStatusRequest struct {
	Task      *api.Task
	NewStatus api.Status

	// Force skips the transition table. The status precondition still holds.
	Force   bool
	Reason  string
	Message string

	// Extra carries additional fields written together with the status,
	// such as published or output. It must not set Status.
	Extra api.Update
}

// ChangeStatus validates and applies a status change as one conditional
// store write. It returns the written fields.
//
// A status equal to the current one is a message-only change and is not
// checked against the transition table. When another writer changed the
// status since Task was read, the write matches nothing and
// api.ErrStatusConflict is returned without retrying.
func (s *Service) ChangeStatus(ctx context.Context, req ChangeStatusRequest) (api.Fields, error) {
	task := req.Task
	if task == nil {
		return nil, validationError("task is required")
	}
	if !req.NewStatus.Valid() {
		return nil, validationError("invalid status %q", req.NewStatus)
	}
	if req.Extra.Status != nil {
		return nil, validationError("status cannot be set through extra fields")
	}

	current := task.Status
	if !req.Force && req.NewStatus != current {
		if err := ValidateTransition(current, req.NewStatus); err != nil {
			return nil, err
		}
	}

	now := s.clock()
	upd := req.Extra
	upd.Status = api.Ptr(req.NewStatus)
	upd.StatusReason = api.Ptr(req.Reason)
	upd.StatusMessage = api.Ptr(req.Message)
	upd.StatusChanged = api.Ptr(now)
	upd.LastUpdate = now

	err := s.tasks.UpdateTaskIfStatus(ctx, task.Company, task.ID, current, upd)
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrStatusConflict):
		s.observer.OnStatusConflict(ctx, task, req.NewStatus)
		return nil, api.NewError(
			api.CodeStatusConflict,
			"task status changed concurrently",
			api.WithMeta("id", task.ID),
			api.WithMeta("expected_status", string(current)),
			api.WithMeta("new_status", string(req.NewStatus)),
		)
	case errors.Is(err, persistence.ErrTaskNotFound):
		return nil, invalidTask(task.ID)
	default:
		return nil, fmt.Errorf("update task status: %w", err)
	}

	upd.Apply(task)
	s.touchProject(ctx, task, now)
	s.appendEvent(ctx, api.StatusEvent{
		Company: task.Company,
		TaskID:  task.ID,
		At:      now,
		Type:    api.EventStatusChanged,
		From:    current,
		To:      req.NewStatus,
		Reason:  req.Reason,
		Message: req.Message,
	})

	fields := upd.Fields()
	s.observer.OnStatusChanged(ctx, task, current, fields)
	return fields, nil
}
