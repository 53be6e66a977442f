package lifecycle

import (
	"context"

	"github.com/petrijr/taskstate/pkg/api"
)

// StopRequest asks for a task to stop.
type StopRequest struct {
	Company  string
	TaskID   string
	UserName string
	Reason   string
	Force    bool
}

// Stop stops a task. A development task is stopped immediately. Any other
// task keeps its status and gets the "stopping" message, which its worker
// acknowledges by moving it to stopped itself.
func (s *Service) Stop(ctx context.Context, req StopRequest) (api.Fields, error) {
	task, err := s.GetTaskForWriting(ctx, req.Company, req.TaskID)
	if err != nil {
		return nil, err
	}

	newStatus := task.Status
	message := api.StatusMessageStopping
	if task.HasTag(api.TagDevelopment) {
		newStatus = api.StatusStopped
		message = "Stopped by " + req.UserName
	}

	return s.ChangeStatus(ctx, ChangeStatusRequest{
		Task:      task,
		NewStatus: newStatus,
		Force:     req.Force,
		Reason:    req.Reason,
		Message:   message,
	})
}
