package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/taskstate/internal/persistence"
	"github.com/petrijr/taskstate/pkg/api"
)

// PublishRequest asks for a task to be published.
type PublishRequest struct {
	Company string
	TaskID  string

	// PublishModel also marks the task's output model ready.
	PublishModel bool
	// Force skips the check that the current status may be published.
	Force   bool
	Reason  string
	Message string
}

// Publish moves a task to published through the intermediate publishing
// status, optionally marking its output model ready on the way.
//
// When a step after entering publishing fails, the task is restored to its
// previous status with an unguarded write and the original error is
// returned. A failing restore is logged and leaves the task in publishing,
// from where a forced status change can repair it.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (api.Fields, error) {
	task, err := s.GetTaskForWriting(ctx, req.Company, req.TaskID)
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, task, req)
}

func (s *Service) publish(ctx context.Context, task *api.Task, req PublishRequest) (api.Fields, error) {
	previous := task.Status
	if !req.Force {
		if err := ValidateTransition(previous, api.StatusPublished); err != nil {
			return nil, err
		}
	}

	// The publish path was validated above, so entering publishing is forced.
	// A conflict here wrote nothing and needs no compensation.
	if _, err := s.ChangeStatus(ctx, ChangeStatusRequest{
		Task:      task,
		NewStatus: api.StatusPublishing,
		Force:     true,
		Reason:    req.Reason,
		Message:   req.Message,
	}); err != nil {
		return nil, err
	}

	fields, err := s.completePublish(ctx, task, req)
	if err != nil {
		s.compensatePublish(ctx, task, previous, err)
		return nil, err
	}
	return fields, nil
}

func (s *Service) completePublish(ctx context.Context, task *api.Task, req PublishRequest) (api.Fields, error) {
	if modelID := task.Output.Model; modelID != "" && req.PublishModel {
		if err := s.publishOutputModel(ctx, task.Company, modelID); err != nil {
			return nil, err
		}
	}

	output := task.Output
	return s.ChangeStatus(ctx, ChangeStatusRequest{
		Task:      task,
		NewStatus: api.StatusPublished,
		Force:     req.Force,
		Reason:    req.Reason,
		Message:   req.Message,
		Extra: api.Update{
			Published: api.Ptr(s.clock()),
			Output:    &output,
		},
	})
}

// publishOutputModel marks the model ready unless it is missing or ready
// already.
func (s *Service) publishOutputModel(ctx context.Context, company, modelID string) error {
	model, err := s.models.GetModel(ctx, company, modelID)
	if errors.Is(err, persistence.ErrModelNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get output model: %w", err)
	}
	if model.Ready {
		return nil
	}
	_, err = s.ModelSetReady(ctx, ModelSetReadyRequest{Company: company, ModelID: modelID})
	if errors.Is(err, api.ErrModelIsReady) {
		return nil
	}
	return err
}

// compensatePublish restores the status a failed publish started from.
func (s *Service) compensatePublish(ctx context.Context, task *api.Task, previous api.Status, cause error) {
	now := s.clock()
	upd := api.Update{Status: api.Ptr(previous), LastUpdate: now}
	compErr := s.tasks.UpdateTask(ctx, task.Company, task.ID, upd)
	if compErr != nil {
		s.logger.ErrorContext(ctx, "task_publish_compensation_failed",
			slog.String("company", task.Company),
			slog.String("task", task.ID),
			slog.String("restore_status", string(previous)),
			slog.Any("cause", cause),
			slog.Any("err", compErr),
		)
	} else {
		upd.Apply(task)
		s.appendEvent(ctx, api.StatusEvent{
			Company: task.Company,
			TaskID:  task.ID,
			At:      now,
			Type:    api.EventPublishCompensated,
			From:    api.StatusPublishing,
			To:      previous,
			Detail:  cause.Error(),
		})
	}
	s.observer.OnPublishCompensated(ctx, task, previous, cause, compErr)
}

// ModelSetReadyRequest asks for a model to be marked ready.
type ModelSetReadyRequest struct {
	Company string
	ModelID string

	// PublishTask also publishes the task that produced the model.
	PublishTask      bool
	ForcePublishTask bool
}

// ModelSetReadyResult reports what ModelSetReady changed.
type ModelSetReadyResult struct {
	Updated bool

	// PublishedTask and PublishedTaskFields are set when the producing task
	// was published.
	PublishedTask       string
	PublishedTaskFields api.Fields
}

// ModelSetReady marks a model ready, first publishing the task that
// produced it when requested. That publish never recurses into the model.
func (s *Service) ModelSetReady(ctx context.Context, req ModelSetReadyRequest) (ModelSetReadyResult, error) {
	var res ModelSetReadyResult

	model, err := s.models.GetModel(ctx, req.Company, req.ModelID)
	if errors.Is(err, persistence.ErrModelNotFound) {
		return res, invalidModel(req.ModelID)
	}
	if err != nil {
		return res, fmt.Errorf("get model: %w", err)
	}
	if model.Ready {
		return res, api.NewError(api.CodeModelIsReady, "model is already ready", api.WithMeta("id", req.ModelID))
	}

	if model.Task != "" && req.PublishTask {
		task, err := s.tasks.GetTask(ctx, req.Company, model.Task)
		switch {
		case errors.Is(err, persistence.ErrTaskNotFound):
		case err != nil:
			return res, fmt.Errorf("get model task: %w", err)
		case task.Status != api.StatusPublished:
			fields, err := s.publish(ctx, task, PublishRequest{
				Company:      req.Company,
				TaskID:       task.ID,
				PublishModel: false,
				Force:        req.ForcePublishTask,
			})
			if err != nil {
				return res, err
			}
			res.PublishedTask = task.ID
			res.PublishedTaskFields = fields
		}
	}

	changed, err := s.models.SetModelReady(ctx, req.Company, req.ModelID)
	if errors.Is(err, persistence.ErrModelNotFound) {
		return res, invalidModel(req.ModelID)
	}
	if err != nil {
		return res, fmt.Errorf("set model ready: %w", err)
	}
	res.Updated = changed
	return res, nil
}
