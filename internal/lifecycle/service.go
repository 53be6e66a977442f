package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/taskstate/internal/persistence"
	"github.com/petrijr/taskstate/pkg/api"
)

// Service runs lifecycle operations against a set of stores.
type Service struct {
	tasks    persistence.TaskStore
	models   persistence.ModelStore
	projects persistence.ProjectStore
	events   persistence.EventStore

	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Config describes how to construct a Service.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Logger      *slog.Logger

	// Now overrides the clock. Timestamps are always stored in UTC.
	Now func() time.Time
}

// New creates a Service. Nil observer, logger and event store fall back
// to no-op implementations.
func New(cfg Config) *Service {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	events := cfg.Persistence.Events
	if events == nil {
		events = persistence.NoopEventStore{}
	}
	return &Service{
		tasks:    cfg.Persistence.Tasks,
		models:   cfg.Persistence.Models,
		projects: cfg.Persistence.Projects,
		events:   events,
		observer: obs,
		logger:   logger,
		now:      now,
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// GetTaskForWriting loads the task id of company. A missing task and a task
// of another company are both reported as api.ErrInvalidTaskID.
func (s *Service) GetTaskForWriting(ctx context.Context, company, id string) (*api.Task, error) {
	if id == "" {
		return nil, invalidTask(id)
	}
	task, err := s.tasks.GetTask(ctx, company, id)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return nil, invalidTask(id)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func invalidTask(id string) error {
	return api.NewError(api.CodeInvalidTaskID, "invalid task id", api.WithMeta("id", id))
}

func invalidModel(id string) error {
	return api.NewError(api.CodeInvalidModelID, "invalid model id", api.WithMeta("id", id))
}

func invalidProject(id string) error {
	return api.NewError(api.CodeInvalidProjectID, "invalid project id", api.WithMeta("id", id))
}

func validationError(format string, args ...any) error {
	return api.Errorf(api.CodeValidation, format, args...)
}

// touchProject bumps the project's last update time. Failures are logged;
// the status change they follow has already committed.
func (s *Service) touchProject(ctx context.Context, task *api.Task, at time.Time) {
	if task.Project == "" || s.projects == nil {
		return
	}
	if err := s.projects.TouchProject(ctx, task.Company, task.Project, at); err != nil {
		s.logger.WarnContext(ctx, "project_touch_failed",
			slog.String("company", task.Company),
			slog.String("project", task.Project),
			slog.String("task", task.ID),
			slog.Any("err", err),
		)
	}
}

// appendEvent records ev in the task history. Failures are logged.
func (s *Service) appendEvent(ctx context.Context, ev api.StatusEvent) {
	if err := s.events.AppendEvent(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "task_event_append_failed",
			slog.String("company", ev.Company),
			slog.String("task", ev.TaskID),
			slog.String("type", string(ev.Type)),
			slog.Any("err", err),
		)
	}
}
