package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/taskstate/internal/lifecycle"
	"github.com/petrijr/taskstate/pkg/api"
)

// ErrTaskNotRunning is returned when the task left in_progress without the
// worker moving it, for example through a forced status change.
var ErrTaskNotRunning = errors.New("task is no longer in progress")

// Status reasons written by the worker.
const (
	ReasonCompleted = "completed"
	ReasonStopped   = "stopped"
	ReasonFailed    = "failed"
)

// Lifecycle is the subset of the task client a worker uses.
// *taskstate.Client implements it.
type Lifecycle interface {
	GetTask(ctx context.Context, company, id string) (*api.Task, error)
	ChangeStatus(ctx context.Context, req lifecycle.ChangeStatusRequest) (api.Fields, error)
	UpdateStatistics(ctx context.Context, company, taskID string, stats lifecycle.StatisticsUpdate) error
}

// StepResult is what one step reports.
type StepResult struct {
	// Iteration is the iteration the step completed.
	Iteration int64
	Metrics   api.LastMetrics
	// Done ends the run successfully.
	Done bool
}

// StepFunc runs one unit of work. iteration is the last iteration
// reported so far.
type StepFunc func(ctx context.Context, iteration int64) (StepResult, error)

// CheckpointFunc is called before the worker acknowledges a stop request.
type CheckpointFunc func(ctx context.Context, iteration int64) error

// Config configures a Worker.
type Config struct {
	Company string
	TaskID  string

	// PollEvery is the number of steps between stop polls. Defaults to 1.
	PollEvery int

	Checkpoint CheckpointFunc

	// RedriveMaxElapsed bounds how long a conflicting terminal transition
	// is retried. Defaults to 30 seconds.
	RedriveMaxElapsed time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Worker drives one task from in_progress to a terminal status.
type Worker struct {
	lc  Lifecycle
	cfg Config
}

// New creates a Worker for the task named in cfg.
func New(lc Lifecycle, cfg Config) *Worker {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 1
	}
	if cfg.RedriveMaxElapsed <= 0 {
		cfg.RedriveMaxElapsed = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{lc: lc, cfg: cfg}
}

// Start moves the task to in_progress and records when it started.
func (w *Worker) Start(ctx context.Context) error {
	task, err := w.lc.GetTask(ctx, w.cfg.Company, w.cfg.TaskID)
	if err != nil {
		return err
	}
	_, err = w.lc.ChangeStatus(ctx, lifecycle.ChangeStatusRequest{
		Task:      task,
		NewStatus: api.StatusInProgress,
		Extra:     api.Update{Started: api.Ptr(w.cfg.Now().UTC())},
	})
	return err
}

// Run calls step until it reports Done, fails, or the task is asked to
// stop, and returns the status the worker left the task in.
func (w *Worker) Run(ctx context.Context, step StepFunc) (api.Status, error) {
	var iteration int64
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := step(ctx, iteration)
		if err != nil {
			if ferr := w.finish(ctx, api.StatusFailed, ReasonFailed, err.Error()); ferr != nil {
				return "", errors.Join(err, ferr)
			}
			return api.StatusFailed, err
		}

		iteration = max(iteration, res.Iteration)
		if err := w.lc.UpdateStatistics(ctx, w.cfg.Company, w.cfg.TaskID, lifecycle.StatisticsUpdate{
			LastIterationMax: api.Ptr(res.Iteration),
			LastMetrics:      res.Metrics,
		}); err != nil {
			return "", fmt.Errorf("report statistics: %w", err)
		}

		if res.Done {
			if err := w.finish(ctx, api.StatusStopped, ReasonCompleted, ""); err != nil {
				return "", err
			}
			return api.StatusStopped, nil
		}

		if n%w.cfg.PollEvery != 0 {
			continue
		}
		stop, err := w.stopRequested(ctx)
		if err != nil {
			return "", err
		}
		if stop {
			return w.acknowledgeStop(ctx, iteration)
		}
	}
}

func (w *Worker) stopRequested(ctx context.Context) (bool, error) {
	task, err := w.lc.GetTask(ctx, w.cfg.Company, w.cfg.TaskID)
	if err != nil {
		return false, err
	}
	if task.Status != api.StatusInProgress {
		return false, fmt.Errorf("%w: status is %s", ErrTaskNotRunning, task.Status)
	}
	return task.StatusMessage == api.StatusMessageStopping, nil
}

func (w *Worker) acknowledgeStop(ctx context.Context, iteration int64) (api.Status, error) {
	w.cfg.Logger.InfoContext(ctx, "task_stop_requested",
		slog.String("company", w.cfg.Company),
		slog.String("task", w.cfg.TaskID),
		slog.Int64("iteration", iteration),
	)
	if w.cfg.Checkpoint != nil {
		if err := w.cfg.Checkpoint(ctx, iteration); err != nil {
			return "", fmt.Errorf("checkpoint: %w", err)
		}
	}
	if err := w.finish(ctx, api.StatusStopped, ReasonStopped, ""); err != nil {
		return "", err
	}
	return api.StatusStopped, nil
}

// finish moves the task from in_progress to status. Concurrent conflicts
// are redriven from a fresh read with exponential backoff.
func (w *Worker) finish(ctx context.Context, status api.Status, reason, message string) error {
	attempt := 0
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++

		task, err := w.lc.GetTask(ctx, w.cfg.Company, w.cfg.TaskID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if task.Status != api.StatusInProgress {
			return backoff.Permanent(fmt.Errorf("%w: status is %s", ErrTaskNotRunning, task.Status))
		}

		_, err = w.lc.ChangeStatus(ctx, lifecycle.ChangeStatusRequest{
			Task:      task,
			NewStatus: status,
			Reason:    reason,
			Message:   message,
			Extra:     api.Update{Completed: api.Ptr(w.cfg.Now().UTC())},
		})
		if api.IsRetryable(err) {
			w.cfg.Logger.WarnContext(ctx, "task_transition_redrive",
				slog.String("task", w.cfg.TaskID),
				slog.String("status", string(status)),
				slog.Int("attempt", attempt),
			)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = w.cfg.RedriveMaxElapsed

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
