package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the lifecycle service for logging and
// metrics.
//
// Implementations should be fast and non-blocking; they run inline with the
// operation that triggered them.
type Observer interface {
	// OnStatusChanged is called after a conditional status write committed.
	// task is the updated snapshot; from is the status it replaced.
	OnStatusChanged(ctx context.Context, task *Task, from Status, fields Fields)

	// OnStatusConflict is called when a conditional status write matched no
	// task because the status changed after task was read.
	OnStatusConflict(ctx context.Context, task *Task, requested Status)

	// OnPublishCompensated is called after a failed publish tried to restore
	// the previous status. compensationErr is nil when the restore succeeded.
	OnPublishCompensated(ctx context.Context, task *Task, restored Status, cause, compensationErr error)

	// OnStatisticsUpdated is called after a statistics write committed.
	OnStatisticsUpdated(ctx context.Context, company, taskID string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnStatusChanged(ctx context.Context, task *Task, from Status, fields Fields) {}
func (NoopObserver) OnStatusConflict(ctx context.Context, task *Task, requested Status)          {}
func (NoopObserver) OnPublishCompensated(ctx context.Context, task *Task, restored Status, cause, compensationErr error) {
}
func (NoopObserver) OnStatisticsUpdated(ctx context.Context, company, taskID string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnStatusChanged(ctx context.Context, task *Task, from Status, fields Fields) {
	for _, o := range c.observers {
		o.OnStatusChanged(ctx, task, from, fields)
	}
}

func (c *CompositeObserver) OnStatusConflict(ctx context.Context, task *Task, requested Status) {
	for _, o := range c.observers {
		o.OnStatusConflict(ctx, task, requested)
	}
}

func (c *CompositeObserver) OnPublishCompensated(ctx context.Context, task *Task, restored Status, cause, compensationErr error) {
	for _, o := range c.observers {
		o.OnPublishCompensated(ctx, task, restored, cause, compensationErr)
	}
}

func (c *CompositeObserver) OnStatisticsUpdated(ctx context.Context, company, taskID string) {
	for _, o := range c.observers {
		o.OnStatisticsUpdated(ctx, company, taskID)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs status changes, conflicts
// and compensations using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnStatusChanged(ctx context.Context, task *Task, from Status, fields Fields) {
	o.Logger.InfoContext(ctx, "task_status_changed",
		slog.String("company", task.Company),
		slog.String("task_id", task.ID),
		slog.String("from", string(from)),
		slog.String("to", string(task.Status)),
		slog.String("status_message", task.StatusMessage),
	)
}

func (o *LoggingObserver) OnStatusConflict(ctx context.Context, task *Task, requested Status) {
	o.Logger.WarnContext(ctx, "task_status_conflict",
		slog.String("company", task.Company),
		slog.String("task_id", task.ID),
		slog.String("expected", string(task.Status)),
		slog.String("requested", string(requested)),
	)
}

func (o *LoggingObserver) OnPublishCompensated(ctx context.Context, task *Task, restored Status, cause, compensationErr error) {
	if compensationErr != nil {
		o.Logger.ErrorContext(ctx, "task_publish_compensation_failed",
			slog.String("company", task.Company),
			slog.String("task_id", task.ID),
			slog.String("restored", string(restored)),
			slog.Any("cause", cause),
			slog.Any("error", compensationErr),
		)
		return
	}
	o.Logger.WarnContext(ctx, "task_publish_compensated",
		slog.String("company", task.Company),
		slog.String("task_id", task.ID),
		slog.String("restored", string(restored)),
		slog.Any("cause", cause),
	)
}

func (o *LoggingObserver) OnStatisticsUpdated(ctx context.Context, company, taskID string) {
	o.Logger.DebugContext(ctx, "task_statistics_updated",
		slog.String("company", company),
		slog.String("task_id", taskID),
	)
}

// BasicMetrics collects simple counters. It implements Observer, and can be
// combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	statusChanges        atomic.Int64
	statusConflicts      atomic.Int64
	compensations        atomic.Int64
	compensationFailures atomic.Int64
	statisticsUpdates    atomic.Int64
	published            atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	StatusChanges        int64
	StatusConflicts      int64
	Published            int64
	Compensations        int64
	CompensationFailures int64
	StatisticsUpdates    int64
}

func (m *BasicMetrics) OnStatusChanged(ctx context.Context, task *Task, from Status, fields Fields) {
	m.statusChanges.Add(1)
	if task.Status == StatusPublished && from != StatusPublished {
		m.published.Add(1)
	}
}

func (m *BasicMetrics) OnStatusConflict(ctx context.Context, task *Task, requested Status) {
	m.statusConflicts.Add(1)
}

func (m *BasicMetrics) OnPublishCompensated(ctx context.Context, task *Task, restored Status, cause, compensationErr error) {
	m.compensations.Add(1)
	if compensationErr != nil {
		m.compensationFailures.Add(1)
	}
}

func (m *BasicMetrics) OnStatisticsUpdated(ctx context.Context, company, taskID string) {
	m.statisticsUpdates.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		StatusChanges:        m.statusChanges.Load(),
		StatusConflicts:      m.statusConflicts.Load(),
		Published:            m.published.Load(),
		Compensations:        m.compensations.Load(),
		CompensationFailures: m.compensationFailures.Load(),
		StatisticsUpdates:    m.statisticsUpdates.Load(),
	}
}
