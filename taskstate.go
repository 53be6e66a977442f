package taskstate

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/taskstate/internal/lifecycle"
	"github.com/petrijr/taskstate/internal/persistence"
	"github.com/petrijr/taskstate/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api or the
// internal packages.

type (
	Task        = api.Task
	Status      = api.Status
	TaskType    = api.TaskType
	Update      = api.Update
	Fields      = api.Fields
	Output      = api.Output
	Execution   = api.Execution
	MetricEvent = api.MetricEvent
	LastMetrics = api.LastMetrics
	Model       = api.Model
	Project     = api.Project
	StatusEvent = api.StatusEvent
	Error       = api.Error
	ErrorCode   = api.ErrorCode

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	ChangeStatusRequest  = lifecycle.ChangeStatusRequest
	PublishRequest       = lifecycle.PublishRequest
	StopRequest          = lifecycle.StopRequest
	StatisticsUpdate     = lifecycle.StatisticsUpdate
	ModelSetReadyRequest = lifecycle.ModelSetReadyRequest
	ModelSetReadyResult  = lifecycle.ModelSetReadyResult
	CreateTaskRequest    = lifecycle.CreateTaskRequest
	MetricVariant        = lifecycle.MetricVariant
)

// Re-export status values for convenience.

const (
	StatusCreated    = api.StatusCreated
	StatusInProgress = api.StatusInProgress
	StatusStopped    = api.StatusStopped
	StatusPublishing = api.StatusPublishing
	StatusPublished  = api.StatusPublished
	StatusClosed     = api.StatusClosed
	StatusFailed     = api.StatusFailed
	StatusUnknown    = api.StatusUnknown
)

// Error kinds, matched with errors.Is.

var (
	ErrInvalidTaskID           = api.ErrInvalidTaskID
	ErrInvalidStatusTransition = api.ErrInvalidStatusTransition
	ErrStatusConflict          = api.ErrStatusConflict
	ErrInvalidModelID          = api.ErrInvalidModelID
	ErrModelNotReady           = api.ErrModelNotReady
	ErrModelIsReady            = api.ErrModelIsReady
	ErrInvalidProjectID        = api.ErrInvalidProjectID
	ErrValidation              = api.ErrValidation
	ErrFieldsValue             = api.ErrFieldsValue
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	ValidateTransition   = lifecycle.ValidateTransition
	PossibleTransitions  = lifecycle.PossibleTransitions
)

// Option configures a Client.
type Option func(*lifecycle.Config)

// WithObserver sets the observer notified of status changes, conflicts,
// compensations and statistics updates.
func WithObserver(obs Observer) Option {
	return func(c *lifecycle.Config) { c.Observer = obs }
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *lifecycle.Config) { c.Logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *lifecycle.Config) { c.Now = now }
}

// Client runs task lifecycle operations against one backend.
// It is safe for concurrent use.
type Client struct {
	svc     *lifecycle.Service
	closers []func(context.Context) error
}

func newClient(p persistence.Persistence, opts []Option) *Client {
	cfg := lifecycle.Config{Persistence: p}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{svc: lifecycle.New(cfg)}
}

// NewInMemoryClient returns a Client backed by in-memory stores.
func NewInMemoryClient(opts ...Option) *Client {
	return newClient(persistence.NewInMemoryStore().Persistence(), opts)
}

// NewSQLiteClient returns a Client storing everything in db, which must be
// opened with the modernc.org/sqlite driver. The schema is created when
// missing.
func NewSQLiteClient(db *sql.DB, opts ...Option) (*Client, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newClient(store.Persistence(), opts), nil
}

// NewPostgresClient returns a Client storing everything in PostgreSQL.
func NewPostgresClient(db *sql.DB, opts ...Option) (*Client, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newClient(store.Persistence(), opts), nil
}

// NewMongoClient returns a Client storing everything in database dbName.
func NewMongoClient(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (*Client, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return newClient(store.Persistence(), opts), nil
}

// NewRedisClient returns a Client storing everything in Redis under prefix.
func NewRedisClient(client *redis.Client, prefix string, opts ...Option) *Client {
	return newClient(persistence.NewRedisStore(client, prefix).Persistence(), opts)
}

// NewNATSClient returns a Client storing everything in the JetStream
// key-value bucket, creating it when missing.
func NewNATSClient(ctx context.Context, js jetstream.JetStream, bucket string, opts ...Option) (*Client, error) {
	store, err := persistence.NewNATSStore(ctx, js, bucket)
	if err != nil {
		return nil, err
	}
	return newClient(store.Persistence(), opts), nil
}

// Close releases connections opened by Open. Clients built around a
// caller-owned connection have nothing to close.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i](ctx))
	}
	c.closers = nil
	return errors.Join(errs...)
}

// GetTask returns the task id of company for modification.
func (c *Client) GetTask(ctx context.Context, company, id string) (*Task, error) {
	return c.svc.GetTaskForWriting(ctx, company, id)
}

// CreateTask validates and stores a new task in status created.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	return c.svc.CreateTask(ctx, req)
}

// ChangeStatus applies a validated, conditional status change.
func (c *Client) ChangeStatus(ctx context.Context, req ChangeStatusRequest) (Fields, error) {
	return c.svc.ChangeStatus(ctx, req)
}

// Publish publishes a task, compensating on failure.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (Fields, error) {
	return c.svc.Publish(ctx, req)
}

// Stop stops a development task or asks a worker-run task to stop.
func (c *Client) Stop(ctx context.Context, req StopRequest) (Fields, error) {
	return c.svc.Stop(ctx, req)
}

// ModelSetReady marks a model ready, optionally publishing its task.
func (c *Client) ModelSetReady(ctx context.Context, req ModelSetReadyRequest) (ModelSetReadyResult, error) {
	return c.svc.ModelSetReady(ctx, req)
}

// UpdateStatistics records worker progress without a status guard.
func (c *Client) UpdateStatistics(ctx context.Context, company, taskID string, stats StatisticsUpdate) error {
	return c.svc.UpdateStatistics(ctx, company, taskID, stats)
}

// SetLastUpdate bumps the last update time of several tasks.
func (c *Client) SetLastUpdate(ctx context.Context, company string, ids []string, at time.Time) (int, error) {
	return c.svc.SetLastUpdate(ctx, company, ids, at)
}

// UniqueMetricVariants lists the metric variants reported by a company's
// tasks.
func (c *Client) UniqueMetricVariants(ctx context.Context, company string, projectIDs []string) ([]MetricVariant, error) {
	return c.svc.UniqueMetricVariants(ctx, company, projectIDs)
}

// AssertTasksExist fails with ErrInvalidTaskID unless every id exists.
func (c *Client) AssertTasksExist(ctx context.Context, company string, ids []string) error {
	return c.svc.AssertTasksExist(ctx, company, ids)
}

// TaskHistory returns the status events of a task.
func (c *Client) TaskHistory(ctx context.Context, company, id string) ([]StatusEvent, error) {
	return c.svc.TaskHistory(ctx, company, id)
}

// CreateModel stores a model record.
func (c *Client) CreateModel(ctx context.Context, m Model) (*Model, error) {
	return c.svc.CreateModel(ctx, m)
}

// CreateProject stores a project record.
func (c *Client) CreateProject(ctx context.Context, p Project) (*Project, error) {
	return c.svc.CreateProject(ctx, p)
}
