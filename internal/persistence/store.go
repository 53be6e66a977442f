package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/taskstate/pkg/api"
)

var (
	// ErrTaskNotFound is returned when no task matches id and company.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned when creating a task whose id is taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrStatusConflict is returned by UpdateTaskIfStatus when no task matches
	// id, company and the expected status.
	ErrStatusConflict = errors.New("task status conflict")

	// ErrModelNotFound is returned when no model matches id and company.
	ErrModelNotFound = errors.New("model not found")

	// ErrProjectNotFound is returned when no project matches id and company.
	ErrProjectNotFound = errors.New("project not found")
)

// TaskFilter selects tasks of one company.
// Empty fields mean "no filter" for that field.
type TaskFilter struct {
	Company  string
	IDs      []string
	Projects []string
	Status   api.Status
}

// TaskStore stores task records. Every operation is scoped by company; a
// task of another company behaves as if it did not exist.
type TaskStore interface {
	CreateTask(ctx context.Context, task *api.Task) error
	GetTask(ctx context.Context, company, id string) (*api.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error)

	// UpdateTask applies upd to the task matching company and id.
	// It returns ErrTaskNotFound when nothing matched.
	UpdateTask(ctx context.Context, company, id string, upd api.Update) error

	// UpdateTaskIfStatus applies upd in one atomic operation only if the
	// stored status still equals expected. It returns ErrStatusConflict when
	// no task matched company, id and expected, including when the task does
	// not exist.
	UpdateTaskIfStatus(ctx context.Context, company, id string, expected api.Status, upd api.Update) error
}

// ModelStore stores model records.
type ModelStore interface {
	CreateModel(ctx context.Context, m *api.Model) error
	GetModel(ctx context.Context, company, id string) (*api.Model, error)
	// SetModelReady sets the ready flag if it is not set yet. changed is
	// false when the model was already ready.
	SetModelReady(ctx context.Context, company, id string) (changed bool, err error)
}

// ProjectStore stores project records.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *api.Project) error
	GetProject(ctx context.Context, company, id string) (*api.Project, error)
	TouchProject(ctx context.Context, company, id string, at time.Time) error
}

// EventStore is an append-only history store for task status events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.StatusEvent) error
	ListEvents(ctx context.Context, company, taskID string) ([]api.StatusEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, company, taskID string) ([]api.StatusEvent, error) {
	return nil, nil
}
