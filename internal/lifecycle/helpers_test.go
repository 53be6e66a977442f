package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/taskstate/internal/persistence"
	"github.com/petrijr/taskstate/pkg/api"
)

const testCompany = "acme"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// recordingObserver records lifecycle callbacks so tests can assert on them.
type recordingObserver struct {
	mu sync.Mutex

	changes      []statusChange
	conflicts    []api.Status
	compensation []compensation
	stats        int
}

type statusChange struct {
	TaskID string
	From   api.Status
	To     api.Status
}

type compensation struct {
	TaskID   string
	Restored api.Status
	Cause    error
	CompErr  error
}

func (o *recordingObserver) OnStatusChanged(ctx context.Context, task *api.Task, from api.Status, fields api.Fields) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, statusChange{TaskID: task.ID, From: from, To: task.Status})
}

func (o *recordingObserver) OnStatusConflict(ctx context.Context, task *api.Task, requested api.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts = append(o.conflicts, requested)
}

func (o *recordingObserver) OnPublishCompensated(ctx context.Context, task *api.Task, restored api.Status, cause, compErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.compensation = append(o.compensation, compensation{TaskID: task.ID, Restored: restored, Cause: cause, CompErr: compErr})
}

func (o *recordingObserver) OnStatisticsUpdated(ctx context.Context, company, taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats++
}

// faultyModels fails SetModelReady with setReadyErr when it is set.
type faultyModels struct {
	persistence.ModelStore
	setReadyErr error
	setReady    atomic.Int32
}

func (m *faultyModels) SetModelReady(ctx context.Context, company, id string) (bool, error) {
	m.setReady.Add(1)
	if m.setReadyErr != nil {
		return false, m.setReadyErr
	}
	return m.ModelStore.SetModelReady(ctx, company, id)
}

// faultyTasks fails the unguarded UpdateTask with updateErr and the first
// conditionalConflicts conditional writes with a status conflict.
type faultyTasks struct {
	persistence.TaskStore
	updateErr            error
	conditionalConflicts atomic.Int32
	updates              atomic.Int32
}

func (f *faultyTasks) UpdateTask(ctx context.Context, company, id string, upd api.Update) error {
	f.updates.Add(1)
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.TaskStore.UpdateTask(ctx, company, id, upd)
}

func (f *faultyTasks) UpdateTaskIfStatus(ctx context.Context, company, id string, expected api.Status, upd api.Update) error {
	if f.conditionalConflicts.Add(-1) >= 0 {
		return persistence.ErrStatusConflict
	}
	return f.TaskStore.UpdateTaskIfStatus(ctx, company, id, expected, upd)
}

type fixture struct {
	store    *persistence.InMemoryStore
	tasks    *faultyTasks
	models   *faultyModels
	observer *recordingObserver
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := persistence.NewInMemoryStore()
	f := &fixture{
		store:    store,
		tasks:    &faultyTasks{TaskStore: store},
		models:   &faultyModels{ModelStore: store},
		observer: &recordingObserver{},
	}
	f.svc = New(Config{
		Persistence: persistence.Persistence{
			Tasks:    f.tasks,
			Models:   f.models,
			Projects: store,
			Events:   store,
		},
		Observer: f.observer,
		Now:      func() time.Time { return testNow },
	})
	return f
}

// seedTask stores a task in status with the given tags.
func (f *fixture) seedTask(t *testing.T, id string, status api.Status, tags ...string) *api.Task {
	t.Helper()
	task := &api.Task{
		ID:         id,
		Company:    testCompany,
		Name:       "task " + id,
		Type:       api.TaskTypeTraining,
		Status:     status,
		Created:    testNow.Add(-time.Hour),
		LastUpdate: testNow.Add(-time.Hour),
		Tags:       tags,
	}
	if err := f.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task.Clone()
}

func (f *fixture) seedModel(t *testing.T, id, taskID string, ready bool) {
	t.Helper()
	m := &api.Model{ID: id, Company: testCompany, Name: "model " + id, Task: taskID, Ready: ready, Created: testNow}
	if err := f.store.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
}

func (f *fixture) mustGet(t *testing.T, id string) *api.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), testCompany, id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return task
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}
