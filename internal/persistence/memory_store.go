package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/taskstate/pkg/api"
)

type tenantKey struct {
	company string
	id      string
}

// InMemoryStore is a simple, goroutine-safe implementation of every store
// interface backed by maps. Values are copied on the way in and out, so
// callers only ever hold snapshots.
type InMemoryStore struct {
	mu       sync.RWMutex
	tasks    map[tenantKey]*api.Task
	models   map[tenantKey]*api.Model
	projects map[tenantKey]*api.Project
	events   map[tenantKey][]api.StatusEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:    make(map[tenantKey]*api.Task),
		models:   make(map[tenantKey]*api.Model),
		projects: make(map[tenantKey]*api.Project),
		events:   make(map[tenantKey][]api.StatusEvent),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ TaskStore    = (*InMemoryStore)(nil)
	_ ModelStore   = (*InMemoryStore)(nil)
	_ ProjectStore = (*InMemoryStore)(nil)
	_ EventStore   = (*InMemoryStore)(nil)
)

// Persistence returns a bundle using s for every store.
func (s *InMemoryStore) Persistence() Persistence {
	return Persistence{Tasks: s, Models: s, Projects: s, Events: s}
}

func (s *InMemoryStore) CreateTask(ctx context.Context, task *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tenantKey{task.Company, task.ID}
	if _, ok := s.tasks[k]; ok {
		return ErrTaskExists
	}
	s.tasks[k] = task.Clone()
	return nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, company, id string) (*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[tenantKey{company, id}]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Task
	for _, t := range s.tasks {
		if matchesFilter(t, filter) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *InMemoryStore) UpdateTask(ctx context.Context, company, id string, upd api.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[tenantKey{company, id}]
	if !ok {
		return ErrTaskNotFound
	}
	upd.Apply(t)
	return nil
}

func (s *InMemoryStore) UpdateTaskIfStatus(ctx context.Context, company, id string, expected api.Status, upd api.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[tenantKey{company, id}]
	if !ok || t.Status != expected {
		return ErrStatusConflict
	}
	upd.Apply(t)
	return nil
}

func (s *InMemoryStore) CreateModel(ctx context.Context, m *api.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.models[tenantKey{m.Company, m.ID}] = &cp
	return nil
}

func (s *InMemoryStore) GetModel(ctx context.Context, company, id string) (*api.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[tenantKey{company, id}]
	if !ok {
		return nil, ErrModelNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) SetModelReady(ctx context.Context, company, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[tenantKey{company, id}]
	if !ok {
		return false, ErrModelNotFound
	}
	if m.Ready {
		return false, nil
	}
	m.Ready = true
	return true, nil
}

func (s *InMemoryStore) CreateProject(ctx context.Context, p *api.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.projects[tenantKey{p.Company, p.ID}] = &cp
	return nil
}

func (s *InMemoryStore) GetProject(ctx context.Context, company, id string) (*api.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[tenantKey{company, id}]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *InMemoryStore) TouchProject(ctx context.Context, company, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[tenantKey{company, id}]
	if !ok {
		return ErrProjectNotFound
	}
	p.LastUpdate = at
	return nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	k := tenantKey{ev.Company, ev.TaskID}
	s.events[k] = append(s.events[k], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, company, taskID string) ([]api.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.events[tenantKey{company, taskID}]), nil
}
