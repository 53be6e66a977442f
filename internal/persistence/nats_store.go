package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/petrijr/taskstate/pkg/api"
)

// NATSStore implements every store interface on a JetStream key-value
// bucket. Each record is one JSON value; conditional writes read the entry,
// evaluate the predicate on that revision and publish with the revision as
// the expected last sequence. A lost race re-reads and re-evaluates, so the
// status predicate is never weakened by a retry.
//
// Key layout:
//
//	task.<company>.<id>
//	model.<company>.<id>
//	project.<company>.<id>
//	events.<company>.<task id>
type NATSStore struct {
	kv          jetstream.KeyValue
	maxAttempts int
}

var (
	_ TaskStore    = (*NATSStore)(nil)
	_ ModelStore   = (*NATSStore)(nil)
	_ ProjectStore = (*NATSStore)(nil)
	_ EventStore   = (*NATSStore)(nil)
)

// ErrTooMuchContention is returned when a revision-guarded write kept
// losing races to other writers.
var ErrTooMuchContention = errors.New("kv write retries exhausted")

const defaultNATSAttempts = 32

// NewNATSStore creates (or updates) the bucket and returns a store on it.
// bucket defaults to "taskstate" if empty.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, bucket string) (*NATSStore, error) {
	if bucket == "" {
		bucket = "taskstate"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &NATSStore{kv: kv, maxAttempts: defaultNATSAttempts}, nil
}

// Persistence returns a bundle using s for every store.
func (s *NATSStore) Persistence() Persistence {
	return Persistence{Tasks: s, Models: s, Projects: s, Events: s}
}

var natsToken = regexp.MustCompile(`^[-/_=a-zA-Z0-9]+$`)

// natsKey joins tokens into a key. ok is false when a token cannot be part
// of a key; such records cannot exist.
func natsKey(kind string, tokens ...string) (string, bool) {
	for _, t := range tokens {
		if !natsToken.MatchString(t) {
			return "", false
		}
	}
	return kind + "." + strings.Join(tokens, "."), true
}

// isRevisionMismatch reports whether err means the entry changed since it
// was read.
func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *NATSStore) getJSON(ctx context.Context, key string, dst any, notFound error) (uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, notFound
	}
	if err != nil {
		return 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), dst); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry.Revision(), nil
}

func (s *NATSStore) createJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.kv.Create(ctx, key, b)
	return err
}

// mutate applies fn to the current value of key under revision control.
// fn returns false to leave the entry untouched.
func mutate[T any](ctx context.Context, s *NATSStore, key string, notFound error, fn func(*T) (bool, error)) error {
	for range s.maxAttempts {
		var v T
		rev, err := s.getJSON(ctx, key, &v, notFound)
		if err != nil {
			return err
		}
		write, err := fn(&v)
		if err != nil || !write {
			return err
		}
		b, err := json.Marshal(&v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if _, err := s.kv.Update(ctx, key, b, rev); err != nil {
			if isRevisionMismatch(err) {
				continue
			}
			return fmt.Errorf("kv update %s: %w", key, err)
		}
		return nil
	}
	return ErrTooMuchContention
}

func (s *NATSStore) CreateTask(ctx context.Context, t *api.Task) error {
	key, ok := natsKey("task", t.Company, t.ID)
	if !ok {
		return fmt.Errorf("invalid task key %q/%q", t.Company, t.ID)
	}
	if err := s.createJSON(ctx, key, t); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrTaskExists
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *NATSStore) GetTask(ctx context.Context, company, id string) (*api.Task, error) {
	key, ok := natsKey("task", company, id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	var t api.Task
	if _, err := s.getJSON(ctx, key, &t, ErrTaskNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *NATSStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	ids := filter.IDs
	if len(ids) == 0 {
		prefix, ok := natsKey("task", filter.Company)
		if !ok {
			return nil, nil
		}
		prefix += "."
		lister, err := s.kv.ListKeys(ctx)
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("kv list keys: %w", err)
		}
		defer lister.Stop()
		for key := range lister.Keys() {
			if id, ok := strings.CutPrefix(key, prefix); ok {
				ids = append(ids, id)
			}
		}
	}

	var out []*api.Task
	for _, id := range ids {
		t, err := s.GetTask(ctx, filter.Company, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchesFilter(t, filter) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *NATSStore) UpdateTask(ctx context.Context, company, id string, upd api.Update) error {
	key, ok := natsKey("task", company, id)
	if !ok {
		return ErrTaskNotFound
	}
	return mutate(ctx, s, key, ErrTaskNotFound, func(t *api.Task) (bool, error) {
		upd.Apply(t)
		return true, nil
	})
}

func (s *NATSStore) UpdateTaskIfStatus(ctx context.Context, company, id string, expected api.Status, upd api.Update) error {
	key, ok := natsKey("task", company, id)
	if !ok {
		return ErrStatusConflict
	}
	err := mutate(ctx, s, key, ErrStatusConflict, func(t *api.Task) (bool, error) {
		if t.Status != expected {
			return false, ErrStatusConflict
		}
		upd.Apply(t)
		return true, nil
	})
	if errors.Is(err, ErrTooMuchContention) {
		// Losing every race means the entry never held still at expected.
		return fmt.Errorf("%w: %w", ErrStatusConflict, err)
	}
	return err
}

func (s *NATSStore) CreateModel(ctx context.Context, m *api.Model) error {
	key, ok := natsKey("model", m.Company, m.ID)
	if !ok {
		return fmt.Errorf("invalid model key %q/%q", m.Company, m.ID)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if _, err := s.kv.Put(ctx, key, b); err != nil {
		return fmt.Errorf("put model: %w", err)
	}
	return nil
}

func (s *NATSStore) GetModel(ctx context.Context, company, id string) (*api.Model, error) {
	key, ok := natsKey("model", company, id)
	if !ok {
		return nil, ErrModelNotFound
	}
	var m api.Model
	if _, err := s.getJSON(ctx, key, &m, ErrModelNotFound); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *NATSStore) SetModelReady(ctx context.Context, company, id string) (bool, error) {
	key, ok := natsKey("model", company, id)
	if !ok {
		return false, ErrModelNotFound
	}
	changed := false
	err := mutate(ctx, s, key, ErrModelNotFound, func(m *api.Model) (bool, error) {
		changed = !m.Ready
		m.Ready = true
		return changed, nil
	})
	return changed, err
}

func (s *NATSStore) CreateProject(ctx context.Context, p *api.Project) error {
	key, ok := natsKey("project", p.Company, p.ID)
	if !ok {
		return fmt.Errorf("invalid project key %q/%q", p.Company, p.ID)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	if _, err := s.kv.Put(ctx, key, b); err != nil {
		return fmt.Errorf("put project: %w", err)
	}
	return nil
}

func (s *NATSStore) GetProject(ctx context.Context, company, id string) (*api.Project, error) {
	key, ok := natsKey("project", company, id)
	if !ok {
		return nil, ErrProjectNotFound
	}
	var p api.Project
	if _, err := s.getJSON(ctx, key, &p, ErrProjectNotFound); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *NATSStore) TouchProject(ctx context.Context, company, id string, at time.Time) error {
	key, ok := natsKey("project", company, id)
	if !ok {
		return ErrProjectNotFound
	}
	return mutate(ctx, s, key, ErrProjectNotFound, func(p *api.Project) (bool, error) {
		p.LastUpdate = at
		return true, nil
	})
}

var errNoEventLog = errors.New("no event log")

func (s *NATSStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	key, ok := natsKey("events", ev.Company, ev.TaskID)
	if !ok {
		return fmt.Errorf("invalid event key %q/%q", ev.Company, ev.TaskID)
	}
	for range s.maxAttempts {
		err := mutate(ctx, s, key, errNoEventLog, func(log *[]api.StatusEvent) (bool, error) {
			*log = append(*log, ev)
			return true, nil
		})
		if !errors.Is(err, errNoEventLog) {
			return err
		}
		err = s.createJSON(ctx, key, []api.StatusEvent{ev})
		if err == nil {
			return nil
		}
		if !isRevisionMismatch(err) {
			return fmt.Errorf("create event log: %w", err)
		}
		// Another writer created the log first; append to it.
	}
	return ErrTooMuchContention
}

func (s *NATSStore) ListEvents(ctx context.Context, company, taskID string) ([]api.StatusEvent, error) {
	key, ok := natsKey("events", company, taskID)
	if !ok {
		return nil, nil
	}
	var log []api.StatusEvent
	if _, err := s.getJSON(ctx, key, &log, errNoEventLog); err != nil {
		if errors.Is(err, errNoEventLog) {
			return nil, nil
		}
		return nil, err
	}
	return log, nil
}
