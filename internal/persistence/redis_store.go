package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/taskstate/pkg/api"
)

// RedisStore implements every store interface on top of Redis.
// It uses a simple key structure:
//
//	<prefix>task:<company>:<id>     => HASH of task fields, one field per metric leaf
//	<prefix>idx:<company>           => SET of task ids of a company
//	<prefix>model:<company>:<id>    => HASH {doc, ready}
//	<prefix>project:<company>:<id>  => HASH {doc, last_update}
//	<prefix>events:<company>:<id>   => LIST of JSON status events
//
// Company and id are query-escaped, so neither can contain the ':' that
// separates them.
//
// Every conditional write is a Lua script, so the status check and the
// field writes execute atomically on the server.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ TaskStore    = (*RedisStore)(nil)
	_ ModelStore   = (*RedisStore)(nil)
	_ ProjectStore = (*RedisStore)(nil)
	_ EventStore   = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "taskstate:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "taskstate:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Persistence returns a bundle using r for every store.
func (r *RedisStore) Persistence() Persistence {
	return Persistence{Tasks: r, Models: r, Projects: r, Events: r}
}

func (r *RedisStore) key(kind string, tokens ...string) string {
	var b strings.Builder
	b.WriteString(r.prefix)
	b.WriteString(kind)
	for _, t := range tokens {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(t))
	}
	return b.String()
}

func (r *RedisStore) keyTask(company, id string) string {
	return r.key("task", company, id)
}

func (r *RedisStore) keyIndex(company string) string {
	return r.key("idx", company)
}

func (r *RedisStore) keyModel(company, id string) string {
	return r.key("model", company, id)
}

func (r *RedisStore) keyProject(company, id string) string {
	return r.key("project", company, id)
}

func (r *RedisStore) keyEvents(company, taskID string) string {
	return r.key("events", company, taskID)
}

// metricFieldPrefix starts the hash field of a metric leaf; metric and
// variant are separated by a unit separator.
const metricFieldPrefix = "lm:"

func metricField(metric, variant string) string {
	return metricFieldPrefix + metric + "\x1f" + variant
}

var (
	// KEYS[1] = task hash, KEYS[2] = company index
	// ARGV[1] = task id, ARGV[2..] = field/value pairs
	createTaskScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

	// KEYS[1] = task hash
	// ARGV[1] = company
	// ARGV[2] = expected status, '' for none
	// ARGV[3] = iteration to max-merge, '' for none
	// ARGV[4..] = field/value pairs
	// Returns -1 when the task is missing, 0 on status mismatch, 1 when applied.
	updateTaskScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'company') ~= ARGV[1] then
  return -1
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[1], 'status') ~= ARGV[2] then
  return 0
end
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
if ARGV[3] ~= '' then
  local cur = tonumber(redis.call('HGET', KEYS[1], 'last_iteration') or '0')
  if tonumber(ARGV[3]) > cur then
    redis.call('HSET', KEYS[1], 'last_iteration', ARGV[3])
  end
end
return 1
`)

	// KEYS[1] = model hash
	// Returns -1 when the model is missing, 0 when already ready, 1 when set.
	setModelReadyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'ready') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'ready', '1')
return 1
`)

	// KEYS[1] = project hash, ARGV[1] = last_update
	touchProjectScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_update', ARGV[1])
return 1
`)
)

// redisTaskDoc holds the task fields that never change after creation.
type redisTaskDoc struct {
	ID        string        `json:"id"`
	Company   string        `json:"company"`
	User      string        `json:"user,omitempty"`
	Name      string        `json:"name"`
	Type      api.TaskType  `json:"type"`
	Comment   string        `json:"comment,omitempty"`
	Created   int64         `json:"created"`
	Parent    string        `json:"parent,omitempty"`
	Project   string        `json:"project,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	Execution api.Execution `json:"execution"`
}

func nanosString(t time.Time) string {
	return strconv.FormatInt(unixNanos(t), 10)
}

// taskHashFields flattens t into hash field/value pairs.
func taskHashFields(t *api.Task) ([]any, error) {
	doc, err := json.Marshal(redisTaskDoc{
		ID:        t.ID,
		Company:   t.Company,
		User:      t.User,
		Name:      t.Name,
		Type:      t.Type,
		Comment:   t.Comment,
		Created:   unixNanos(t.Created),
		Parent:    t.Parent,
		Project:   t.Project,
		Tags:      t.Tags,
		Execution: t.Execution,
	})
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	upd := api.Update{
		Status:        &t.Status,
		StatusReason:  &t.StatusReason,
		StatusMessage: &t.StatusMessage,
		StatusChanged: &t.StatusChanged,
		LastUpdate:    t.LastUpdate,
		Started:       &t.Started,
		Completed:     &t.Completed,
		Published:     &t.Published,
		Output:        &t.Output,
		LastIteration: &t.LastIteration,
		LastMetrics:   t.LastMetrics,
	}
	pairs, err := updateHashFields(upd)
	if err != nil {
		return nil, err
	}
	return append([]any{"doc", string(doc), "company", t.Company}, pairs...), nil
}

// updateHashFields renders every unconditional write of upd as hash
// field/value pairs. The iteration max-merge is passed separately.
func updateHashFields(upd api.Update) ([]any, error) {
	pairs := []any{"last_update", nanosString(upd.LastUpdate)}
	if upd.Status != nil {
		pairs = append(pairs, "status", string(*upd.Status))
	}
	if upd.StatusReason != nil {
		pairs = append(pairs, "status_reason", *upd.StatusReason)
	}
	if upd.StatusMessage != nil {
		pairs = append(pairs, "status_message", *upd.StatusMessage)
	}
	if upd.StatusChanged != nil {
		pairs = append(pairs, "status_changed", nanosString(*upd.StatusChanged))
	}
	if upd.Started != nil {
		pairs = append(pairs, "started", nanosString(*upd.Started))
	}
	if upd.Completed != nil {
		pairs = append(pairs, "completed", nanosString(*upd.Completed))
	}
	if upd.Published != nil {
		pairs = append(pairs, "published", nanosString(*upd.Published))
	}
	if upd.Output != nil {
		out, err := json.Marshal(upd.Output)
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		pairs = append(pairs, "output", string(out))
	}
	if upd.LastIteration != nil {
		pairs = append(pairs, "last_iteration", strconv.FormatInt(*upd.LastIteration, 10))
	}
	for metric, variants := range upd.LastMetrics {
		for variant, ev := range variants {
			b, err := json.Marshal(ev)
			if err != nil {
				return nil, fmt.Errorf("encode metric: %w", err)
			}
			pairs = append(pairs, metricField(metric, variant), string(b))
		}
	}
	return pairs, nil
}

func taskFromHash(h map[string]string) (*api.Task, error) {
	var doc redisTaskDoc
	if err := json.Unmarshal([]byte(h["doc"]), &doc); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	t := &api.Task{
		ID:            doc.ID,
		Company:       doc.Company,
		User:          doc.User,
		Name:          doc.Name,
		Type:          doc.Type,
		Comment:       doc.Comment,
		Created:       fromUnixNanos(doc.Created),
		Parent:        doc.Parent,
		Project:       doc.Project,
		Tags:          doc.Tags,
		Execution:     doc.Execution,
		Status:        api.Status(h["status"]),
		StatusReason:  h["status_reason"],
		StatusMessage: h["status_message"],
	}
	nanos := func(field string) time.Time {
		n, _ := strconv.ParseInt(h[field], 10, 64)
		return fromUnixNanos(n)
	}
	t.StatusChanged = nanos("status_changed")
	t.Started = nanos("started")
	t.Completed = nanos("completed")
	t.Published = nanos("published")
	t.LastUpdate = nanos("last_update")
	t.LastIteration, _ = strconv.ParseInt(h["last_iteration"], 10, 64)
	if out := h["output"]; out != "" {
		if err := json.Unmarshal([]byte(out), &t.Output); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
	}
	for field, value := range h {
		name, ok := strings.CutPrefix(field, metricFieldPrefix)
		if !ok {
			continue
		}
		metric, variant, ok := strings.Cut(name, "\x1f")
		if !ok {
			continue
		}
		var ev api.MetricEvent
		if err := json.Unmarshal([]byte(value), &ev); err != nil {
			return nil, fmt.Errorf("decode metric: %w", err)
		}
		t.LastMetrics = t.LastMetrics.Merge(api.LastMetrics{metric: {variant: ev}})
	}
	return t, nil
}

func (r *RedisStore) CreateTask(ctx context.Context, t *api.Task) error {
	fields, err := taskHashFields(t)
	if err != nil {
		return err
	}
	args := append([]any{t.ID}, fields...)
	res, err := createTaskScript.Run(ctx, r.client, []string{r.keyTask(t.Company, t.ID), r.keyIndex(t.Company)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if res == 0 {
		return ErrTaskExists
	}
	return nil
}

func (r *RedisStore) GetTask(ctx context.Context, company, id string) (*api.Task, error) {
	h, err := r.client.HGetAll(ctx, r.keyTask(company, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if len(h) == 0 || h["company"] != company {
		return nil, ErrTaskNotFound
	}
	return taskFromHash(h)
}

func (r *RedisStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	ids := filter.IDs
	if len(ids) == 0 {
		var err error
		ids, err = r.client.SMembers(ctx, r.keyIndex(filter.Company)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.keyTask(filter.Company, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var out []*api.Task
	for _, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 || h["company"] != filter.Company {
			continue
		}
		t, err := taskFromHash(h)
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

func (r *RedisStore) runUpdate(ctx context.Context, company, id, expected string, upd api.Update) (int64, error) {
	pairs, err := updateHashFields(upd)
	if err != nil {
		return 0, err
	}
	maxIter := ""
	if upd.LastIteration == nil && upd.LastIterationMax != nil {
		maxIter = strconv.FormatInt(*upd.LastIterationMax, 10)
	}
	args := append([]any{company, expected, maxIter}, pairs...)
	res, err := updateTaskScript.Run(ctx, r.client, []string{r.keyTask(company, id)}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("update task: %w", err)
	}
	return res, nil
}

func (r *RedisStore) UpdateTask(ctx context.Context, company, id string, upd api.Update) error {
	res, err := r.runUpdate(ctx, company, id, "", upd)
	if err != nil {
		return err
	}
	if res < 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *RedisStore) UpdateTaskIfStatus(ctx context.Context, company, id string, expected api.Status, upd api.Update) error {
	res, err := r.runUpdate(ctx, company, id, string(expected), upd)
	if err != nil {
		return err
	}
	if res <= 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *RedisStore) CreateModel(ctx context.Context, m *api.Model) error {
	cp := *m
	cp.Ready = false
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	ready := "0"
	if m.Ready {
		ready = "1"
	}
	return r.client.HSet(ctx, r.keyModel(m.Company, m.ID), "doc", string(doc), "ready", ready).Err()
}

func (r *RedisStore) GetModel(ctx context.Context, company, id string) (*api.Model, error) {
	h, err := r.client.HGetAll(ctx, r.keyModel(company, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrModelNotFound
	}
	var m api.Model
	if err := json.Unmarshal([]byte(h["doc"]), &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if m.Company != company {
		return nil, ErrModelNotFound
	}
	m.Ready = h["ready"] == "1"
	return &m, nil
}

func (r *RedisStore) SetModelReady(ctx context.Context, company, id string) (bool, error) {
	res, err := setModelReadyScript.Run(ctx, r.client, []string{r.keyModel(company, id)}).Int64()
	if err != nil {
		return false, fmt.Errorf("set model ready: %w", err)
	}
	switch res {
	case -1:
		return false, ErrModelNotFound
	case 0:
		return false, nil
	}
	return true, nil
}

func (r *RedisStore) CreateProject(ctx context.Context, p *api.Project) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	return r.client.HSet(ctx, r.keyProject(p.Company, p.ID), "doc", string(doc), "last_update", nanosString(p.LastUpdate)).Err()
}

func (r *RedisStore) GetProject(ctx context.Context, company, id string) (*api.Project, error) {
	h, err := r.client.HGetAll(ctx, r.keyProject(company, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrProjectNotFound
	}
	var p api.Project
	if err := json.Unmarshal([]byte(h["doc"]), &p); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}
	if p.Company != company {
		return nil, ErrProjectNotFound
	}
	n, _ := strconv.ParseInt(h["last_update"], 10, 64)
	p.LastUpdate = fromUnixNanos(n)
	return &p, nil
}

func (r *RedisStore) TouchProject(ctx context.Context, company, id string, at time.Time) error {
	res, err := touchProjectScript.Run(ctx, r.client, []string{r.keyProject(company, id)}, nanosString(at)).Int64()
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	if res == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func (r *RedisStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.client.RPush(ctx, r.keyEvents(ev.Company, ev.TaskID), b).Err()
}

func (r *RedisStore) ListEvents(ctx context.Context, company, taskID string) ([]api.StatusEvent, error) {
	items, err := r.client.LRange(ctx, r.keyEvents(company, taskID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.StatusEvent, 0, len(items))
	for _, item := range items {
		var ev api.StatusEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}
