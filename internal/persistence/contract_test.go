package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/taskstate/pkg/api"
)

// StoreContractSuite runs the same behavioral checks against every backend.
// Each test works in a fresh company, so backends can share one database.
type StoreContractSuite struct {
	suite.Suite
	open    func(t *testing.T) Persistence
	p       Persistence
	company string
	ctx     context.Context
}

func newContractSuite(open func(t *testing.T) Persistence) *StoreContractSuite {
	return &StoreContractSuite{open: open}
}

func (s *StoreContractSuite) SetupTest() {
	s.ctx = context.Background()
	s.p = s.open(s.T())
	s.company = "co-" + uuid.NewString()[:8]
}

// now is truncated to milliseconds, the coarsest precision of any backend.
func (s *StoreContractSuite) now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *StoreContractSuite) newTask(id string, status api.Status) *api.Task {
	now := s.now()
	return &api.Task{
		ID:         id,
		Company:    s.company,
		User:       "alice",
		Name:       "train " + id,
		Type:       api.TaskTypeTraining,
		Status:     status,
		Created:    now,
		LastUpdate: now,
		Project:    "p1",
		Tags:       []string{"nightly"},
		Output:     api.Output{Destination: "s3://bucket/out", Model: "m1"},
		Execution: api.Execution{
			Queue:      "default",
			Parameters: map[string]string{"lr": "0.1"},
		},
	}
}

func (s *StoreContractSuite) mustCreate(t *api.Task) {
	s.Require().NoError(s.p.Tasks.CreateTask(s.ctx, t))
}

func (s *StoreContractSuite) mustGet(id string) *api.Task {
	t, err := s.p.Tasks.GetTask(s.ctx, s.company, id)
	s.Require().NoError(err)
	return t
}

func event(metric, variant string, value float64, iter int64) api.MetricEvent {
	return api.MetricEvent{
		Metric:    metric,
		Variant:   variant,
		Type:      "training_stats_scalar",
		Value:     value,
		MinValue:  value,
		MaxValue:  value,
		Iter:      iter,
		Timestamp: 1700000000000 + iter,
	}
}

func (s *StoreContractSuite) TestCreateAndGetRoundTrip() {
	in := s.newTask("t1", api.StatusCreated)
	in.LastMetrics = api.LastMetrics{"loss": {"total": event("loss", "total", 0.5, 3)}}
	in.LastIteration = 3
	s.mustCreate(in)

	got := s.mustGet("t1")
	s.Equal(in.ID, got.ID)
	s.Equal(in.Company, got.Company)
	s.Equal(in.Name, got.Name)
	s.Equal(api.StatusCreated, got.Status)
	s.Equal(in.Tags, got.Tags)
	s.Equal(in.Output, got.Output)
	s.Equal(in.Execution, got.Execution)
	s.Equal(int64(3), got.LastIteration)
	s.Equal(in.LastMetrics, got.LastMetrics)
	s.True(in.Created.Equal(got.Created), "created %v != %v", in.Created, got.Created)
	s.True(got.Started.IsZero())
}

func (s *StoreContractSuite) TestCreateDuplicateFails() {
	s.mustCreate(s.newTask("dup", api.StatusCreated))
	err := s.p.Tasks.CreateTask(s.ctx, s.newTask("dup", api.StatusCreated))
	s.ErrorIs(err, ErrTaskExists)
}

func (s *StoreContractSuite) TestTasksAreScopedByCompany() {
	s.mustCreate(s.newTask("t1", api.StatusCreated))

	_, err := s.p.Tasks.GetTask(s.ctx, "other-company", "t1")
	s.ErrorIs(err, ErrTaskNotFound)

	err = s.p.Tasks.UpdateTask(s.ctx, "other-company", "t1", api.Update{LastUpdate: s.now()})
	s.ErrorIs(err, ErrTaskNotFound)

	st := api.StatusInProgress
	err = s.p.Tasks.UpdateTaskIfStatus(s.ctx, "other-company", "t1", api.StatusCreated,
		api.Update{Status: &st, LastUpdate: s.now()})
	s.ErrorIs(err, ErrStatusConflict)
	s.Equal(api.StatusCreated, s.mustGet("t1").Status)
}

func (s *StoreContractSuite) TestSameIDInTwoCompanies() {
	other := "other-" + s.company
	mine := s.newTask("shared", api.StatusCreated)
	theirs := s.newTask("shared", api.StatusStopped)
	theirs.Company = other
	theirs.Name = "theirs"
	s.mustCreate(mine)
	s.mustCreate(theirs)

	st := api.StatusInProgress
	s.Require().NoError(s.p.Tasks.UpdateTaskIfStatus(s.ctx, s.company, "shared", api.StatusCreated,
		api.Update{Status: &st, LastUpdate: s.now()}))

	got, err := s.p.Tasks.GetTask(s.ctx, other, "shared")
	s.Require().NoError(err)
	s.Equal("theirs", got.Name)
	s.Equal(api.StatusStopped, got.Status)
	s.Equal(api.StatusInProgress, s.mustGet("shared").Status)
}

func (s *StoreContractSuite) TestModelsAndProjectsAreScopedByCompany() {
	other := "other-" + s.company
	s.Require().NoError(s.p.Models.CreateModel(s.ctx, &api.Model{ID: "m1", Company: s.company, Name: "mine"}))
	s.Require().NoError(s.p.Models.CreateModel(s.ctx, &api.Model{ID: "m1", Company: other, Name: "theirs", Ready: true}))

	m, err := s.p.Models.GetModel(s.ctx, s.company, "m1")
	s.Require().NoError(err)
	s.Equal(s.company, m.Company)
	s.Equal("mine", m.Name)
	s.False(m.Ready)

	changed, err := s.p.Models.SetModelReady(s.ctx, s.company, "m1")
	s.Require().NoError(err)
	s.True(changed)

	m, err = s.p.Models.GetModel(s.ctx, other, "m1")
	s.Require().NoError(err)
	s.Equal("theirs", m.Name)

	created := s.now()
	s.Require().NoError(s.p.Projects.CreateProject(s.ctx, &api.Project{ID: "p1", Company: s.company, Name: "mine", Created: created, LastUpdate: created}))
	s.Require().NoError(s.p.Projects.CreateProject(s.ctx, &api.Project{ID: "p1", Company: other, Name: "theirs", Created: created, LastUpdate: created}))

	at := created.Add(time.Hour)
	s.Require().NoError(s.p.Projects.TouchProject(s.ctx, other, "p1", at))

	p, err := s.p.Projects.GetProject(s.ctx, s.company, "p1")
	s.Require().NoError(err)
	s.Equal("mine", p.Name)
	s.True(created.Equal(p.LastUpdate), "last_update %v != %v", created, p.LastUpdate)

	p, err = s.p.Projects.GetProject(s.ctx, other, "p1")
	s.Require().NoError(err)
	s.Equal("theirs", p.Name)
	s.True(at.Equal(p.LastUpdate))
}

// Company and id pairs that concatenate to the same string must stay
// distinct records. A backend may refuse such ids instead.
func (s *StoreContractSuite) TestKeySeparatorsDoNotCollideAcrossCompanies() {
	type ref struct{ company, id string }
	refs := []ref{
		{s.company, "x:y"},
		{s.company + ":x", "y"},
		{s.company, "x.y"},
		{s.company + ".x", "y"},
	}

	var created []ref
	for _, r := range refs {
		t := s.newTask(r.id, api.StatusCreated)
		t.Company = r.company
		t.Name = r.company + "/" + r.id
		if err := s.p.Tasks.CreateTask(s.ctx, t); err != nil {
			s.T().Logf("create %s/%s refused: %v", r.company, r.id, err)
			_, err := s.p.Tasks.GetTask(s.ctx, r.company, r.id)
			s.ErrorIs(err, ErrTaskNotFound)
			continue
		}
		created = append(created, r)
	}
	if len(created) == 0 {
		return
	}

	st := api.StatusInProgress
	first := created[0]
	s.Require().NoError(s.p.Tasks.UpdateTaskIfStatus(s.ctx, first.company, first.id, api.StatusCreated,
		api.Update{Status: &st, LastUpdate: s.now()}))

	for i, r := range created {
		got, err := s.p.Tasks.GetTask(s.ctx, r.company, r.id)
		s.Require().NoError(err)
		s.Equal(r.company, got.Company)
		s.Equal(r.id, got.ID)
		s.Equal(r.company+"/"+r.id, got.Name)
		if i == 0 {
			s.Equal(api.StatusInProgress, got.Status)
		} else {
			s.Equal(api.StatusCreated, got.Status, "%s/%s changed by a write to %s/%s", r.company, r.id, first.company, first.id)
		}
	}
}

func (s *StoreContractSuite) TestUpdateTaskIfStatus() {
	s.mustCreate(s.newTask("t1", api.StatusCreated))
	at := s.now().Add(time.Second)
	st := api.StatusInProgress

	err := s.p.Tasks.UpdateTaskIfStatus(s.ctx, s.company, "t1", api.StatusCreated, api.Update{
		Status:        &st,
		StatusReason:  api.Ptr("started"),
		StatusMessage: api.Ptr("picked up by worker"),
		StatusChanged: &at,
		Started:       &at,
		LastUpdate:    at,
	})
	s.Require().NoError(err)

	got := s.mustGet("t1")
	s.Equal(api.StatusInProgress, got.Status)
	s.Equal("started", got.StatusReason)
	s.Equal("picked up by worker", got.StatusMessage)
	s.True(at.Equal(got.StatusChanged))
	s.True(at.Equal(got.Started))
	s.True(at.Equal(got.LastUpdate))

	// The stored status moved on; the same expectation no longer matches.
	stopped := api.StatusStopped
	err = s.p.Tasks.UpdateTaskIfStatus(s.ctx, s.company, "t1", api.StatusCreated,
		api.Update{Status: &stopped, LastUpdate: s.now()})
	s.ErrorIs(err, ErrStatusConflict)
	s.Equal(api.StatusInProgress, s.mustGet("t1").Status)

	err = s.p.Tasks.UpdateTaskIfStatus(s.ctx, s.company, "missing", api.StatusCreated,
		api.Update{Status: &stopped, LastUpdate: s.now()})
	s.ErrorIs(err, ErrStatusConflict)
}

func (s *StoreContractSuite) TestUpdateTaskMissing() {
	err := s.p.Tasks.UpdateTask(s.ctx, s.company, "missing", api.Update{LastUpdate: s.now()})
	s.ErrorIs(err, ErrTaskNotFound)
}

func (s *StoreContractSuite) TestUpdateTaskWritesOutputAndPublished() {
	s.mustCreate(s.newTask("t1", api.StatusStopped))
	at := s.now()
	out := api.Output{Destination: "gs://b/o", Model: "m2", Result: "ok"}
	s.Require().NoError(s.p.Tasks.UpdateTask(s.ctx, s.company, "t1", api.Update{
		Published:  &at,
		Output:     &out,
		LastUpdate: at,
	}))
	got := s.mustGet("t1")
	s.Equal(out, got.Output)
	s.True(at.Equal(got.Published))
	s.Equal(api.StatusStopped, got.Status)
}

func (s *StoreContractSuite) TestIterationMaxMerge() {
	s.mustCreate(s.newTask("t1", api.StatusInProgress))

	for _, it := range []int64{5, 3, 9, 7} {
		s.Require().NoError(s.p.Tasks.UpdateTask(s.ctx, s.company, "t1",
			api.Update{LastIterationMax: api.Ptr(it), LastUpdate: s.now()}))
	}
	s.Equal(int64(9), s.mustGet("t1").LastIteration)

	// An unconditional set wins over a max-merge in the same update.
	s.Require().NoError(s.p.Tasks.UpdateTask(s.ctx, s.company, "t1", api.Update{
		LastIteration:    api.Ptr(int64(2)),
		LastIterationMax: api.Ptr(int64(100)),
		LastUpdate:       s.now(),
	}))
	s.Equal(int64(2), s.mustGet("t1").LastIteration)
}

func (s *StoreContractSuite) TestMetricsMergeLeafwise() {
	task := s.newTask("t1", api.StatusInProgress)
	task.LastMetrics = api.LastMetrics{
		"loss":     {"total": event("loss", "total", 0.9, 1), "l2": event("loss", "l2", 0.1, 1)},
		"accuracy": {"top1": event("accuracy", "top1", 0.3, 1)},
	}
	s.mustCreate(task)

	s.Require().NoError(s.p.Tasks.UpdateTask(s.ctx, s.company, "t1", api.Update{
		LastMetrics: api.LastMetrics{
			"loss": {"total": event("loss", "total", 0.4, 2)},
			"lr":   {"lr": event("lr", "lr", 0.01, 2)},
		},
		LastUpdate: s.now(),
	}))

	got := s.mustGet("t1").LastMetrics
	s.Equal(event("loss", "total", 0.4, 2), got["loss"]["total"])
	s.Equal(event("loss", "l2", 0.1, 1), got["loss"]["l2"])
	s.Equal(event("accuracy", "top1", 0.3, 1), got["accuracy"]["top1"])
	s.Equal(event("lr", "lr", 0.01, 2), got["lr"]["lr"])
}

func (s *StoreContractSuite) TestConcurrentConditionalUpdateSingleWinner() {
	s.mustCreate(s.newTask("race", api.StatusInProgress))

	const writers = 8
	var (
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	var g errgroup.Group
	for i := range writers {
		g.Go(func() error {
			st := api.StatusStopped
			if i%2 == 0 {
				st = api.StatusFailed
			}
			err := s.p.Tasks.UpdateTaskIfStatus(s.ctx, s.company, "race", api.StatusInProgress,
				api.Update{Status: &st, LastUpdate: s.now()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrStatusConflict):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())
	s.Equal(1, winners)
	s.Equal(writers-1, conflicts)
	s.NotEqual(api.StatusInProgress, s.mustGet("race").Status)
}

func (s *StoreContractSuite) TestListTasksFilters() {
	a := s.newTask("a", api.StatusCreated)
	b := s.newTask("b", api.StatusStopped)
	b.Created = a.Created.Add(time.Millisecond)
	c := s.newTask("c", api.StatusStopped)
	c.Project = "p2"
	c.Created = a.Created.Add(2 * time.Millisecond)
	for _, t := range []*api.Task{a, b, c} {
		s.mustCreate(t)
	}

	ids := func(tasks []*api.Task) []string {
		out := make([]string, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, t.ID)
		}
		return out
	}

	all, err := s.p.Tasks.ListTasks(s.ctx, TaskFilter{Company: s.company})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c"}, ids(all))

	stopped, err := s.p.Tasks.ListTasks(s.ctx, TaskFilter{Company: s.company, Status: api.StatusStopped})
	s.Require().NoError(err)
	s.Equal([]string{"b", "c"}, ids(stopped))

	p1, err := s.p.Tasks.ListTasks(s.ctx, TaskFilter{Company: s.company, Projects: []string{"p1"}})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b"}, ids(p1))

	byID, err := s.p.Tasks.ListTasks(s.ctx, TaskFilter{Company: s.company, IDs: []string{"c", "missing"}})
	s.Require().NoError(err)
	s.Equal([]string{"c"}, ids(byID))

	foreign, err := s.p.Tasks.ListTasks(s.ctx, TaskFilter{Company: "other-company"})
	s.Require().NoError(err)
	s.Empty(foreign)
}

func (s *StoreContractSuite) TestModelSetReady() {
	s.Require().NoError(s.p.Models.CreateModel(s.ctx, &api.Model{ID: "m1", Company: s.company, Name: "resnet", Task: "t1"}))

	m, err := s.p.Models.GetModel(s.ctx, s.company, "m1")
	s.Require().NoError(err)
	s.False(m.Ready)
	s.Equal("t1", m.Task)

	changed, err := s.p.Models.SetModelReady(s.ctx, s.company, "m1")
	s.Require().NoError(err)
	s.True(changed)

	changed, err = s.p.Models.SetModelReady(s.ctx, s.company, "m1")
	s.Require().NoError(err)
	s.False(changed)

	m, err = s.p.Models.GetModel(s.ctx, s.company, "m1")
	s.Require().NoError(err)
	s.True(m.Ready)

	_, err = s.p.Models.SetModelReady(s.ctx, s.company, "missing")
	s.ErrorIs(err, ErrModelNotFound)
	_, err = s.p.Models.GetModel(s.ctx, "other-company", "m1")
	s.ErrorIs(err, ErrModelNotFound)
}

func (s *StoreContractSuite) TestProjectTouch() {
	created := s.now()
	s.Require().NoError(s.p.Projects.CreateProject(s.ctx, &api.Project{
		ID: "p1", Company: s.company, Name: "vision", Created: created, LastUpdate: created,
	}))

	at := created.Add(time.Minute)
	s.Require().NoError(s.p.Projects.TouchProject(s.ctx, s.company, "p1", at))

	p, err := s.p.Projects.GetProject(s.ctx, s.company, "p1")
	s.Require().NoError(err)
	s.Equal("vision", p.Name)
	s.True(at.Equal(p.LastUpdate), "last_update %v != %v", at, p.LastUpdate)

	s.ErrorIs(s.p.Projects.TouchProject(s.ctx, s.company, "missing", at), ErrProjectNotFound)
	_, err = s.p.Projects.GetProject(s.ctx, "other-company", "p1")
	s.ErrorIs(err, ErrProjectNotFound)
}

func (s *StoreContractSuite) TestEventsKeepAppendOrder() {
	base := s.now()
	for i, to := range []api.Status{api.StatusInProgress, api.StatusStopped, api.StatusPublished} {
		s.Require().NoError(s.p.Events.AppendEvent(s.ctx, api.StatusEvent{
			Company: s.company,
			TaskID:  "t1",
			At:      base.Add(time.Duration(i) * time.Millisecond),
			Type:    api.EventStatusChanged,
			To:      to,
		}))
	}

	evs, err := s.p.Events.ListEvents(s.ctx, s.company, "t1")
	s.Require().NoError(err)
	s.Require().Len(evs, 3)
	s.Equal(api.StatusInProgress, evs[0].To)
	s.Equal(api.StatusStopped, evs[1].To)
	s.Equal(api.StatusPublished, evs[2].To)
	s.Equal(api.EventStatusChanged, evs[2].Type)

	none, err := s.p.Events.ListEvents(s.ctx, s.company, "other-task")
	s.Require().NoError(err)
	s.Empty(none)
}
