package lifecycle

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/taskstate/pkg/api"
)

func TestChangeStatus_AppliesValidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTask(t, "t1", api.StatusInProgress)

	fields, err := f.svc.ChangeStatus(ctx, ChangeStatusRequest{
		Task:      task,
		NewStatus: api.StatusStopped,
		Reason:    "user",
		Message:   "done",
	})
	if err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}

	if fields["status"] != api.StatusStopped || fields["status_message"] != "done" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if fields["status_changed"] != testNow || fields["last_update"] != testNow {
		t.Fatalf("timestamps not written: %v", fields)
	}
	if task.Status != api.StatusStopped || task.StatusReason != "user" {
		t.Fatalf("snapshot not updated: %+v", task)
	}

	stored := f.mustGet(t, "t1")
	if stored.Status != api.StatusStopped || !stored.StatusChanged.Equal(testNow) {
		t.Fatalf("store not updated: %+v", stored)
	}

	events, err := f.svc.TaskHistory(ctx, testCompany, "t1")
	if err != nil {
		t.Fatalf("TaskHistory: %v", err)
	}
	if len(events) != 1 || events[0].From != api.StatusInProgress || events[0].To != api.StatusStopped {
		t.Fatalf("unexpected history: %+v", events)
	}
	if len(f.observer.changes) != 1 {
		t.Fatalf("expected one status change callback, got %d", len(f.observer.changes))
	}
}

func TestChangeStatus_RejectsDisallowedTransition(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t, "t1", api.StatusCreated)

	_, err := f.svc.ChangeStatus(context.Background(), ChangeStatusRequest{Task: task, NewStatus: api.StatusPublished})
	requireKind(t, err, api.ErrInvalidStatusTransition)

	if got := f.mustGet(t, "t1"); got.Status != api.StatusCreated {
		t.Fatalf("rejected change was written: %s", got.Status)
	}
}

func TestChangeStatus_ForceBypassesTable(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t, "t1", api.StatusPublished)

	if _, err := f.svc.ChangeStatus(context.Background(), ChangeStatusRequest{
		Task:      task,
		NewStatus: api.StatusCreated,
		Force:     true,
	}); err != nil {
		t.Fatalf("forced ChangeStatus: %v", err)
	}
	if got := f.mustGet(t, "t1"); got.Status != api.StatusCreated {
		t.Fatalf("expected created, got %s", got.Status)
	}
}

func TestChangeStatus_RejectsUnknownStatusEvenWithForce(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t, "t1", api.StatusStopped)

	_, err := f.svc.ChangeStatus(context.Background(), ChangeStatusRequest{
		Task:      task,
		NewStatus: api.Status("archived"),
		Force:     true,
	})
	requireKind(t, err, api.ErrValidation)
}

func TestChangeStatus_RejectsStatusInExtra(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t, "t1", api.StatusStopped)

	_, err := f.svc.ChangeStatus(context.Background(), ChangeStatusRequest{
		Task:      task,
		NewStatus: api.StatusClosed,
		Extra:     api.Update{Status: api.Ptr(api.StatusFailed)},
	})
	requireKind(t, err, api.ErrValidation)
}

func TestChangeStatus_SameStatusSkipsTable(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t, "t1", api.StatusPublished)

	if _, err := f.svc.ChangeStatus(context.Background(), ChangeStatusRequest{
		Task:      task,
		NewStatus: api.StatusPublished,
		Message:   "annotated",
	}); err != nil {
		t.Fatalf("message-only change: %v", err)
	}
	if got := f.mustGet(t, "t1"); got.StatusMessage != "annotated" {
		t.Fatalf("message not written: %+v", got)
	}
}

func TestChangeStatus_StaleSnapshotConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.seedTask(t, "t1", api.StatusInProgress)
	fresh := stale.Clone()

	if _, err := f.svc.ChangeStatus(ctx, ChangeStatusRequest{Task: fresh, NewStatus: api.StatusFailed}); err != nil {
		t.Fatalf("first ChangeStatus: %v", err)
	}

	_, err := f.svc.ChangeStatus(ctx, ChangeStatusRequest{Task: stale, NewStatus: api.StatusStopped})
	requireKind(t, err, api.ErrStatusConflict)
	if !api.IsRetryable(err) {
		t.Fatalf("conflict should be retryable")
	}
	if stale.Status != api.StatusInProgress {
		t.Fatalf("snapshot changed on conflict: %s", stale.Status)
	}
	if got := f.mustGet(t, "t1"); got.Status != api.StatusFailed {
		t.Fatalf("conflicting write was applied: %s", got.Status)
	}
	if len(f.observer.conflicts) != 1 || f.observer.conflicts[0] != api.StatusStopped {
		t.Fatalf("unexpected conflict callbacks: %v", f.observer.conflicts)
	}
}

func TestChangeStatus_ConcurrentWritersHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "t1", api.StatusStopped)

	targets := []api.Status{
		api.StatusClosed,
		api.StatusCreated,
		api.StatusFailed,
		api.StatusInProgress,
		api.StatusPublishing,
		api.StatusClosed,
		api.StatusFailed,
		api.StatusCreated,
	}
	snapshots := make([]*api.Task, len(targets))
	for i := range targets {
		snapshots[i] = f.mustGet(t, "t1")
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			_, errs[i] = f.svc.ChangeStatus(context.Background(), ChangeStatusRequest{
				Task:      snapshots[i],
				NewStatus: target,
			})
			return nil
		})
	}
	_ = g.Wait()

	winners := 0
	var winner api.Status
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
			winner = targets[i]
		case errors.Is(err, api.ErrStatusConflict):
		default:
			t.Fatalf("writer %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if got := f.mustGet(t, "t1"); got.Status != winner {
		t.Fatalf("stored status %s does not match winner %s", got.Status, winner)
	}
}

func TestChangeStatus_TouchesProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.CreateProject(ctx, &api.Project{ID: "p1", Company: testCompany, Name: "proj"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	task := &api.Task{ID: "t1", Company: testCompany, Name: "t1x", Type: api.TaskTypeTraining, Status: api.StatusCreated, Project: "p1"}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := f.svc.ChangeStatus(ctx, ChangeStatusRequest{Task: task, NewStatus: api.StatusInProgress}); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	p, err := f.store.GetProject(ctx, testCompany, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if !p.LastUpdate.Equal(testNow) {
		t.Fatalf("project last update not touched: %v", p.LastUpdate)
	}
}
