package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/taskstate/pkg/api"
)

func TestInMemoryStoreContract(t *testing.T) {
	suite.Run(t, newContractSuite(func(t *testing.T) Persistence {
		return NewInMemoryStore().Persistence()
	}))
}

func TestInMemoryStore_ReturnsSnapshots(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	in := &api.Task{ID: "t1", Company: "c1", Status: api.StatusCreated, Tags: []string{"a"}}
	if err := store.CreateTask(ctx, in); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	in.Tags[0] = "mutated"
	in.Status = api.StatusFailed

	got, err := store.GetTask(ctx, "c1", "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != api.StatusCreated || got.Tags[0] != "a" {
		t.Fatalf("store shares memory with caller: %+v", got)
	}

	got.LastMetrics = api.LastMetrics{"loss": {"total": {Value: 1}}}
	again, err := store.GetTask(ctx, "c1", "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if again.LastMetrics != nil {
		t.Fatalf("mutating a snapshot leaked into the store")
	}
}
