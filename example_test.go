package taskstate_test

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/petrijr/taskstate"
)

// Example_publish creates a task, runs it to stopped and publishes it
// together with its output model.
func Example_publish() {
	ctx := context.Background()
	client := taskstate.NewInMemoryClient()

	model, err := client.CreateModel(ctx, taskstate.Model{Company: "acme", Name: "resnet50"})
	if err != nil {
		log.Fatal(err)
	}
	task, err := client.CreateTask(ctx, taskstate.CreateTaskRequest{
		Company: "acme",
		Name:    "train resnet",
		Type:    "training",
		Output:  taskstate.Output{Model: model.ID},
	})
	if err != nil {
		log.Fatal(err)
	}

	for _, next := range []taskstate.Status{taskstate.StatusInProgress, taskstate.StatusStopped} {
		if _, err := client.ChangeStatus(ctx, taskstate.ChangeStatusRequest{Task: task, NewStatus: next}); err != nil {
			log.Fatal(err)
		}
	}

	fields, err := client.Publish(ctx, taskstate.PublishRequest{
		Company:      "acme",
		TaskID:       task.ID,
		PublishModel: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(fields["status"])

	_, err = client.ModelSetReady(ctx, taskstate.ModelSetReadyRequest{Company: "acme", ModelID: model.ID})
	fmt.Println(errors.Is(err, taskstate.ErrModelIsReady))

	// Output:
	// published
	// true
}

// Example_conflict shows two writers racing from the same snapshot.
func Example_conflict() {
	ctx := context.Background()
	client := taskstate.NewInMemoryClient()

	task, err := client.CreateTask(ctx, taskstate.CreateTaskRequest{Company: "acme", Name: "evaluate", Type: "testing"})
	if err != nil {
		log.Fatal(err)
	}
	stale := *task

	_, err = client.ChangeStatus(ctx, taskstate.ChangeStatusRequest{Task: task, NewStatus: taskstate.StatusInProgress})
	fmt.Println(err)

	_, err = client.ChangeStatus(ctx, taskstate.ChangeStatusRequest{Task: &stale, NewStatus: taskstate.StatusInProgress})
	fmt.Println(errors.Is(err, taskstate.ErrStatusConflict))

	// Output:
	// <nil>
	// true
}
