package lifecycle

import (
	"errors"
	"testing"

	"github.com/petrijr/taskstate/pkg/api"
)

func TestValidateTransition_Table(t *testing.T) {
	allowed := map[[2]api.Status]bool{
		{api.StatusCreated, api.StatusInProgress}: true,

		{api.StatusInProgress, api.StatusStopped}: true,
		{api.StatusInProgress, api.StatusFailed}:  true,
		{api.StatusInProgress, api.StatusCreated}: true,

		{api.StatusStopped, api.StatusClosed}:     true,
		{api.StatusStopped, api.StatusCreated}:    true,
		{api.StatusStopped, api.StatusFailed}:     true,
		{api.StatusStopped, api.StatusInProgress}: true,
		{api.StatusStopped, api.StatusPublished}:  true,
		{api.StatusStopped, api.StatusPublishing}: true,

		{api.StatusClosed, api.StatusCreated}:    true,
		{api.StatusClosed, api.StatusFailed}:     true,
		{api.StatusClosed, api.StatusPublished}:  true,
		{api.StatusClosed, api.StatusPublishing}: true,
		{api.StatusClosed, api.StatusStopped}:    true,

		{api.StatusFailed, api.StatusCreated}:   true,
		{api.StatusFailed, api.StatusStopped}:   true,
		{api.StatusFailed, api.StatusPublished}: true,

		{api.StatusPublishing, api.StatusPublished}: true,
	}

	for _, from := range api.Statuses {
		for _, to := range api.Statuses {
			err := ValidateTransition(from, to)
			if allowed[[2]api.Status{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: expected allowed, got %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, api.ErrInvalidStatusTransition) {
				t.Errorf("%s -> %s: expected invalid transition, got %v", from, to, err)
			}
		}
	}
}

func TestValidateTransition_ErrorNamesBothStatuses(t *testing.T) {
	err := ValidateTransition(api.StatusPublished, api.StatusCreated)

	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *api.Error, got %T", err)
	}
	meta := apiErr.Metadata()
	if meta["current_status"] != "published" || meta["new_status"] != "created" {
		t.Fatalf("unexpected metadata: %v", meta)
	}
	if apiErr.Retryable() {
		t.Fatalf("invalid transitions are not retryable")
	}
}

func TestPossibleTransitions(t *testing.T) {
	if got := PossibleTransitions(api.StatusPublished); len(got) != 0 {
		t.Fatalf("published is terminal, got %v", got)
	}
	got := PossibleTransitions(api.StatusPublishing)
	if len(got) != 1 || got[0] != api.StatusPublished {
		t.Fatalf("unexpected transitions from publishing: %v", got)
	}

	got[0] = api.StatusFailed
	if PossibleTransitions(api.StatusPublishing)[0] != api.StatusPublished {
		t.Fatalf("caller mutated the transition table")
	}
}
