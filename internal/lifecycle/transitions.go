package lifecycle

import (
	"slices"

	"github.com/petrijr/taskstate/pkg/api"
)

// transitions is the allow-list of status changes. Missing pairs, including
// a status to itself, are rejected.
var transitions = map[api.Status][]api.Status{
	api.StatusCreated: {
		api.StatusInProgress,
	},
	api.StatusInProgress: {
		api.StatusStopped,
		api.StatusFailed,
		api.StatusCreated,
	},
	api.StatusStopped: {
		api.StatusClosed,
		api.StatusCreated,
		api.StatusFailed,
		api.StatusInProgress,
		api.StatusPublished,
		api.StatusPublishing,
	},
	api.StatusClosed: {
		api.StatusCreated,
		api.StatusFailed,
		api.StatusPublished,
		api.StatusPublishing,
		api.StatusStopped,
	},
	api.StatusFailed: {
		api.StatusCreated,
		api.StatusStopped,
		api.StatusPublished,
	},
	api.StatusPublishing: {
		api.StatusPublished,
	},
	api.StatusPublished: nil,
	api.StatusUnknown:   nil,
}

// ValidateTransition returns api.ErrInvalidStatusTransition when the table
// does not allow moving from current to requested.
func ValidateTransition(current, requested api.Status) error {
	if slices.Contains(transitions[current], requested) {
		return nil
	}
	return api.NewError(
		api.CodeInvalidStatusTransition,
		"invalid status change from "+string(current)+" to "+string(requested),
		api.WithMeta("current_status", string(current)),
		api.WithMeta("new_status", string(requested)),
	)
}

// PossibleTransitions returns the statuses reachable from status.
func PossibleTransitions(status api.Status) []api.Status {
	return slices.Clone(transitions[status])
}
