package persistence

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/petrijr/taskstate/pkg/api"
)

// encodeJSON serializes a document column. nil maps and slices encode as
// their empty form so that store-side JSON merges always have an object or
// array to work on.
func encodeJSON(v any) (string, error) {
	switch x := v.(type) {
	case api.LastMetrics:
		if x == nil {
			return "{}", nil
		}
	case []string:
		if x == nil {
			return "[]", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

// decodeJSON decodes a document column into dst. Empty input leaves dst
// untouched.
func decodeJSON[T any](data []byte, dst *T) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// unixNanos encodes a timestamp for integer columns; the zero time is 0.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// matchesFilter evaluates f against a task held in process memory.
func matchesFilter(t *api.Task, f TaskFilter) bool {
	if t.Company != f.Company {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, t.ID) {
		return false
	}
	if len(f.Projects) > 0 && !slices.Contains(f.Projects, t.Project) {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// sortTasks orders tasks by creation time, then id.
func sortTasks(tasks []*api.Task) {
	slices.SortFunc(tasks, func(a, b *api.Task) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
