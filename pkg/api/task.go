package api

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusStopped    Status = "stopped"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusClosed     Status = "closed"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// Statuses lists every known status.
var Statuses = []Status{
	StatusCreated,
	StatusInProgress,
	StatusStopped,
	StatusPublishing,
	StatusPublished,
	StatusClosed,
	StatusFailed,
	StatusUnknown,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// TaskType classifies what a task runs.
type TaskType string

const (
	TaskTypeTraining TaskType = "training"
	TaskTypeTesting  TaskType = "testing"
)

func (t TaskType) Valid() bool {
	return t == TaskTypeTraining || t == TaskTypeTesting
}

const (
	// TagDevelopment marks tasks run interactively by a developer. Stopping
	// such a task is immediate instead of cooperative.
	TagDevelopment = "development"

	// StatusMessageStopping is written to tasks that were asked to stop and
	// whose worker has not yet acknowledged it.
	StatusMessageStopping = "stopping"
)

// Output describes where a task writes its results.
type Output struct {
	Destination string `json:"destination,omitempty" bson:"destination,omitempty"`
	Model       string `json:"model,omitempty" bson:"model,omitempty"`
	Result      string `json:"result,omitempty" bson:"result,omitempty"`
	Error       string `json:"error,omitempty" bson:"error,omitempty"`
}

// Execution describes how a task runs.
type Execution struct {
	Model      string            `json:"model,omitempty" bson:"model,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" bson:"parameters,omitempty"`
	Queue      string            `json:"queue,omitempty" bson:"queue,omitempty"`
	Framework  string            `json:"framework,omitempty" bson:"framework,omitempty"`
}

// MetricEvent is the most recent reported value of one metric variant.
// Every field is always serialized so that store-side merges replace a
// leaf as a whole.
type MetricEvent struct {
	Metric    string  `json:"metric" bson:"metric"`
	Variant   string  `json:"variant" bson:"variant"`
	Type      string  `json:"type" bson:"type"`
	Value     float64 `json:"value" bson:"value"`
	MinValue  float64 `json:"min_value" bson:"min_value"`
	MaxValue  float64 `json:"max_value" bson:"max_value"`
	Iter      int64   `json:"iter" bson:"iter"`
	Timestamp int64   `json:"timestamp" bson:"timestamp"`
}

// LastMetrics maps metric hash -> variant hash -> latest event.
type LastMetrics map[string]map[string]MetricEvent

// Merge writes every leaf of other into m, leaving other leaves untouched.
func (m LastMetrics) Merge(other LastMetrics) LastMetrics {
	if m == nil {
		m = LastMetrics{}
	}
	for metric, variants := range other {
		dst := m[metric]
		if dst == nil {
			dst = make(map[string]MetricEvent, len(variants))
			m[metric] = dst
		}
		maps.Copy(dst, variants)
	}
	return m
}

// Clone returns a deep copy of m.
func (m LastMetrics) Clone() LastMetrics {
	if m == nil {
		return nil
	}
	out := make(LastMetrics, len(m))
	for metric, variants := range m {
		out[metric] = maps.Clone(variants)
	}
	return out
}

// Task is a snapshot of a task record. The store owns the authoritative copy.
type Task struct {
	ID      string   `json:"id"`
	Company string   `json:"company"`
	User    string   `json:"user,omitempty"`
	Name    string   `json:"name"`
	Type    TaskType `json:"type"`
	Comment string   `json:"comment,omitempty"`

	Status        Status    `json:"status"`
	StatusReason  string    `json:"status_reason,omitempty"`
	StatusMessage string    `json:"status_message,omitempty"`
	StatusChanged time.Time `json:"status_changed,omitzero"`

	Created    time.Time `json:"created,omitzero"`
	Started    time.Time `json:"started,omitzero"`
	Completed  time.Time `json:"completed,omitzero"`
	Published  time.Time `json:"published,omitzero"`
	LastUpdate time.Time `json:"last_update,omitzero"`

	Parent  string   `json:"parent,omitempty"`
	Project string   `json:"project,omitempty"`
	Tags    []string `json:"tags,omitempty"`

	Output    Output    `json:"output"`
	Execution Execution `json:"execution"`

	LastIteration int64       `json:"last_iteration"`
	LastMetrics   LastMetrics `json:"last_metrics,omitempty"`
}

// HasTag reports whether the task carries tag.
func (t *Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Tags = slices.Clone(t.Tags)
	cp.Execution.Parameters = maps.Clone(t.Execution.Parameters)
	cp.LastMetrics = t.LastMetrics.Clone()
	return &cp
}

// Model is the output artifact of a task. Publishing a task marks its
// output model ready.
type Model struct {
	ID      string    `json:"id"`
	Company string    `json:"company"`
	Name    string    `json:"name"`
	URI     string    `json:"uri,omitempty"`
	Task    string    `json:"task,omitempty"`
	Ready   bool      `json:"ready"`
	Created time.Time `json:"created,omitzero"`
}

// Project groups tasks. Its last update time follows the status changes of
// its tasks.
type Project struct {
	ID         string    `json:"id"`
	Company    string    `json:"company"`
	Name       string    `json:"name"`
	Created    time.Time `json:"created,omitzero"`
	LastUpdate time.Time `json:"last_update,omitzero"`
}
