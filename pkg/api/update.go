package api

import "time"

// Fields holds the fields written by an operation keyed by their wire name.
// It is returned to callers for inclusion in API responses.
type Fields map[string]any

// Update is a partial write to a task. Nil fields are left untouched;
// LastUpdate is always written.
//
// LastIteration sets the counter unconditionally. LastIterationMax merges it
// with the stored value using max and is ignored when LastIteration is set.
// LastMetrics is merged leaf by leaf.
type Update struct {
	Status        *Status
	StatusReason  *string
	StatusMessage *string
	StatusChanged *time.Time
	LastUpdate    time.Time

	Started   *time.Time
	Completed *time.Time
	Published *time.Time
	Output    *Output

	LastIteration    *int64
	LastIterationMax *int64
	LastMetrics      LastMetrics
}

// Apply writes u into t with the same semantics every store implements.
func (u Update) Apply(t *Task) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.StatusReason != nil {
		t.StatusReason = *u.StatusReason
	}
	if u.StatusMessage != nil {
		t.StatusMessage = *u.StatusMessage
	}
	if u.StatusChanged != nil {
		t.StatusChanged = *u.StatusChanged
	}
	t.LastUpdate = u.LastUpdate
	if u.Started != nil {
		t.Started = *u.Started
	}
	if u.Completed != nil {
		t.Completed = *u.Completed
	}
	if u.Published != nil {
		t.Published = *u.Published
	}
	if u.Output != nil {
		t.Output = *u.Output
	}
	switch {
	case u.LastIteration != nil:
		t.LastIteration = *u.LastIteration
	case u.LastIterationMax != nil:
		t.LastIteration = max(t.LastIteration, *u.LastIterationMax)
	}
	if len(u.LastMetrics) > 0 {
		t.LastMetrics = t.LastMetrics.Merge(u.LastMetrics)
	}
}

// Fields renders the written fields. The max-merged iteration is left out
// because its stored result is only known to the store.
func (u Update) Fields() Fields {
	f := Fields{"last_update": u.LastUpdate}
	if u.Status != nil {
		f["status"] = *u.Status
	}
	if u.StatusReason != nil {
		f["status_reason"] = *u.StatusReason
	}
	if u.StatusMessage != nil {
		f["status_message"] = *u.StatusMessage
	}
	if u.StatusChanged != nil {
		f["status_changed"] = *u.StatusChanged
	}
	if u.Started != nil {
		f["started"] = *u.Started
	}
	if u.Completed != nil {
		f["completed"] = *u.Completed
	}
	if u.Published != nil {
		f["published"] = *u.Published
	}
	if u.Output != nil {
		f["output"] = *u.Output
	}
	if u.LastIteration != nil {
		f["last_iteration"] = *u.LastIteration
	}
	if len(u.LastMetrics) > 0 {
		f["last_metrics"] = u.LastMetrics
	}
	return f
}

// Ptr returns a pointer to v. It keeps Update literals short.
func Ptr[T any](v T) *T {
	return &v
}
