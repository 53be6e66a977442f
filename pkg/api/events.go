package api

import "time"

// EventType identifies a task history event.
type EventType string

const (
	EventStatusChanged      EventType = "task.status_changed"
	EventPublishCompensated EventType = "task.publish_compensated"
)

// StatusEvent is an append-only history record of a task's status.
type StatusEvent struct {
	Company string    `json:"company" bson:"company"`
	TaskID  string    `json:"task_id" bson:"task_id"`
	At      time.Time `json:"at" bson:"at"`
	Type    EventType `json:"type" bson:"type"`

	From    Status `json:"from" bson:"from"`
	To      Status `json:"to" bson:"to"`
	Reason  string `json:"reason,omitempty" bson:"reason,omitempty"`
	Message string `json:"message,omitempty" bson:"message,omitempty"`

	// Small human-oriented details such as an error string.
	Detail string `json:"detail,omitempty" bson:"detail,omitempty"`
}
