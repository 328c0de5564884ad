// Package events distributes session progress events to subscribers.
// The session coordinator publishes task lifecycle events; the excluded
// web layer (or the CLI's watch view) subscribes to drive progress UIs.
package events

import (
	"time"

	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// EventType identifies the category of a progress event.
type EventType string

// Session lifecycle events.
const (
	EventSessionStarted   EventType = "session.started"
	EventSessionResumed   EventType = "session.resumed"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventSessionCancelled EventType = "session.cancelled"
)

// Task lifecycle events.
const (
	EventTaskStarted   EventType = "task.started"
	EventTaskSucceeded EventType = "task.succeeded"
	EventTaskFailed    EventType = "task.failed"
	EventTaskSkipped   EventType = "task.skipped"
	EventTaskRetrying  EventType = "task.retrying"
)

// Adaptation events.
const (
	EventRuleFired EventType = "adaptation.rule_fired"
)

// Event is one progress notification.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID types.ID      `json:"session_id"`
	TaskID    types.ID      `json:"task_id,omitempty"`
	TaskType  task.Type     `json:"task_type,omitempty"`
	Status    task.Status   `json:"status,omitempty"`
	Modality  task.Modality `json:"modality,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Filter selects which events a subscriber receives. Zero-valued
// fields match everything.
type Filter struct {
	// Types limits the subscription to the listed event types.
	Types []EventType

	// SessionID limits the subscription to one session.
	SessionID types.ID
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(e Event) bool {
	if !f.SessionID.IsZero() && f.SessionID != e.SessionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
