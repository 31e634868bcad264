package orchestrator

import "time"

// EventType enumerates run lifecycle notifications.
type EventType string

const (
	EventPlanStart          EventType = "plan:start"
	EventPlanComplete       EventType = "plan:complete"
	EventPlanFailed         EventType = "plan:failed"
	EventSubtaskAssigned    EventType = "subtask:assigned"
	EventSubtaskProgress    EventType = "subtask:progress"
	EventSubtaskComplete    EventType = "subtask:complete"
	EventSubtaskFailed      EventType = "subtask:failed"
	EventSubtaskRetrying    EventType = "subtask:retrying"
	EventAggregateStart     EventType = "aggregate:start"
	EventAggregateComplete  EventType = "aggregate:complete"
	EventCheckpointCreated  EventType = "checkpoint:created"
	EventCheckpointRestored EventType = "checkpoint:restored"
)

// Event is one run lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	SubtaskID string    `json:"subtaskId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives run events. Panics are recovered and logged; they never
// block other handlers.
type Handler func(Event)
