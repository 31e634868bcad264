package pool

import "time"

// EventType enumerates pool lifecycle notifications.
type EventType string

const (
	EventWorkerRegistered    EventType = "worker:registered"
	EventWorkerUnregistered  EventType = "worker:unregistered"
	EventWorkerStatusChanged EventType = "worker:status-changed"
	EventTaskAssigned        EventType = "task:assigned"
	EventTaskTimeout         EventType = "task:timeout"
	EventTaskCancelled       EventType = "task:cancelled"
	EventPoolFull            EventType = "pool:full"
	EventPoolEmpty           EventType = "pool:empty"
)

// Event is one pool notification.
type Event struct {
	Type      EventType      `json:"type"`
	WorkerID  string         `json:"workerId,omitempty"`
	SubtaskID string         `json:"subtaskId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives events. Panics inside handlers are recovered and logged;
// they never block other handlers.
type Handler func(Event)
