package xmbus

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	EventSubmit   EventType = "submit"
	EventForward  EventType = "forward"
	EventReceive  EventType = "receive"
	EventDeliver  EventType = "deliver"
	EventResponse EventType = "response"
	EventComplete EventType = "complete"
	EventTimeout  EventType = "timeout"
	EventDrop     EventType = "drop"
	EventError    EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	Address     string
	MessageID   string
	OperationID string
	Connection  string
	State       OperationState
	// Count is event specific: connections reached on forward, receivers on deliver.
	Count    int
	Duration time.Duration
	Err      error
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped       uint64 // events dropped because their queue was full
	DroppedByType map[EventType]uint64
	Processed     uint64
	ActiveEvents  int // events queued on both queues
	Workers       int
	BufferSize    int
	FailureBuffer int // capacity of the error, timeout and drop queue
	Observers     int
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Submitted           uint64
	Forwarded           uint64 // messages handed to at least one connection
	Received            uint64 // inbound messages drained from connections
	Delivered           uint64 // receiver invocations
	Responses           uint64 // responses correlated to a pending operation
	Completed           uint64
	TimedOut            uint64
	Failed              uint64
	Dropped             uint64 // expired, unmatched or unroutable messages
	Errors              uint64
	Pending             int
	Registrations       int
	Connections         int
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
