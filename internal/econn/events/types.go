// Package events defines econn connection lifecycle events and the
// publishing infrastructure that carries them to whatever the
// deploying application uses for CDRs, metrics, or tracing:
// transport-agnostic today, with NATS JetStream sketched in for later
// (see nats.go).
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of connection lifecycle event.
type EventType string

const (
	// Connected fires when a SETUP request is accepted from IDLE.
	Connected EventType = "econn.connected"
	// Answered fires when a SETUP response is accepted, or when the
	// connection enters CONFLICT_RESOLUTION after losing glare.
	Answered EventType = "econn.answered"
	// UpdateRequested fires when an UPDATE request is accepted.
	UpdateRequested EventType = "econn.update_requested"
	// UpdateAnswered fires when an UPDATE response is accepted.
	UpdateAnswered EventType = "econn.update_answered"
	// Closed fires exactly once, when a connection reaches TERMINATING.
	Closed EventType = "econn.closed"
)

// Event is the base interface every lifecycle event satisfies.
type Event interface {
	// Type returns the event type for routing/filtering.
	Type() EventType
	// Subject returns the subject this event should publish to.
	Subject() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
	// ConnID returns the connection this event pertains to.
	ConnID() string
}

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	ConnID_   string    `json:"conn_id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	SessionID string    `json:"session_id,omitempty"`
	// NodeID identifies the process that raised this event, for
	// deployments running more than one econn host.
	NodeID string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) ConnID() string       { return e.ConnID_ }

// Subject returns the routing subject for this event.
// Format: econn.connections.<conn_id>.<event_suffix>
func (e *BaseEvent) Subject() string {
	suffix := string(e.EventType)[len("econn."):]
	return "econn.connections." + e.ConnID_ + "." + suffix
}

// ConnectedEvent fires on entering PENDING_INCOMING.
type ConnectedEvent struct {
	BaseEvent
	Age time.Duration `json:"age_ns"`
}

// AnsweredEvent fires on entering ANSWERED, or CONFLICT_RESOLUTION
// after losing glare.
type AnsweredEvent struct {
	BaseEvent
	FromConflict bool `json:"from_conflict"`
}

// UpdateRequestedEvent fires on entering UPDATE_RECV.
type UpdateRequestedEvent struct {
	BaseEvent
	ShouldReset bool `json:"should_reset"`
}

// UpdateAnsweredEvent fires on returning to ANSWERED from UPDATE_SENT.
type UpdateAnsweredEvent struct {
	BaseEvent
}

// ClosedEvent fires once, on entering TERMINATING.
type ClosedEvent struct {
	BaseEvent
	Err string `json:"error,omitempty"`
}

// MarshalEvent marshals any Event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
