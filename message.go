package xmbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a single bus message. Once handed to a Connection it must not be mutated.
type Message struct {
	// ID uniquely identifies the message.
	ID uuid.UUID
	// Address is the routing key, matched case-insensitively. Empty means no address.
	Address string
	// Payload is the typed value carried by the message (may be nil).
	Payload any
	// PayloadType is the registered type name of Payload, derived when the message is built.
	PayloadType string
	// FromGlobal marks a message that arrived through a connection.
	FromGlobal bool
	// ToGlobal marks a message that should be forwarded through connections.
	ToGlobal bool
	// ResponseTo is the ID of the request this message answers; nil for requests.
	ResponseTo *uuid.UUID
	// WantsResponse tells receivers that the sender is waiting for replies.
	WantsResponse bool
	// Fault carries a receiver failure back to the sender.
	Fault *Fault
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
	// ExpiresAt is the TTL marker; zero never expires.
	ExpiresAt time.Time
}

// Fault is the failure side of a response: a receiver error flattened for transport.
type Fault struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool { return m.ResponseTo != nil }

// Expired reports whether the TTL marker lies before now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Err converts the fault into a *RemoteError, or nil when the message carries none.
func (m *Message) Err() error {
	if m.Fault == nil {
		return nil
	}
	return &RemoteError{Type: m.Fault.Type, Message: m.Fault.Message, Address: m.Address}
}

// clone returns a shallow copy safe to re-flag on receipt.
func (m *Message) clone() *Message {
	c := *m
	if m.ResponseTo != nil {
		id := *m.ResponseTo
		c.ResponseTo = &id
	}
	if m.Fault != nil {
		f := *m.Fault
		c.Fault = &f
	}
	return &c
}

func newFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return &Fault{Type: re.Type, Message: re.Message}
	}
	return &Fault{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}

// newResponse builds the reply to req. A request that came from a connection is
// answered through connections; a local request is answered locally.
func newResponse(req *Message, payload any, err error, now time.Time) *Message {
	id := req.ID
	resp := &Message{
		ID:         uuid.New(),
		Address:    req.Address,
		ToGlobal:   req.FromGlobal,
		ResponseTo: &id,
		Fault:      newFault(err),
		ProducedAt: now,
		ExpiresAt:  req.ExpiresAt,
	}
	if err == nil {
		resp.Payload = payload
		resp.PayloadType = PayloadTypeName(payload)
	}
	return resp
}
