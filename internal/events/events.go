// Package events defines the security and lifecycle events emitted by the
// session engine, and the fire-and-forget dispatch used on hot paths.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies an emitted event.
type Type string

const (
	TypeSessionCreated   Type = "session:created"
	TypeSessionRefreshed Type = "session:refreshed"
	TypeSessionRevoked   Type = "session:revoked"

	TypeReuseAttack          Type = "security:refresh-token-reuse-attack"
	TypeFamilyRevoked        Type = "security:token-family-revoked"
	TypeAnomalyDetected      Type = "security:anomaly-detected"
	TypeSessionLimitExceeded Type = "security:session-limit-exceeded"
	TypeAnomalyPattern       Type = "security:anomaly-pattern-detected"
)

// Event is one emitted occurrence. Consumers treat it as immutable.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	Family    string            `json:"family,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// New returns an Event with a fresh id and the given type, stamped at.
func New(t Type, at time.Time) *Event {
	return &Event{ID: uuid.New().String(), Type: t, CreatedAt: at}
}

// With adds a metadata key/value and returns the event for chaining.
func (e *Event) With(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
