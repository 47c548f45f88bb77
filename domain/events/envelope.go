package events

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	pkgerrors "daygraph-backend/pkg/errors"
)

// EventType discriminates the envelope payload.
type EventType string

const (
	// Session lifecycle and presence
	TypeSync      EventType = "sync"
	TypeSyncUser  EventType = "sync-user"
	TypeSelection EventType = "selection"

	// Node mutations
	TypeEntityCreate EventType = "entity-create"
	TypeEntityUpdate EventType = "entity-update"
	TypeEntityDelete EventType = "entity-delete"

	// Edge mutations
	TypeRelationCreate     EventType = "relation-create"
	TypeRelationUpdate     EventType = "relation-update"
	TypeRelationDelete     EventType = "relation-delete"
	TypeRelationLinkCreate EventType = "relation-link-create"

	// Server responses
	TypeDataAck            EventType = "data-ack"
	TypeConflictResolution EventType = "conflict-resolution"
)

// Envelope is the wire frame for every message in a session. Mutating types
// carry a sender-generated, globally unique EventID; receivers must treat a
// replay of the same EventID as a no-op.
type Envelope struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"` // sender wall clock, unix milliseconds
	EventID   string          `json:"eventId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsMutation reports whether the envelope type changes graph state and
// therefore requires an EventID and an acknowledgment.
func (e *Envelope) IsMutation() bool {
	switch e.Type {
	case TypeEntityCreate, TypeEntityUpdate, TypeEntityDelete,
		TypeRelationCreate, TypeRelationUpdate, TypeRelationDelete,
		TypeRelationLinkCreate:
		return true
	}
	return false
}

// NewEnvelope builds an envelope around a payload, stamping the current time.
// Mutating types get a fresh event id.
func NewEnvelope(t EventType, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.NewValidationError("payload is not serializable").WithCause(err)
	}
	env := &Envelope{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	if env.IsMutation() {
		env.EventID = NewEventID()
	}
	return env, nil
}

// Encode serializes the envelope for the transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a raw frame into an envelope without touching the
// payload. Payload decoding is a separate, type-checked step.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, pkgerrors.NewValidationError("malformed envelope").WithCause(err)
	}
	if env.Type == "" {
		return nil, pkgerrors.NewValidationError("envelope missing type")
	}
	if env.IsMutation() && env.EventID == "" {
		return nil, pkgerrors.NewValidationError("mutation envelope missing eventId")
	}
	return &env, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a globally unique, lexicographically sortable id. The
// embedded millisecond timestamp makes string comparison a usable
// deterministic tiebreaker alongside the envelope timestamp.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
