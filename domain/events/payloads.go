package events

import (
	"encoding/json"

	"daygraph-backend/domain/graph"
	pkgerrors "daygraph-backend/pkg/errors"
)

// SyncUserPayload is the required first inbound message on a connection.
type SyncUserPayload struct {
	UserID string `json:"userId"`
}

// SelectionPayload is a presence cursor update. A nil NodeID clears the
// selection.
type SelectionPayload struct {
	UserID string  `json:"userId"`
	NodeID *string `json:"nodeId"`
}

// EntityCreatePayload carries a full new node.
type EntityCreatePayload struct {
	Node graph.Node `json:"node" validate:"required"`
}

// EntityUpdatePayload carries a partial node update. BaseVersion is the
// version the sender last observed; the committer uses it to detect races.
type EntityUpdatePayload struct {
	NodeID      string          `json:"nodeId" validate:"required"`
	Patch       graph.NodePatch `json:"patch"`
	BaseVersion int64           `json:"baseVersion"`
}

// EntityDeletePayload removes a node.
type EntityDeletePayload struct {
	NodeID      string `json:"nodeId" validate:"required"`
	BaseVersion int64  `json:"baseVersion"`
}

// RelationCreatePayload carries a full new edge. The edge id may be empty, in
// which case the server assigns one and echoes it in the ack detail.
type RelationCreatePayload struct {
	Edge graph.Edge `json:"edge" validate:"required"`
}

// RelationUpdatePayload carries a partial edge update.
type RelationUpdatePayload struct {
	EdgeID      string          `json:"edgeId" validate:"required"`
	Patch       graph.EdgePatch `json:"patch"`
	BaseVersion int64           `json:"baseVersion"`
}

// RelationDeletePayload removes an edge and its links.
type RelationDeletePayload struct {
	EdgeID      string `json:"edgeId" validate:"required"`
	BaseVersion int64  `json:"baseVersion"`
}

// RelationLinkCreatePayload binds a node to an edge endpoint.
type RelationLinkCreatePayload struct {
	Link graph.Link `json:"link" validate:"required"`
}

// Participant mirrors the in-room presence record on the wire.
type Participant struct {
	UserID             string  `json:"userId"`
	ConnectionID       string  `json:"connectionId"`
	CurrentSelectionID *string `json:"currentSelectionId,omitempty"`
}

// SyncPayload is the room snapshot sent to a client on join: current
// membership, the scope's graph, and a bounded window of recent committed
// events for mid-session catch-up.
type SyncPayload struct {
	Scope        string             `json:"scope"`
	Participants []Participant      `json:"participants"`
	Nodes        []*graph.Node      `json:"nodes"`
	Edges        []*graph.Edge      `json:"edges"`
	Links        []*graph.Link      `json:"links"`
	Recent       []*Envelope        `json:"recent,omitempty"`
	History      []*graph.AuditEntry `json:"history,omitempty"`
}

// AckStatus is the outcome reported for a mutation.
type AckStatus string

const (
	AckSuccess          AckStatus = "success"
	AckConflictResolved AckStatus = "conflict-resolved"
	AckRejected         AckStatus = "rejected"
)

// DataAckPayload acknowledges a mutation back to its originating client,
// echoing the event id it answers.
type DataAckPayload struct {
	EventID    string    `json:"eventId"`
	Status     AckStatus `json:"status"`
	Code       string    `json:"code,omitempty"`       // machine-readable reason, set when rejected
	Reason     string    `json:"reason,omitempty"`     // human-readable companion
	RetryAfter int       `json:"retryAfter,omitempty"` // seconds, rate-limit rejections only
	Warning    string    `json:"warning,omitempty"`    // advisory, e.g. store nearing capacity
	AssignedID string    `json:"assignedId,omitempty"` // server-assigned id for creates
	Version    int64     `json:"version,omitempty"`    // committed version after success
}

// ConflictResolutionPayload announces the deterministic outcome of two racing
// mutations to the whole room so every client converges.
type ConflictResolutionPayload struct {
	TargetID      string           `json:"targetId"`
	TargetKind    graph.TargetKind `json:"targetKind"`
	LoserEventID  string           `json:"loserEventId"`
	WinnerEventID string           `json:"winnerEventId"`
	Node          *graph.Node      `json:"node,omitempty"` // winning state, nil when the winner was a delete
	Edge          *graph.Edge      `json:"edge,omitempty"`
	Deleted       bool             `json:"deleted,omitempty"`
}

// DecodePayload parses the envelope data into its typed payload. The switch
// is exhaustive over every recognized type so a new event kind cannot be
// added without a decoding rule.
func (e *Envelope) DecodePayload() (any, error) {
	var (
		payload any
		err     error
	)
	switch e.Type {
	case TypeSync:
		payload, err = decodeAs[SyncPayload](e.Data)
	case TypeSyncUser:
		payload, err = decodeAs[SyncUserPayload](e.Data)
	case TypeSelection:
		payload, err = decodeAs[SelectionPayload](e.Data)
	case TypeEntityCreate:
		payload, err = decodeAs[EntityCreatePayload](e.Data)
	case TypeEntityUpdate:
		payload, err = decodeAs[EntityUpdatePayload](e.Data)
	case TypeEntityDelete:
		payload, err = decodeAs[EntityDeletePayload](e.Data)
	case TypeRelationCreate:
		payload, err = decodeAs[RelationCreatePayload](e.Data)
	case TypeRelationUpdate:
		payload, err = decodeAs[RelationUpdatePayload](e.Data)
	case TypeRelationDelete:
		payload, err = decodeAs[RelationDeletePayload](e.Data)
	case TypeRelationLinkCreate:
		payload, err = decodeAs[RelationLinkCreatePayload](e.Data)
	case TypeDataAck:
		payload, err = decodeAs[DataAckPayload](e.Data)
	case TypeConflictResolution:
		payload, err = decodeAs[ConflictResolutionPayload](e.Data)
	default:
		return nil, pkgerrors.NewValidationError("unrecognized event type: " + string(e.Type))
	}
	return payload, err
}

func decodeAs[T any](data json.RawMessage) (*T, error) {
	var v T
	if len(data) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, pkgerrors.NewValidationError("malformed event payload").WithCause(err)
	}
	return &v, nil
}

// NewAck builds a data-ack envelope for the given event id.
func NewAck(eventID string, status AckStatus) (*Envelope, error) {
	return NewEnvelope(TypeDataAck, DataAckPayload{EventID: eventID, Status: status})
}

// NewRejectedAck builds a rejection ack from an application error, carrying
// its reason code, human-readable message and retry hint.
func NewRejectedAck(eventID string, appErr *pkgerrors.AppError) (*Envelope, error) {
	return NewEnvelope(TypeDataAck, DataAckPayload{
		EventID:    eventID,
		Status:     AckRejected,
		Code:       appErr.Code,
		Reason:     appErr.Message,
		RetryAfter: appErr.RetryAfter,
	})
}
