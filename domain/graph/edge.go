package graph

import (
	"encoding/json"
	"strings"

	pkgerrors "daygraph-backend/pkg/errors"
)

// LinkRole names an edge endpoint binding.
type LinkRole string

const (
	RoleSource LinkRole = "source"
	RoleTarget LinkRole = "target"
)

// Edge is a first-class, directed graph relation. It carries its own label
// and properties; its endpoints live in separate Link records so an edge can
// exist before, or independent of, having both endpoints bound.
type Edge struct {
	ID            string            `json:"id"`
	Scope         string            `json:"scope"`
	RelationLabel string            `json:"relationLabel"`
	Properties    map[string]string `json:"properties,omitempty"`
	Position      Position          `json:"position"`

	Version int64 `json:"version"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`

	LastEventID  string `json:"lastEventId,omitempty"`
	LastEditedAt int64  `json:"lastEditedAt,omitempty"`
	LastEditorID string `json:"lastEditorId,omitempty"`
}

// Validate checks structural invariants on an edge.
func (e *Edge) Validate() error {
	if e.ID == "" {
		return pkgerrors.NewValidationError("edge id cannot be empty")
	}
	if e.Scope == "" {
		return pkgerrors.NewValidationError("edge scope cannot be empty")
	}
	if strings.TrimSpace(e.RelationLabel) == "" {
		return pkgerrors.NewValidationError("edge relation label cannot be empty")
	}
	return nil
}

// Clone returns a deep copy of the edge.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Properties != nil {
		cp.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// EdgePatch is a partial update to an edge.
type EdgePatch struct {
	RelationLabel *string            `json:"relationLabel,omitempty"`
	Properties    *map[string]string `json:"properties,omitempty"`
	Position      *Position          `json:"position,omitempty"`
}

// Apply merges the patch into the edge and reports changed fields.
func (p EdgePatch) Apply(e *Edge) []FieldChange {
	var changes []FieldChange
	if p.RelationLabel != nil && *p.RelationLabel != e.RelationLabel {
		changes = append(changes, FieldChange{Field: "relationLabel", OldValue: e.RelationLabel, NewValue: *p.RelationLabel})
		e.RelationLabel = *p.RelationLabel
	}
	if p.Properties != nil {
		changes = append(changes, FieldChange{
			Field:    "properties",
			OldValue: encodeProperties(e.Properties),
			NewValue: encodeProperties(*p.Properties),
		})
		e.Properties = *p.Properties
	}
	if p.Position != nil && *p.Position != e.Position {
		changes = append(changes, FieldChange{Field: "position", OldValue: encodePosition(e.Position), NewValue: encodePosition(*p.Position)})
		e.Position = *p.Position
	}
	return changes
}

// Link binds a node to an edge endpoint. At most one source and one target
// link may exist per edge.
type Link struct {
	EdgeID    string   `json:"edgeId"`
	NodeID    string   `json:"nodeId"`
	Role      LinkRole `json:"role"`
	Scope     string   `json:"scope"`
	CreatedAt int64    `json:"createdAt"`
}

// Validate checks structural invariants on a link.
func (l *Link) Validate() error {
	if l.EdgeID == "" || l.NodeID == "" {
		return pkgerrors.NewValidationError("link must reference an edge and a node")
	}
	if l.Role != RoleSource && l.Role != RoleTarget {
		return pkgerrors.NewValidationError("link role must be source or target")
	}
	return nil
}

// encodeProperties serializes a property map for audit values and size
// accounting. json.Marshal sorts map keys, so the output is deterministic.
func encodeProperties(props map[string]string) string {
	if len(props) == 0 {
		return "{}"
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodePosition(p Position) string {
	b, _ := json.Marshal(p)
	return string(b)
}
