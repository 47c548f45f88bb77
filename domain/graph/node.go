package graph

import (
	"strings"

	pkgerrors "daygraph-backend/pkg/errors"
)

// NodeKind distinguishes plain entities from containers that can enclose them.
type NodeKind string

const (
	KindEntity    NodeKind = "entity"
	KindContainer NodeKind = "container"
)

// Visibility controls who may see a node.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Position is a scope-relative 2D coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a graph vertex within a single scope (e.g. a calendar date).
//
// ContainerID, when set, references an enclosing container node in the same
// scope. A dangling reference means "no container" - it is resolved lazily by
// readers and is never a fatal condition.
type Node struct {
	ID          string            `json:"id"`
	Scope       string            `json:"scope"`
	Kind        NodeKind          `json:"kind"`
	Label       string            `json:"label"`
	Properties  map[string]string `json:"properties,omitempty"`
	OwnerID     string            `json:"ownerId,omitempty"`
	Visibility  Visibility        `json:"visibility"`
	Position    Position          `json:"position"`
	ContainerID string            `json:"containerId,omitempty"`

	// Version increments on every committed write and backs the
	// optimistic-concurrency check at commit time.
	Version int64 `json:"version"`

	CreatedAt int64 `json:"createdAt"` // unix milliseconds
	UpdatedAt int64 `json:"updatedAt"`

	// Provenance of the last committed write, used by conflict resolution.
	LastEventID  string `json:"lastEventId,omitempty"`
	LastEditedAt int64  `json:"lastEditedAt,omitempty"`
	LastEditorID string `json:"lastEditorId,omitempty"`
}

// Validate checks structural invariants on a node.
func (n *Node) Validate() error {
	if n.ID == "" {
		return pkgerrors.NewValidationError("node id cannot be empty")
	}
	if n.Scope == "" {
		return pkgerrors.NewValidationError("node scope cannot be empty")
	}
	if n.Kind != KindEntity && n.Kind != KindContainer {
		return pkgerrors.NewValidationError("node kind must be entity or container")
	}
	if strings.TrimSpace(n.Label) == "" {
		return pkgerrors.NewValidationError("node label cannot be empty")
	}
	if n.Visibility != VisibilityPublic && n.Visibility != VisibilityPrivate {
		return pkgerrors.NewValidationError("node visibility must be public or private")
	}
	return nil
}

// Clone returns a deep copy. Snapshots taken for optimistic rollback rely on
// the copy sharing no mutable state with the original.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	if n.Properties != nil {
		cp.Properties = make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// NodePatch is a partial update to a node. Nil fields are left untouched.
type NodePatch struct {
	Label       *string            `json:"label,omitempty"`
	Properties  *map[string]string `json:"properties,omitempty"`
	Visibility  *Visibility        `json:"visibility,omitempty"`
	Position    *Position          `json:"position,omitempty"`
	ContainerID *string            `json:"containerId,omitempty"`
}

// Apply merges the patch into the node and reports the fields that changed,
// with their old and new serialized values, for audit recording.
func (p NodePatch) Apply(n *Node) []FieldChange {
	var changes []FieldChange
	if p.Label != nil && *p.Label != n.Label {
		changes = append(changes, FieldChange{Field: "label", OldValue: n.Label, NewValue: *p.Label})
		n.Label = *p.Label
	}
	if p.Properties != nil {
		changes = append(changes, FieldChange{
			Field:    "properties",
			OldValue: encodeProperties(n.Properties),
			NewValue: encodeProperties(*p.Properties),
		})
		n.Properties = *p.Properties
	}
	if p.Visibility != nil && *p.Visibility != n.Visibility {
		changes = append(changes, FieldChange{Field: "visibility", OldValue: string(n.Visibility), NewValue: string(*p.Visibility)})
		n.Visibility = *p.Visibility
	}
	if p.Position != nil && *p.Position != n.Position {
		changes = append(changes, FieldChange{Field: "position", OldValue: encodePosition(n.Position), NewValue: encodePosition(*p.Position)})
		n.Position = *p.Position
	}
	if p.ContainerID != nil && *p.ContainerID != n.ContainerID {
		changes = append(changes, FieldChange{Field: "containerId", OldValue: n.ContainerID, NewValue: *p.ContainerID})
		n.ContainerID = *p.ContainerID
	}
	return changes
}

// FieldChange describes a single changed field for audit purposes.
type FieldChange struct {
	Field    string
	OldValue string
	NewValue string
}
