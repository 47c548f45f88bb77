package graph

// AuditAction names the kind of committed change an audit entry records.
type AuditAction string

const (
	ActionCreate AuditAction = "create"
	ActionUpdate AuditAction = "update"
	ActionDelete AuditAction = "delete"
)

// TargetKind names the record kind a mutation addresses.
type TargetKind string

const (
	TargetNode TargetKind = "node"
	TargetEdge TargetKind = "edge"
	TargetLink TargetKind = "link"
)

// AuditEntry is an append-only record of a committed change. Entries are
// never mutated; the only deletion path is the age-based retention sweep.
// History display reads them; conflict resolution does not.
type AuditEntry struct {
	ID         string      `json:"id"`
	Scope      string      `json:"scope"`
	TargetID   string      `json:"targetId"`
	TargetKind TargetKind  `json:"targetKind"`
	Action     AuditAction `json:"action"`
	Field      string      `json:"field,omitempty"`
	OldValue   string      `json:"oldValue,omitempty"`
	NewValue   string      `json:"newValue,omitempty"`
	EditorID   string      `json:"editorId,omitempty"`
	Timestamp  int64       `json:"timestamp"` // unix milliseconds
}
