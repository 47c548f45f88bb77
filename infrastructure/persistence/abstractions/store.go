// Package abstractions defines the Store Adapter port. The sync engine talks
// only to this interface; the memory and dynamodb packages provide the two
// concrete backends selected at process start.
package abstractions

import (
	"context"
	"time"

	"daygraph-backend/domain/graph"
)

// QuotaUsage reports a user's live record counts and footprint.
type QuotaUsage struct {
	NodeCount  int   `json:"nodeCount"`
	EdgeCount  int   `json:"edgeCount"`
	TotalBytes int64 `json:"totalBytes"`
}

// Store is the persistence port for the collaborative graph. Implementations
// must distinguish transient failures (retried by the gateway) from
// permanent ones via pkg/errors types: transient errors satisfy
// errors.IsTransient, everything else is surfaced as-is.
//
// Writes carry the full record; Update* must fail with a conflict error when
// the stored version does not equal record.Version-1 (compare-and-set).
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, node *graph.Node) error
	GetNode(ctx context.Context, scope, nodeID string) (*graph.Node, error)
	UpdateNode(ctx context.Context, node *graph.Node) error
	DeleteNode(ctx context.Context, scope, nodeID string) error
	ListNodes(ctx context.Context, scope string) ([]*graph.Node, error)

	// Edges
	CreateEdge(ctx context.Context, edge *graph.Edge) error
	GetEdge(ctx context.Context, scope, edgeID string) (*graph.Edge, error)
	UpdateEdge(ctx context.Context, edge *graph.Edge) error
	DeleteEdge(ctx context.Context, scope, edgeID string) error
	ListEdges(ctx context.Context, scope string) ([]*graph.Edge, error)

	// Links
	CreateLink(ctx context.Context, link *graph.Link) error
	DeleteLinksByEdge(ctx context.Context, scope, edgeID string) error
	ListLinks(ctx context.Context, scope string) ([]*graph.Link, error)

	// Audit log
	RecordAudit(ctx context.Context, entry *graph.AuditEntry) error
	ListAudit(ctx context.Context, scope string, since time.Time, limit int) ([]*graph.AuditEntry, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Accounting
	Quota(ctx context.Context, userID string) (QuotaUsage, error)
	StoreSize(ctx context.Context) (int64, error)
}
