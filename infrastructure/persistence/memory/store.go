// Package memory provides the in-process Store Adapter backend. It is the
// default for development and the workhorse for tests; semantics (duplicate
// detection, compare-and-set versioning, quota accounting) mirror the
// dynamodb backend exactly.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"daygraph-backend/domain/graph"
	"daygraph-backend/infrastructure/persistence/abstractions"
	pkgerrors "daygraph-backend/pkg/errors"
)

type nodeKey struct{ scope, id string }
type edgeKey struct{ scope, id string }

// Store is a mutex-protected in-memory Store Adapter.
type Store struct {
	mu    sync.RWMutex
	nodes map[nodeKey]*graph.Node
	edges map[edgeKey]*graph.Edge
	links map[string][]*graph.Link // scope -> links
	audit []*graph.AuditEntry
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		nodes: make(map[nodeKey]*graph.Node),
		edges: make(map[edgeKey]*graph.Edge),
		links: make(map[string][]*graph.Link),
	}
}

// CreateNode inserts a node, rejecting duplicates by id.
func (s *Store) CreateNode(ctx context.Context, node *graph.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nodeKey{node.Scope, node.ID}
	if _, exists := s.nodes[key]; exists {
		return pkgerrors.NewDuplicateError("node")
	}
	s.nodes[key] = node.Clone()
	return nil
}

// GetNode returns a copy of the stored node.
func (s *Store) GetNode(ctx context.Context, scope, nodeID string) (*graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeKey{scope, nodeID}]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("node")
	}
	return node.Clone(), nil
}

// UpdateNode writes a node conditioned on the stored version being exactly
// one behind the incoming record.
func (s *Store) UpdateNode(ctx context.Context, node *graph.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nodeKey{node.Scope, node.ID}
	cur, ok := s.nodes[key]
	if !ok {
		return pkgerrors.NewNotFoundError("node")
	}
	if cur.Version != node.Version-1 {
		return pkgerrors.NewConflictError("node version mismatch")
	}
	s.nodes[key] = node.Clone()
	return nil
}

// DeleteNode removes a node. Deleting a missing node is a no-op so replays
// stay idempotent.
func (s *Store) DeleteNode(ctx context.Context, scope, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeKey{scope, nodeID})
	return nil
}

// ListNodes returns all nodes in a scope, ordered by creation time.
func (s *Store) ListNodes(ctx context.Context, scope string) ([]*graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Node
	for key, node := range s.nodes {
		if key.scope == scope {
			out = append(out, node.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// CreateEdge inserts an edge, rejecting duplicates by id.
func (s *Store) CreateEdge(ctx context.Context, edge *graph.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := edgeKey{edge.Scope, edge.ID}
	if _, exists := s.edges[key]; exists {
		return pkgerrors.NewDuplicateError("edge")
	}
	s.edges[key] = edge.Clone()
	return nil
}

// GetEdge returns a copy of the stored edge.
func (s *Store) GetEdge(ctx context.Context, scope, edgeID string) (*graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[edgeKey{scope, edgeID}]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("edge")
	}
	return edge.Clone(), nil
}

// UpdateEdge writes an edge with the same compare-and-set rule as UpdateNode.
func (s *Store) UpdateEdge(ctx context.Context, edge *graph.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := edgeKey{edge.Scope, edge.ID}
	cur, ok := s.edges[key]
	if !ok {
		return pkgerrors.NewNotFoundError("edge")
	}
	if cur.Version != edge.Version-1 {
		return pkgerrors.NewConflictError("edge version mismatch")
	}
	s.edges[key] = edge.Clone()
	return nil
}

// DeleteEdge removes an edge. Missing edges are a no-op.
func (s *Store) DeleteEdge(ctx context.Context, scope, edgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, edgeKey{scope, edgeID})
	return nil
}

// ListEdges returns all edges in a scope, ordered by creation time.
func (s *Store) ListEdges(ctx context.Context, scope string) ([]*graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Edge
	for key, edge := range s.edges {
		if key.scope == scope {
			out = append(out, edge.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// CreateLink binds a node to an edge endpoint, enforcing at most one source
// and one target link per edge.
func (s *Store) CreateLink(ctx context.Context, link *graph.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.links[link.Scope] {
		if existing.EdgeID == link.EdgeID && existing.Role == link.Role {
			if existing.NodeID == link.NodeID {
				return nil // same binding replayed
			}
			return pkgerrors.NewDuplicateError("edge " + string(link.Role) + " link")
		}
	}
	cp := *link
	s.links[link.Scope] = append(s.links[link.Scope], &cp)
	return nil
}

// DeleteLinksByEdge removes every link bound to an edge.
func (s *Store) DeleteLinksByEdge(ctx context.Context, scope, edgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.links[scope][:0]
	for _, link := range s.links[scope] {
		if link.EdgeID != edgeID {
			kept = append(kept, link)
		}
	}
	s.links[scope] = kept
	return nil
}

// ListLinks returns all links in a scope.
func (s *Store) ListLinks(ctx context.Context, scope string) ([]*graph.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*graph.Link, 0, len(s.links[scope]))
	for _, link := range s.links[scope] {
		cp := *link
		out = append(out, &cp)
	}
	return out, nil
}

// RecordAudit appends an audit entry.
func (s *Store) RecordAudit(ctx context.Context, entry *graph.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

// ListAudit returns audit entries for a scope at or after the given time,
// oldest first, capped at limit (0 means no cap).
func (s *Store) ListAudit(ctx context.Context, scope string, since time.Time, limit int) ([]*graph.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sinceMs := since.UnixMilli()
	var out []*graph.AuditEntry
	for _, entry := range s.audit {
		if entry.Scope == scope && entry.Timestamp >= sinceMs {
			cp := *entry
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PurgeAuditBefore drops audit entries older than the cutoff and reports how
// many were removed.
func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoffMs := cutoff.UnixMilli()
	kept := s.audit[:0]
	removed := 0
	for _, entry := range s.audit {
		if entry.Timestamp < cutoffMs {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.audit = kept
	return removed, nil
}

// Quota counts a user's live nodes and edges across all scopes. Edge
// ownership follows the editor that created it (LastEditorID of version 1
// records is the creator; we track ownership via LastEditorID at creation).
func (s *Store) Quota(ctx context.Context, userID string) (abstractions.QuotaUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var usage abstractions.QuotaUsage
	for _, node := range s.nodes {
		if node.OwnerID == userID {
			usage.NodeCount++
			usage.TotalBytes += recordBytes(node)
		}
	}
	for _, edge := range s.edges {
		if edge.LastEditorID == userID {
			usage.EdgeCount++
			usage.TotalBytes += recordBytes(edge)
		}
	}
	return usage, nil
}

// StoreSize reports the approximate serialized footprint of all records.
func (s *Store) StoreSize(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, node := range s.nodes {
		total += recordBytes(node)
	}
	for _, edge := range s.edges {
		total += recordBytes(edge)
	}
	for _, links := range s.links {
		for _, link := range links {
			total += recordBytes(link)
		}
	}
	for _, entry := range s.audit {
		total += recordBytes(entry)
	}
	return total, nil
}

func recordBytes(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
