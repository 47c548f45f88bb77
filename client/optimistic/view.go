// Package optimistic is the client-side half of the sync protocol: a local
// graph view mutated immediately on user input, reconciled against server
// acks, and rolled back from snapshots when the server disagrees.
package optimistic

import (
	"daygraph-backend/domain/events"
	"daygraph-backend/domain/graph"
	pkgerrors "daygraph-backend/pkg/errors"
)

// View is the local replica of one scope's graph. Not safe for concurrent
// use; the Manager serializes access to it.
type View struct {
	Scope string
	Nodes map[string]*graph.Node
	Edges map[string]*graph.Edge
	Links map[string]*graph.Link // keyed by edgeID + "/" + role
}

// NewView creates an empty local view for a scope.
func NewView(scope string) *View {
	return &View{
		Scope: scope,
		Nodes: make(map[string]*graph.Node),
		Edges: make(map[string]*graph.Edge),
		Links: make(map[string]*graph.Link),
	}
}

// Load replaces the view's contents with a server snapshot.
func (v *View) Load(payload *events.SyncPayload) {
	v.Nodes = make(map[string]*graph.Node, len(payload.Nodes))
	for _, node := range payload.Nodes {
		v.Nodes[node.ID] = node.Clone()
	}
	v.Edges = make(map[string]*graph.Edge, len(payload.Edges))
	for _, edge := range payload.Edges {
		v.Edges[edge.ID] = edge.Clone()
	}
	v.Links = make(map[string]*graph.Link, len(payload.Links))
	for _, link := range payload.Links {
		copied := *link
		v.Links[linkKey(link.EdgeID, link.Role)] = &copied
	}
}

// Apply mutates the view with one decoded mutation payload. It returns a
// snapshot of the prior state of the touched target, sufficient to undo the
// mutation bit for bit.
func (v *View) Apply(payload any) (*Snapshot, error) {
	switch p := payload.(type) {
	case *events.EntityCreatePayload:
		snap := v.snapshotNode(p.Node.ID)
		node := p.Node.Clone()
		node.Scope = v.Scope
		v.Nodes[node.ID] = node
		return snap, nil
	case *events.EntityUpdatePayload:
		cur, ok := v.Nodes[p.NodeID]
		if !ok {
			return nil, pkgerrors.NewNotFoundError("node")
		}
		snap := v.snapshotNode(p.NodeID)
		p.Patch.Apply(cur)
		return snap, nil
	case *events.EntityDeletePayload:
		snap := v.snapshotNode(p.NodeID)
		delete(v.Nodes, p.NodeID)
		return snap, nil
	case *events.RelationCreatePayload:
		snap := v.snapshotEdge(p.Edge.ID)
		edge := p.Edge.Clone()
		edge.Scope = v.Scope
		v.Edges[edge.ID] = edge
		return snap, nil
	case *events.RelationUpdatePayload:
		cur, ok := v.Edges[p.EdgeID]
		if !ok {
			return nil, pkgerrors.NewNotFoundError("edge")
		}
		snap := v.snapshotEdge(p.EdgeID)
		p.Patch.Apply(cur)
		return snap, nil
	case *events.RelationDeletePayload:
		snap := v.snapshotEdge(p.EdgeID)
		delete(v.Edges, p.EdgeID)
		for key, link := range v.Links {
			if link.EdgeID == p.EdgeID {
				snap.Links = append(snap.Links, link)
				delete(v.Links, key)
			}
		}
		return snap, nil
	case *events.RelationLinkCreatePayload:
		key := linkKey(p.Link.EdgeID, p.Link.Role)
		snap := &Snapshot{TargetID: key, Kind: graph.TargetLink}
		if prior, ok := v.Links[key]; ok {
			copied := *prior
			snap.Link = &copied
			snap.Existed = true
		}
		link := p.Link
		link.Scope = v.Scope
		v.Links[key] = &link
		return snap, nil
	default:
		return nil, pkgerrors.NewValidationError("payload is not a mutation")
	}
}

// Snapshot captures the state of one target before a mutation touched it.
// Restoring it undoes the mutation exactly.
type Snapshot struct {
	TargetID string
	Kind     graph.TargetKind
	Existed  bool
	Node     *graph.Node
	Edge     *graph.Edge
	Link     *graph.Link
	Links    []*graph.Link // links removed alongside an edge delete
}

// Restore puts the captured state back into the view.
func (s *Snapshot) Restore(v *View) {
	if s == nil {
		return
	}
	switch s.Kind {
	case graph.TargetNode:
		if s.Existed {
			v.Nodes[s.TargetID] = s.Node.Clone()
		} else {
			delete(v.Nodes, s.TargetID)
		}
	case graph.TargetEdge:
		if s.Existed {
			v.Edges[s.TargetID] = s.Edge.Clone()
		} else {
			delete(v.Edges, s.TargetID)
		}
		for _, link := range s.Links {
			copied := *link
			v.Links[linkKey(link.EdgeID, link.Role)] = &copied
		}
	case graph.TargetLink:
		if s.Existed {
			copied := *s.Link
			v.Links[s.TargetID] = &copied
		} else {
			delete(v.Links, s.TargetID)
		}
	}
}

func (v *View) snapshotNode(id string) *Snapshot {
	snap := &Snapshot{TargetID: id, Kind: graph.TargetNode}
	if cur, ok := v.Nodes[id]; ok {
		snap.Node = cur.Clone()
		snap.Existed = true
	}
	return snap
}

func (v *View) snapshotEdge(id string) *Snapshot {
	snap := &Snapshot{TargetID: id, Kind: graph.TargetEdge}
	if cur, ok := v.Edges[id]; ok {
		snap.Edge = cur.Clone()
		snap.Existed = true
	}
	return snap
}

func linkKey(edgeID string, role graph.LinkRole) string {
	return edgeID + "/" + string(role)
}
