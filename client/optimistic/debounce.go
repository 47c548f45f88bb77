package optimistic

import (
	"sync"
	"time"

	"daygraph-backend/domain/events"
	"daygraph-backend/domain/graph"
)

// Debouncer coalesces rapid successive updates to the same target (drag
// positioning, keystroke-level label edits) into one mutation per interval.
// Each update applies to the local view as it arrives, so the UI tracks the
// user in real time; only the merged final patch goes to the server when the
// window closes.
type Debouncer struct {
	mu       sync.Mutex
	manager  *Manager
	interval time.Duration
	pending  map[string]*coalesced // by target id
}

type coalesced struct {
	eventType   events.EventType
	nodeID      string
	edgeID      string
	nodePatch   graph.NodePatch
	edgePatch   graph.EdgePatch
	baseVersion int64
	snapshot    *Snapshot // target state before the window's first apply
	timer       *time.Timer
}

// NewDebouncer creates a debouncer flushing through the given manager.
func NewDebouncer(manager *Manager, interval time.Duration) *Debouncer {
	return &Debouncer{
		manager:  manager,
		interval: interval,
		pending:  make(map[string]*coalesced),
	}
}

// UpdateNode applies a node patch to the local view immediately and merges it
// into the target's pending batch. Later fields win within the window. A
// patch whose target is missing from the view is dropped.
func (d *Debouncer) UpdateNode(nodeID string, patch graph.NodePatch, baseVersion int64) {
	snap, err := d.manager.Stage(&events.EntityUpdatePayload{
		NodeID:      nodeID,
		Patch:       patch,
		BaseVersion: baseVersion,
	})
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.pending[nodeID]
	if !ok {
		entry = &coalesced{eventType: events.TypeEntityUpdate, nodeID: nodeID, baseVersion: baseVersion, snapshot: snap}
		d.pending[nodeID] = entry
		entry.timer = time.AfterFunc(d.interval, func() { d.flush(nodeID) })
	}
	mergeNodePatch(&entry.nodePatch, patch)
}

// UpdateEdge applies an edge patch to the local view immediately and merges
// it into the target's pending batch.
func (d *Debouncer) UpdateEdge(edgeID string, patch graph.EdgePatch, baseVersion int64) {
	snap, err := d.manager.Stage(&events.RelationUpdatePayload{
		EdgeID:      edgeID,
		Patch:       patch,
		BaseVersion: baseVersion,
	})
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.pending[edgeID]
	if !ok {
		entry = &coalesced{eventType: events.TypeRelationUpdate, edgeID: edgeID, baseVersion: baseVersion, snapshot: snap}
		d.pending[edgeID] = entry
		entry.timer = time.AfterFunc(d.interval, func() { d.flush(edgeID) })
	}
	mergeEdgePatch(&entry.edgePatch, patch)
}

// Flush sends every pending batch immediately. Call before a deliberate
// disconnect so trailing edits are not lost to the window.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	targets := make([]string, 0, len(d.pending))
	for id := range d.pending {
		targets = append(targets, id)
	}
	d.mu.Unlock()
	for _, id := range targets {
		d.flush(id)
	}
}

func (d *Debouncer) flush(targetID string) {
	d.mu.Lock()
	entry, ok := d.pending[targetID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, targetID)
	entry.timer.Stop()
	d.mu.Unlock()

	// The view already reflects every staged apply of the window; only the
	// merged patch travels, anchored to the pre-window snapshot for undo.
	switch entry.eventType {
	case events.TypeEntityUpdate:
		d.manager.MutateStaged(events.TypeEntityUpdate, events.EntityUpdatePayload{
			NodeID:      entry.nodeID,
			Patch:       entry.nodePatch,
			BaseVersion: entry.baseVersion,
		}, entry.snapshot)
	case events.TypeRelationUpdate:
		d.manager.MutateStaged(events.TypeRelationUpdate, events.RelationUpdatePayload{
			EdgeID:      entry.edgeID,
			Patch:       entry.edgePatch,
			BaseVersion: entry.baseVersion,
		}, entry.snapshot)
	}
}

func mergeNodePatch(dst *graph.NodePatch, src graph.NodePatch) {
	if src.Label != nil {
		dst.Label = src.Label
	}
	if src.Properties != nil {
		dst.Properties = src.Properties
	}
	if src.Position != nil {
		dst.Position = src.Position
	}
	if src.Visibility != nil {
		dst.Visibility = src.Visibility
	}
	if src.ContainerID != nil {
		dst.ContainerID = src.ContainerID
	}
}

func mergeEdgePatch(dst *graph.EdgePatch, src graph.EdgePatch) {
	if src.RelationLabel != nil {
		dst.RelationLabel = src.RelationLabel
	}
	if src.Properties != nil {
		dst.Properties = src.Properties
	}
	if src.Position != nil {
		dst.Position = src.Position
	}
}
