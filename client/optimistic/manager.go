package optimistic

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"daygraph-backend/domain/events"
	"daygraph-backend/domain/graph"
	pkgerrors "daygraph-backend/pkg/errors"
)

// PendingState tracks one locally applied mutation awaiting its server ack.
type PendingState string

const (
	StatePending    PendingState = "pending"
	StateCommitted  PendingState = "committed"
	StateRolledBack PendingState = "rolled_back"
	StateUnsynced   PendingState = "unsynced" // ack never arrived
)

type pendingEntry struct {
	env      *events.Envelope
	snapshot *Snapshot
	state    PendingState
	sentAt   time.Time
	timer    *time.Timer
}

// Callbacks notify the embedding UI layer. Any field may be nil. Callbacks
// fire while the manager's lock is held, so they must not call back in.
type Callbacks struct {
	OnRemoteMutation func(env *events.Envelope)
	OnPresenceChange func(participants []events.Participant)
	OnAck            func(eventID string, state PendingState, ack *events.DataAckPayload)
}

// Transport sends frames to the server. The websocket client satisfies it.
type Transport interface {
	Send(env *events.Envelope) error
}

// Manager applies mutations to the local view immediately, sends them to the
// server, and reconciles the view when acks and remote events arrive.
type Manager struct {
	mu         sync.Mutex
	view       *View
	transport  Transport
	logger     *zap.Logger
	callbacks  Callbacks
	ackTimeout time.Duration

	pending   map[string]*pendingEntry // by event id
	seen      map[string]struct{}      // event ids already applied
	seenOrder *list.List               // seen ids, oldest first
}

// seenLimit caps the duplicate-suppression window so a long-lived session
// does not grow the seen set forever. Matches the server's ack cache size.
const seenLimit = 4096

// NewManager creates a manager over an initialized view.
func NewManager(view *View, transport Transport, ackTimeout time.Duration, logger *zap.Logger, callbacks Callbacks) *Manager {
	return &Manager{
		view:       view,
		transport:  transport,
		logger:     logger,
		callbacks:  callbacks,
		ackTimeout: ackTimeout,
		pending:    make(map[string]*pendingEntry),
		seen:       make(map[string]struct{}),
		seenOrder:  list.New(),
	}
}

// Mutate applies a mutation locally and sends it to the server. The local
// view reflects the change before the function returns; the server's answer
// arrives later through HandleIncoming.
func (m *Manager) Mutate(eventType events.EventType, payload any) (string, error) {
	env, err := events.NewEnvelope(eventType, payload)
	if err != nil {
		return "", err
	}
	if !env.IsMutation() {
		return "", pkgerrors.NewValidationError("event type is not a mutation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	decoded, err := env.DecodePayload()
	if err != nil {
		return "", err
	}
	snapshot, err := m.view.Apply(decoded)
	if err != nil {
		return "", err
	}
	m.register(env, snapshot)
	return env.EventID, nil
}

// Stage applies a mutation to the local view without sending anything and
// returns the undo snapshot. The debouncer stages each intermediate edit so
// the view tracks the user keystroke for keystroke, then sends one coalesced
// mutation for the window through MutateStaged.
func (m *Manager) Stage(payload any) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.Apply(payload)
}

// MutateStaged sends a mutation whose local applies already happened through
// Stage. snapshot must capture the target's state before the first staged
// apply, so a rejection undoes the whole window.
func (m *Manager) MutateStaged(eventType events.EventType, payload any, snapshot *Snapshot) (string, error) {
	env, err := events.NewEnvelope(eventType, payload)
	if err != nil {
		return "", err
	}
	if !env.IsMutation() {
		return "", pkgerrors.NewValidationError("event type is not a mutation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.register(env, snapshot)
	return env.EventID, nil
}

// register records a locally applied mutation as pending and sends it.
// Callers hold the lock.
func (m *Manager) register(env *events.Envelope, snapshot *Snapshot) {
	entry := &pendingEntry{
		env:      env,
		snapshot: snapshot,
		state:    StatePending,
		sentAt:   time.Now(),
	}
	m.pending[env.EventID] = entry
	m.markSeen(env.EventID)

	if err := m.transport.Send(env); err != nil {
		// The local apply stands; the mutation rides the reconnect resend.
		m.logger.Warn("send failed, mutation queued locally",
			zap.String("eventId", env.EventID), zap.Error(err))
	}
	if m.ackTimeout > 0 {
		eventID := env.EventID
		entry.timer = time.AfterFunc(m.ackTimeout, func() { m.expire(eventID) })
	}
}

// HandleIncoming dispatches one server frame: acks reconcile pending entries,
// conflict resolutions repair the view, remote mutations apply once, sync
// frames refresh presence.
func (m *Manager) HandleIncoming(env *events.Envelope) {
	payload, err := env.DecodePayload()
	if err != nil {
		m.logger.Warn("undecodable frame", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch p := payload.(type) {
	case *events.DataAckPayload:
		m.handleAck(p)
	case *events.ConflictResolutionPayload:
		m.handleConflict(p)
	case *events.SyncPayload:
		if p.Nodes != nil || p.Edges != nil || p.Links != nil {
			m.view.Load(p)
		}
		if m.callbacks.OnPresenceChange != nil {
			m.callbacks.OnPresenceChange(p.Participants)
		}
	case *events.SelectionPayload:
		if m.callbacks.OnRemoteMutation != nil {
			m.callbacks.OnRemoteMutation(env)
		}
	default:
		if env.IsMutation() {
			m.applyRemote(env, payload)
		}
	}
}

// Resend re-sends every still-pending mutation, oldest first. Called after a
// reconnect; the server's ack cache makes replays harmless.
func (m *Manager) Resend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*pendingEntry, 0, len(m.pending))
	for _, entry := range m.pending {
		if entry.state == StatePending {
			entries = append(entries, entry)
		}
	}
	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].sentAt.Before(entries[i].sentAt) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for _, entry := range entries {
		if err := m.transport.Send(entry.env); err != nil {
			m.logger.Warn("resend failed", zap.String("eventId", entry.env.EventID), zap.Error(err))
			return
		}
	}
}

// PendingCount reports how many mutations still await an ack.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entry := range m.pending {
		if entry.state == StatePending {
			n++
		}
	}
	return n
}

func (m *Manager) handleAck(ack *events.DataAckPayload) {
	entry, ok := m.pending[ack.EventID]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}

	switch ack.Status {
	case events.AckSuccess:
		entry.state = StateCommitted
		m.applyAckDetails(entry, ack)
		delete(m.pending, ack.EventID)
	case events.AckRejected:
		entry.state = StateRolledBack
		entry.snapshot.Restore(m.view)
		delete(m.pending, ack.EventID)
	case events.AckConflictResolved:
		// The room-wide conflict-resolution frame carries the winning state;
		// here only the optimistic apply is undone.
		entry.state = StateRolledBack
		entry.snapshot.Restore(m.view)
		delete(m.pending, ack.EventID)
	}
	if m.callbacks.OnAck != nil {
		m.callbacks.OnAck(ack.EventID, entry.state, ack)
	}
}

// applyAckDetails folds the committed version and any server-assigned id back
// into the local records.
func (m *Manager) applyAckDetails(entry *pendingEntry, ack *events.DataAckPayload) {
	payload, err := entry.env.DecodePayload()
	if err != nil {
		return
	}
	switch p := payload.(type) {
	case *events.EntityCreatePayload:
		if node, ok := m.view.Nodes[p.Node.ID]; ok {
			node.Version = ack.Version
		}
	case *events.EntityUpdatePayload:
		if node, ok := m.view.Nodes[p.NodeID]; ok {
			node.Version = ack.Version
		}
	case *events.RelationCreatePayload:
		id := p.Edge.ID
		if ack.AssignedID != "" && id == "" {
			// The edge was stored locally under the empty id; rekey it.
			if edge, ok := m.view.Edges[""]; ok {
				delete(m.view.Edges, "")
				edge.ID = ack.AssignedID
				m.view.Edges[ack.AssignedID] = edge
			}
			id = ack.AssignedID
		}
		if edge, ok := m.view.Edges[id]; ok {
			edge.Version = ack.Version
		}
	case *events.RelationUpdatePayload:
		if edge, ok := m.view.Edges[p.EdgeID]; ok {
			edge.Version = ack.Version
		}
	}
}

func (m *Manager) handleConflict(p *events.ConflictResolutionPayload) {
	// The room-wide resolution reaches the loser before its targeted
	// conflict-resolved ack (per-connection FIFO). If the named loser is one
	// of our pending mutations, undo it here first, so the winning state laid
	// down below is not wiped by a later snapshot restore. The ack that
	// follows finds no pending entry and is a no-op.
	if entry, ok := m.pending[p.LoserEventID]; ok && entry.state == StatePending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.state = StateRolledBack
		entry.snapshot.Restore(m.view)
		delete(m.pending, p.LoserEventID)
		if m.callbacks.OnAck != nil {
			m.callbacks.OnAck(p.LoserEventID, StateRolledBack, nil)
		}
	}

	switch p.TargetKind {
	case graph.TargetNode:
		if p.Deleted {
			delete(m.view.Nodes, p.TargetID)
		} else if p.Node != nil {
			m.view.Nodes[p.TargetID] = p.Node.Clone()
		}
	case graph.TargetEdge:
		if p.Deleted {
			delete(m.view.Edges, p.TargetID)
			for key, link := range m.view.Links {
				if link.EdgeID == p.TargetID {
					delete(m.view.Links, key)
				}
			}
		} else if p.Edge != nil {
			m.view.Edges[p.TargetID] = p.Edge.Clone()
		}
	}
}

func (m *Manager) applyRemote(env *events.Envelope, payload any) {
	// At-least-once delivery; a duplicate remote event is a no-op.
	if _, ok := m.seen[env.EventID]; ok {
		return
	}
	m.markSeen(env.EventID)
	if _, err := m.view.Apply(payload); err != nil {
		m.logger.Warn("remote mutation skipped",
			zap.String("eventId", env.EventID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return
	}
	if m.callbacks.OnRemoteMutation != nil {
		m.callbacks.OnRemoteMutation(env)
	}
}

// markSeen remembers an applied event id, evicting the oldest remembered id
// past the cap. Callers hold the lock.
func (m *Manager) markSeen(eventID string) {
	if _, ok := m.seen[eventID]; ok {
		return
	}
	m.seen[eventID] = struct{}{}
	m.seenOrder.PushBack(eventID)
	for m.seenOrder.Len() > seenLimit {
		oldest := m.seenOrder.Front()
		m.seenOrder.Remove(oldest)
		delete(m.seen, oldest.Value.(string))
	}
}

func (m *Manager) expire(eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[eventID]
	if !ok || entry.state != StatePending {
		return
	}
	// Soft failure: undo the optimistic apply and flag the session as
	// unsynced. If the server did commit, the next snapshot reconciles.
	entry.state = StateUnsynced
	entry.snapshot.Restore(m.view)
	delete(m.pending, eventID)
	m.logger.Warn("ack timeout", zap.String("eventId", eventID))
	if m.callbacks.OnAck != nil {
		m.callbacks.OnAck(eventID, StateUnsynced, nil)
	}
}
