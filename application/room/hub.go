package room

import (
	"sync"

	"go.uber.org/zap"

	"daygraph-backend/domain/events"
)

// Hub owns every active room, keyed by scope. Rooms are created on first
// join and dropped when their last member leaves.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	window int
	logger *zap.Logger

	onPresence func(scope string, count int) // metrics hook, may be nil
}

// NewHub creates a hub whose rooms keep the given number of recent
// committed events for catch-up.
func NewHub(historyWindow int, logger *zap.Logger, onPresence func(scope string, count int)) *Hub {
	return &Hub{
		rooms:      make(map[string]*Room),
		window:     historyWindow,
		logger:     logger,
		onPresence: onPresence,
	}
}

// Join adds a connection to a scope's room and returns the current
// participant list and recent committed events. The caller broadcasts the
// resulting presence update.
func (h *Hub) Join(scope string, sender Sender) ([]events.Participant, []*events.Envelope) {
	room := h.room(scope, true)
	participants, recent := room.join(sender)
	h.notifyPresence(scope, len(participants))
	return participants, recent
}

// Leave removes a connection from a scope's room and broadcasts the updated
// presence list to the remaining members.
func (h *Hub) Leave(scope, connectionID string) {
	room := h.room(scope, false)
	if room == nil {
		return
	}
	remaining, empty := room.leave(connectionID)
	if empty {
		h.mu.Lock()
		// Re-check under the write lock; a join may have raced the leave.
		if r, ok := h.rooms[scope]; ok && r == room {
			r.mu.Lock()
			if len(r.members) == 0 {
				delete(h.rooms, scope)
			}
			r.mu.Unlock()
		}
		h.mu.Unlock()
	} else {
		h.broadcastPresence(room, remaining)
	}
	h.notifyPresence(scope, len(remaining))
}

// Broadcast fans an event out to every member of the scope except the given
// connection ids. Unreachable members are pruned and the survivors get an
// updated presence list.
func (h *Hub) Broadcast(scope string, env *events.Envelope, exclude ...string) {
	room := h.room(scope, false)
	if room == nil {
		return
	}
	var excludeSet map[string]bool
	if len(exclude) > 0 {
		excludeSet = make(map[string]bool, len(exclude))
		for _, id := range exclude {
			excludeSet[id] = true
		}
	}
	if remaining := room.broadcast(env, excludeSet); remaining != nil {
		h.broadcastPresence(room, remaining)
		h.notifyPresence(scope, len(remaining))
	}
}

// SendTo delivers an event to a single connection in a scope.
func (h *Hub) SendTo(scope, connectionID string, env *events.Envelope) bool {
	room := h.room(scope, false)
	if room == nil {
		return false
	}
	return room.sendTo(connectionID, env)
}

// SetSelection updates a member's presence cursor and rebroadcasts the
// selection to the rest of the room.
func (h *Hub) SetSelection(scope, connectionID string, env *events.Envelope, nodeID *string) {
	room := h.room(scope, false)
	if room == nil {
		return
	}
	room.setSelection(connectionID, nodeID)
	h.Broadcast(scope, env, connectionID)
}

// RecordCommitted appends a committed mutation to the scope's catch-up
// window.
func (h *Hub) RecordCommitted(scope string, env *events.Envelope) {
	room := h.room(scope, false)
	if room == nil {
		return
	}
	room.recordCommitted(env)
}

// Participants returns the scope's current participant list.
func (h *Hub) Participants(scope string) []events.Participant {
	room := h.room(scope, false)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.participantsLocked()
}

// broadcastPresence pushes a participants-only sync frame so every client's
// presence list converges after joins, leaves and prunes.
func (h *Hub) broadcastPresence(room *Room, participants []events.Participant) {
	env, err := events.NewEnvelope(events.TypeSync, events.SyncPayload{
		Scope:        room.scope,
		Participants: participants,
	})
	if err != nil {
		h.logger.Error("building presence frame", zap.Error(err))
		return
	}
	room.broadcast(env, nil)
}

func (h *Hub) room(scope string, create bool) *Room {
	h.mu.RLock()
	room, ok := h.rooms[scope]
	h.mu.RUnlock()
	if ok || !create {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok = h.rooms[scope]; ok {
		return room
	}
	room = newRoom(scope, h.window, h.logger)
	h.rooms[scope] = room
	return room
}

func (h *Hub) notifyPresence(scope string, count int) {
	if h.onPresence != nil {
		h.onPresence(scope, count)
	}
}
