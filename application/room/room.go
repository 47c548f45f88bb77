// Package room multiplexes session connections by scope. Each scope is an
// independent collaboration session; all fan-out and presence bookkeeping
// for a scope is serialized under that scope's lock, so two scopes never
// contend with each other.
package room

import (
	"sync"

	"go.uber.org/zap"

	"daygraph-backend/domain/events"
)

// Sender is the room's view of a connection. Send must not block: a full
// outbound buffer or a dead socket returns an error immediately and the room
// prunes the member, never the other way around.
type Sender interface {
	ID() string
	UserID() string
	Send(frame []byte) error
}

type member struct {
	sender    Sender
	selection *string
}

// Room is one scope's session state: connected members, their selections
// and a bounded ring of recently committed events for mid-session catch-up.
type Room struct {
	mu      sync.Mutex
	scope   string
	members map[string]*member // keyed by connection id
	recent  []*events.Envelope
	window  int
	logger  *zap.Logger
}

func newRoom(scope string, window int, logger *zap.Logger) *Room {
	return &Room{
		scope:   scope,
		members: make(map[string]*member),
		window:  window,
		logger:  logger,
	}
}

// join registers a member and returns the current participants and recent
// committed events.
func (r *Room) join(sender Sender) ([]events.Participant, []*events.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[sender.ID()] = &member{sender: sender}
	recent := make([]*events.Envelope, len(r.recent))
	copy(recent, r.recent)
	return r.participantsLocked(), recent
}

// leave removes a member and reports whether the room emptied.
func (r *Room) leave(connectionID string) (remaining []events.Participant, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, connectionID)
	return r.participantsLocked(), len(r.members) == 0
}

// broadcast delivers a frame to every member not in the exclusion set.
// Sends to dead members are dropped and those members pruned; the broadcast
// itself never fails. Delivery order to each individual recipient follows
// call order because each member's Send feeds a single FIFO buffer.
func (r *Room) broadcast(env *events.Envelope, exclude map[string]bool) []events.Participant {
	frame, err := env.Encode()
	if err != nil {
		r.logger.Error("dropping unencodable broadcast",
			zap.String("scope", r.scope), zap.String("type", string(env.Type)), zap.Error(err))
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned bool
	for id, m := range r.members {
		if exclude[id] {
			continue
		}
		if err := m.sender.Send(frame); err != nil {
			r.logger.Info("pruning unreachable member",
				zap.String("scope", r.scope),
				zap.String("connectionId", id),
				zap.Error(err))
			delete(r.members, id)
			pruned = true
		}
	}
	if !pruned {
		return nil
	}
	return r.participantsLocked()
}

// sendTo delivers a frame to one member. A failed send prunes the member.
func (r *Room) sendTo(connectionID string, env *events.Envelope) bool {
	frame, err := env.Encode()
	if err != nil {
		r.logger.Error("dropping unencodable frame", zap.Error(err))
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connectionID]
	if !ok {
		return false
	}
	if err := m.sender.Send(frame); err != nil {
		delete(r.members, connectionID)
		return false
	}
	return true
}

// setSelection updates a member's presence cursor.
func (r *Room) setSelection(connectionID string, nodeID *string) []events.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[connectionID]; ok {
		m.selection = nodeID
	}
	return r.participantsLocked()
}

// recordCommitted appends a committed mutation to the catch-up ring.
func (r *Room) recordCommitted(env *events.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, env)
	if r.window > 0 && len(r.recent) > r.window {
		r.recent = append(r.recent[:0], r.recent[len(r.recent)-r.window:]...)
	}
}

func (r *Room) participantsLocked() []events.Participant {
	out := make([]events.Participant, 0, len(r.members))
	for id, m := range r.members {
		out = append(out, events.Participant{
			UserID:             m.sender.UserID(),
			ConnectionID:       id,
			CurrentSelectionID: m.selection,
		})
	}
	return out
}
