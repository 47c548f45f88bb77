package room_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"daygraph-backend/application/room"
	"daygraph-backend/domain/events"
)

// fakeSender collects frames in memory and can be flipped to failing to
// simulate a dead socket.
type fakeSender struct {
	mu     sync.Mutex
	id     string
	userID string
	frames [][]byte
	fail   bool
}

func newFakeSender(id, userID string) *fakeSender {
	return &fakeSender{id: id, userID: userID}
}

func (f *fakeSender) ID() string     { return f.id }
func (f *fakeSender) UserID() string { return f.userID }

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection gone")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) received() []*events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*events.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := events.DecodeEnvelope(frame)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeSender) setFailing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = true
}

func mutationEnv(t *testing.T) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TypeEntityDelete, events.EntityDeletePayload{NodeID: "n1"})
	require.NoError(t, err)
	return env
}

func TestHub_JoinReturnsParticipants(t *testing.T) {
	hub := room.NewHub(10, zap.NewNop(), nil)

	a := newFakeSender("c1", "u1")
	participants, recent := hub.Join("2025-03-14", a)
	assert.Len(t, participants, 1)
	assert.Empty(t, recent)

	b := newFakeSender("c2", "u2")
	participants, _ = hub.Join("2025-03-14", b)
	assert.Len(t, participants, 2)
}

func TestHub_ScopesAreIsolated(t *testing.T) {
	hub := room.NewHub(10, zap.NewNop(), nil)

	a := newFakeSender("c1", "u1")
	hub.Join("2025-03-14", a)
	b := newFakeSender("c2", "u2")
	hub.Join("2025-03-15", b)

	hub.Broadcast("2025-03-14", mutationEnv(t))

	assert.Len(t, a.received(), 1)
	assert.Empty(t, b.received())
}

func TestHub_BroadcastExcludesOrigin(t *testing.T) {
	hub := room.NewHub(10, zap.NewNop(), nil)
	a := newFakeSender("c1", "u1")
	b := newFakeSender("c2", "u2")
	hub.Join("s", a)
	hub.Join("s", b)

	hub.Broadcast("s", mutationEnv(t), "c1")

	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)
}

func TestHub_BroadcastPrunesDeadMembers(t *testing.T) {
	hub := room.NewHub(10, zap.NewNop(), nil)
	alive := newFakeSender("c1", "u1")
	dead := newFakeSender("c2", "u2")
	hub.Join("s", alive)
	hub.Join("s", dead)
	dead.setFailing()

	hub.Broadcast("s", mutationEnv(t))

	participants := hub.Participants("s")
	require.Len(t, participants, 1)
	assert.Equal(t, "c1", participants[0].ConnectionID)

	// Survivors get the mutation plus a presence update reflecting the prune.
	frames := alive.received()
	require.Len(t, frames, 2)
	assert.Equal(t, events.TypeSync, frames[1].Type)
}

func TestHub_LeaveBroadcastsPresence(t *testing.T) {
	hub := room.NewHub(10, zap.NewNop(), nil)
	a := newFakeSender("c1", "u1")
	b := newFakeSender("c2", "u2")
	hub.Join("s", a)
	hub.Join("s", b)

	hub.Leave("s", "c2")

	frames := a.received()
	require.Len(t, frames, 1)
	require.Equal(t, events.TypeSync, frames[0].Type)
	payload, err := frames[0].DecodePayload()
	require.NoError(t, err)
	sync, ok := payload.(*events.SyncPayload)
	require.True(t, ok)
	require.Len(t, sync.Participants, 1)
	assert.Equal(t, "u1", sync.Participants[0].UserID)
}

func TestHub_EmptyRoomIsDropped(t *testing.T) {
	hub := room.NewHub(10, zap.NewNop(), nil)
	a := newFakeSender("c1", "u1")
	hub.Join("s", a)
	hub.Leave("s", "c1")

	assert.Nil(t, hub.Participants("s"))
}

func TestHub_RecentWindowIsBounded(t *testing.T) {
	hub := room.NewHub(3, zap.NewNop(), nil)
	a := newFakeSender("c1", "u1")
	hub.Join("s", a)

	var last *events.Envelope
	for i := 0; i < 5; i++ {
		last = mutationEnv(t)
		hub.RecordCommitted("s", last)
	}

	b := newFakeSender("c2", "u2")
	_, recent := hub.Join("s", b)
	require.Len(t, recent, 3)
	assert.Equal(t, last.EventID, recent[2].EventID)
}

func TestHub_SetSelectionUpdatesPresence(t *testing.T) {
	hub := room.NewHub(10, zap.NewNop(), nil)
	a := newFakeSender("c1", "u1")
	b := newFakeSender("c2", "u2")
	hub.Join("s", a)
	hub.Join("s", b)

	nodeID := "n1"
	env, err := events.NewEnvelope(events.TypeSelection, events.SelectionPayload{UserID: "u1", NodeID: &nodeID})
	require.NoError(t, err)
	hub.SetSelection("s", "c1", env, &nodeID)

	// The selection frame reaches the peer, not the origin.
	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)

	for _, p := range hub.Participants("s") {
		if p.ConnectionID == "c1" {
			require.NotNil(t, p.CurrentSelectionID)
			assert.Equal(t, "n1", *p.CurrentSelectionID)
		}
	}
}

func TestHub_SendTo(t *testing.T) {
	hub := room.NewHub(10, zap.NewNop(), nil)
	a := newFakeSender("c1", "u1")
	b := newFakeSender("c2", "u2")
	hub.Join("s", a)
	hub.Join("s", b)

	ack, err := events.NewAck("evt-1", events.AckSuccess)
	require.NoError(t, err)
	require.True(t, hub.SendTo("s", "c1", ack))

	assert.Len(t, a.received(), 1)
	assert.Empty(t, b.received())
	assert.False(t, hub.SendTo("s", "ghost", ack))
}
