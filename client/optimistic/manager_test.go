package optimistic_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"daygraph-backend/client/optimistic"
	"daygraph-backend/domain/events"
	"daygraph-backend/domain/graph"
)

const scope = "2025-03-14"

type fakeTransport struct {
	mu   sync.Mutex
	sent []*events.Envelope
	fail bool
}

func (f *fakeTransport) Send(env *events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("socket closed")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) last() *events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func seededView() *optimistic.View {
	view := optimistic.NewView(scope)
	view.Nodes["n1"] = &graph.Node{
		ID:         "n1",
		Scope:      scope,
		Kind:       graph.KindEntity,
		Label:      "original",
		Properties: map[string]string{"color": "blue"},
		Visibility: graph.VisibilityPublic,
		Position:   graph.Position{X: 1, Y: 2},
		Version:    1,
	}
	return view
}

func newManager(view *optimistic.View, transport *fakeTransport, ackTimeout time.Duration, callbacks optimistic.Callbacks) *optimistic.Manager {
	return optimistic.NewManager(view, transport, ackTimeout, zap.NewNop(), callbacks)
}

func ackEnv(t *testing.T, eventID string, status events.AckStatus) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TypeDataAck, events.DataAckPayload{
		EventID: eventID,
		Status:  status,
		Version: 2,
	})
	require.NoError(t, err)
	return env
}

func TestManager_MutationAppliesImmediately(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{}
	mgr := newManager(view, transport, 0, optimistic.Callbacks{})

	label := "edited"
	eventID, err := mgr.Mutate(events.TypeEntityUpdate, events.EntityUpdatePayload{
		NodeID:      "n1",
		Patch:       graph.NodePatch{Label: &label},
		BaseVersion: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)

	assert.Equal(t, "edited", view.Nodes["n1"].Label)
	assert.Equal(t, 1, transport.count())
	assert.Equal(t, 1, mgr.PendingCount())
}

func TestManager_RejectedAckRollsBackExactly(t *testing.T) {
	view := seededView()
	before := view.Nodes["n1"].Clone()
	transport := &fakeTransport{}
	mgr := newManager(view, transport, 0, optimistic.Callbacks{})

	label := "edited"
	props := map[string]string{"color": "red", "size": "large"}
	eventID, err := mgr.Mutate(events.TypeEntityUpdate, events.EntityUpdatePayload{
		NodeID:      "n1",
		Patch:       graph.NodePatch{Label: &label, Properties: &props},
		BaseVersion: 1,
	})
	require.NoError(t, err)
	require.NotEqual(t, before.Label, view.Nodes["n1"].Label)

	mgr.HandleIncoming(ackEnv(t, eventID, events.AckRejected))

	assert.Equal(t, before, view.Nodes["n1"])
	assert.Zero(t, mgr.PendingCount())
}

func TestManager_RejectedCreateRemovesNode(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{}
	mgr := newManager(view, transport, 0, optimistic.Callbacks{})

	eventID, err := mgr.Mutate(events.TypeEntityCreate, events.EntityCreatePayload{
		Node: graph.Node{ID: "n2", Kind: graph.KindEntity, Label: "new", Visibility: graph.VisibilityPublic},
	})
	require.NoError(t, err)
	require.Contains(t, view.Nodes, "n2")

	mgr.HandleIncoming(ackEnv(t, eventID, events.AckRejected))
	assert.NotContains(t, view.Nodes, "n2")
}

func TestManager_ConflictResolvedRollsBackThenWinnerApplies(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{}
	var states []optimistic.PendingState
	mgr := newManager(view, transport, 0, optimistic.Callbacks{
		OnAck: func(_ string, state optimistic.PendingState, _ *events.DataAckPayload) {
			states = append(states, state)
		},
	})

	label := "my losing edit"
	eventID, err := mgr.Mutate(events.TypeEntityUpdate, events.EntityUpdatePayload{
		NodeID:      "n1",
		Patch:       graph.NodePatch{Label: &label},
		BaseVersion: 1,
	})
	require.NoError(t, err)

	mgr.HandleIncoming(ackEnv(t, eventID, events.AckConflictResolved))
	assert.Equal(t, "original", view.Nodes["n1"].Label)
	require.Equal(t, []optimistic.PendingState{optimistic.StateRolledBack}, states)

	// The room-wide resolution then lands the winning state.
	winner := &graph.Node{
		ID: "n1", Scope: scope, Kind: graph.KindEntity,
		Label: "their winning edit", Visibility: graph.VisibilityPublic, Version: 2,
	}
	resolution, err := events.NewEnvelope(events.TypeConflictResolution, events.ConflictResolutionPayload{
		TargetID:      "n1",
		TargetKind:    graph.TargetNode,
		LoserEventID:  eventID,
		WinnerEventID: "other-event",
		Node:          winner,
	})
	require.NoError(t, err)
	mgr.HandleIncoming(resolution)

	assert.Equal(t, "their winning edit", view.Nodes["n1"].Label)
	assert.Equal(t, int64(2), view.Nodes["n1"].Version)
}

func TestManager_ResolutionBeforeAckStillConverges(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{}
	var states []optimistic.PendingState
	mgr := newManager(view, transport, 0, optimistic.Callbacks{
		OnAck: func(_ string, state optimistic.PendingState, _ *events.DataAckPayload) {
			states = append(states, state)
		},
	})

	label := "my losing edit"
	eventID, err := mgr.Mutate(events.TypeEntityUpdate, events.EntityUpdatePayload{
		NodeID:      "n1",
		Patch:       graph.NodePatch{Label: &label},
		BaseVersion: 1,
	})
	require.NoError(t, err)

	winner := &graph.Node{
		ID: "n1", Scope: scope, Kind: graph.KindEntity,
		Label: "their winning edit", Visibility: graph.VisibilityPublic, Version: 2,
	}
	resolution, err := events.NewEnvelope(events.TypeConflictResolution, events.ConflictResolutionPayload{
		TargetID:      "n1",
		TargetKind:    graph.TargetNode,
		LoserEventID:  eventID,
		WinnerEventID: "other-event",
		Node:          winner,
	})
	require.NoError(t, err)

	// The server broadcasts the resolution to the room before it sends the
	// loser its targeted ack, so this is the order the loser observes.
	mgr.HandleIncoming(resolution)
	mgr.HandleIncoming(ackEnv(t, eventID, events.AckConflictResolved))

	assert.Equal(t, "their winning edit", view.Nodes["n1"].Label)
	assert.Equal(t, int64(2), view.Nodes["n1"].Version)
	assert.Zero(t, mgr.PendingCount())
	assert.Equal(t, []optimistic.PendingState{optimistic.StateRolledBack}, states)
}

func TestManager_ConflictResolutionDeleteRemovesTarget(t *testing.T) {
	view := seededView()
	mgr := newManager(view, &fakeTransport{}, 0, optimistic.Callbacks{})

	resolution, err := events.NewEnvelope(events.TypeConflictResolution, events.ConflictResolutionPayload{
		TargetID:      "n1",
		TargetKind:    graph.TargetNode,
		LoserEventID:  "loser",
		WinnerEventID: "winner",
		Deleted:       true,
	})
	require.NoError(t, err)
	mgr.HandleIncoming(resolution)

	assert.NotContains(t, view.Nodes, "n1")
}

func TestManager_DuplicateRemoteMutationIsNoOp(t *testing.T) {
	view := seededView()
	remoteApplied := 0
	mgr := newManager(view, &fakeTransport{}, 0, optimistic.Callbacks{
		OnRemoteMutation: func(*events.Envelope) { remoteApplied++ },
	})

	remote, err := events.NewEnvelope(events.TypeEntityCreate, events.EntityCreatePayload{
		Node: graph.Node{ID: "n9", Kind: graph.KindEntity, Label: "remote", Visibility: graph.VisibilityPublic, Version: 1},
	})
	require.NoError(t, err)

	mgr.HandleIncoming(remote)
	mgr.HandleIncoming(remote)

	assert.Equal(t, 1, remoteApplied)
	assert.Contains(t, view.Nodes, "n9")
}

func TestManager_SuccessAckFoldsInVersionAndAssignedID(t *testing.T) {
	view := optimistic.NewView(scope)
	transport := &fakeTransport{}
	mgr := newManager(view, transport, 0, optimistic.Callbacks{})

	eventID, err := mgr.Mutate(events.TypeRelationCreate, events.RelationCreatePayload{
		Edge: graph.Edge{RelationLabel: "references"},
	})
	require.NoError(t, err)

	ack, err := events.NewEnvelope(events.TypeDataAck, events.DataAckPayload{
		EventID:    eventID,
		Status:     events.AckSuccess,
		Version:    1,
		AssignedID: "edge-42",
	})
	require.NoError(t, err)
	mgr.HandleIncoming(ack)

	require.Contains(t, view.Edges, "edge-42")
	assert.Equal(t, int64(1), view.Edges["edge-42"].Version)
	assert.Zero(t, mgr.PendingCount())
}

func TestManager_AckTimeoutMarksUnsynced(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{}
	done := make(chan optimistic.PendingState, 1)
	mgr := newManager(view, transport, 20*time.Millisecond, optimistic.Callbacks{
		OnAck: func(_ string, state optimistic.PendingState, _ *events.DataAckPayload) {
			done <- state
		},
	})

	label := "edited"
	_, err := mgr.Mutate(events.TypeEntityUpdate, events.EntityUpdatePayload{
		NodeID:      "n1",
		Patch:       graph.NodePatch{Label: &label},
		BaseVersion: 1,
	})
	require.NoError(t, err)

	select {
	case state := <-done:
		assert.Equal(t, optimistic.StateUnsynced, state)
	case <-time.After(time.Second):
		t.Fatal("ack timeout never fired")
	}

	// The optimistic apply is undone; the session is flagged, not stuck.
	assert.Equal(t, "original", view.Nodes["n1"].Label)
	assert.Zero(t, mgr.PendingCount())
}

func TestManager_SendFailureKeepsLocalApply(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{fail: true}
	mgr := newManager(view, transport, 0, optimistic.Callbacks{})

	label := "offline edit"
	_, err := mgr.Mutate(events.TypeEntityUpdate, events.EntityUpdatePayload{
		NodeID:      "n1",
		Patch:       graph.NodePatch{Label: &label},
		BaseVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "offline edit", view.Nodes["n1"].Label)
	assert.Equal(t, 1, mgr.PendingCount())

	// Reconnect; the pending mutation goes out again.
	transport.fail = false
	mgr.Resend()
	assert.Equal(t, 1, transport.count())
}

func TestDebouncer_CoalescesRapidUpdates(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{}
	mgr := newManager(view, transport, 0, optimistic.Callbacks{})
	debouncer := optimistic.NewDebouncer(mgr, 30*time.Millisecond)

	first := "draft one"
	second := "draft two"
	pos := graph.Position{X: 5, Y: 6}
	debouncer.UpdateNode("n1", graph.NodePatch{Label: &first}, 1)
	assert.Equal(t, "draft one", view.Nodes["n1"].Label)
	debouncer.UpdateNode("n1", graph.NodePatch{Label: &second, Position: &pos}, 1)
	assert.Equal(t, "draft two", view.Nodes["n1"].Label)

	require.Eventually(t, func() bool { return transport.count() > 0 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, transport.count())

	// The single flushed mutation carries the merged patch: last label wins,
	// the position survives from the second call.
	env := transport.last()
	payload, err := env.DecodePayload()
	require.NoError(t, err)
	update := payload.(*events.EntityUpdatePayload)
	require.NotNil(t, update.Patch.Label)
	assert.Equal(t, "draft two", *update.Patch.Label)
	require.NotNil(t, update.Patch.Position)
	assert.Equal(t, pos, *update.Patch.Position)

	assert.Equal(t, "draft two", view.Nodes["n1"].Label)
}

func TestDebouncer_FlushSendsImmediately(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{}
	mgr := newManager(view, transport, 0, optimistic.Callbacks{})
	debouncer := optimistic.NewDebouncer(mgr, time.Hour)

	label := "before disconnect"
	debouncer.UpdateNode("n1", graph.NodePatch{Label: &label}, 1)
	// The edit is visible immediately even though nothing was sent yet.
	assert.Equal(t, "before disconnect", view.Nodes["n1"].Label)
	require.Zero(t, transport.count())

	debouncer.Flush()
	assert.Equal(t, 1, transport.count())
}

func TestDebouncer_RejectionRestoresPreWindowState(t *testing.T) {
	view := seededView()
	transport := &fakeTransport{}
	mgr := newManager(view, transport, 0, optimistic.Callbacks{})
	debouncer := optimistic.NewDebouncer(mgr, time.Hour)

	first := "draft one"
	second := "draft two"
	debouncer.UpdateNode("n1", graph.NodePatch{Label: &first}, 1)
	debouncer.UpdateNode("n1", graph.NodePatch{Label: &second}, 1)
	debouncer.Flush()
	require.Equal(t, 1, transport.count())

	mgr.HandleIncoming(ackEnv(t, transport.last().EventID, events.AckRejected))

	// Rollback lands on the state before the window opened, not mid-window.
	assert.Equal(t, "original", view.Nodes["n1"].Label)
	assert.Zero(t, mgr.PendingCount())
}

func TestManager_SeenEventWindowIsBounded(t *testing.T) {
	view := optimistic.NewView(scope)
	remoteApplied := 0
	mgr := newManager(view, &fakeTransport{}, 0, optimistic.Callbacks{
		OnRemoteMutation: func(*events.Envelope) { remoteApplied++ },
	})

	first, err := events.NewEnvelope(events.TypeEntityCreate, events.EntityCreatePayload{
		Node: graph.Node{ID: "n0", Kind: graph.KindEntity, Label: "first", Visibility: graph.VisibilityPublic, Version: 1},
	})
	require.NoError(t, err)
	mgr.HandleIncoming(first)
	mgr.HandleIncoming(first)
	require.Equal(t, 1, remoteApplied)

	// Flood the session past the duplicate-suppression cap.
	for i := 0; i < 5000; i++ {
		env, err := events.NewEnvelope(events.TypeEntityCreate, events.EntityCreatePayload{
			Node: graph.Node{ID: "n0", Kind: graph.KindEntity, Label: "flood", Visibility: graph.VisibilityPublic, Version: 1},
		})
		require.NoError(t, err)
		mgr.HandleIncoming(env)
	}
	require.Equal(t, 5001, remoteApplied)

	// The oldest id was evicted, so its replay applies again instead of
	// pinning memory for the whole session.
	mgr.HandleIncoming(first)
	assert.Equal(t, 5002, remoteApplied)
}
