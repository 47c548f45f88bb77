package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daygraph-backend/domain/events"
	"daygraph-backend/domain/graph"
)

func TestNewEnvelope_MutationGetsEventID(t *testing.T) {
	env, err := events.NewEnvelope(events.TypeEntityDelete, events.EntityDeletePayload{
		NodeID:      "node-1",
		BaseVersion: 3,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, env.EventID)
	assert.NotZero(t, env.Timestamp)
	assert.True(t, env.IsMutation())
}

func TestNewEnvelope_NonMutationHasNoEventID(t *testing.T) {
	env, err := events.NewEnvelope(events.TypeSelection, events.SelectionPayload{UserID: "u1"})
	require.NoError(t, err)

	assert.Empty(t, env.EventID)
	assert.False(t, env.IsMutation())
}

func TestDecodeEnvelope_RoundTrip(t *testing.T) {
	original, err := events.NewEnvelope(events.TypeEntityUpdate, events.EntityUpdatePayload{
		NodeID:      "node-1",
		BaseVersion: 2,
	})
	require.NoError(t, err)
	raw, err := original.Encode()
	require.NoError(t, err)

	decoded, err := events.DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.EventID, decoded.EventID)
	assert.Equal(t, original.Timestamp, decoded.Timestamp)

	payload, err := decoded.DecodePayload()
	require.NoError(t, err)
	update, ok := payload.(*events.EntityUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, "node-1", update.NodeID)
	assert.Equal(t, int64(2), update.BaseVersion)
}

func TestDecodeEnvelope_RejectsMissingType(t *testing.T) {
	_, err := events.DecodeEnvelope([]byte(`{"timestamp":123}`))
	assert.Error(t, err)
}

func TestDecodeEnvelope_RejectsMutationWithoutEventID(t *testing.T) {
	_, err := events.DecodeEnvelope([]byte(`{"type":"entity-create","timestamp":123,"data":{}}`))
	assert.Error(t, err)
}

func TestDecodeEnvelope_RejectsMalformedJSON(t *testing.T) {
	_, err := events.DecodeEnvelope([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodePayload_UnknownType(t *testing.T) {
	env := &events.Envelope{Type: events.EventType("mystery")}
	_, err := env.DecodePayload()
	assert.Error(t, err)
}

func TestNewEventID_SortableAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := events.NewEventID()
		require.False(t, seen[id], "event ids must be unique")
		seen[id] = true
		// Monotonic entropy keeps ids from the same process in issue order,
		// which is what makes the lexicographic conflict tiebreak stable.
		require.True(t, id > prev, "event ids must be ascending")
		prev = id
	}
}

func TestSyncPayload_RoundTrip(t *testing.T) {
	env, err := events.NewEnvelope(events.TypeSync, events.SyncPayload{
		Scope: "2025-03-14",
		Participants: []events.Participant{
			{UserID: "u1", ConnectionID: "c1"},
		},
		Nodes: []*graph.Node{
			{ID: "n1", Scope: "2025-03-14", Kind: graph.KindEntity, Label: "note", Visibility: graph.VisibilityPublic},
		},
	})
	require.NoError(t, err)

	payload, err := env.DecodePayload()
	require.NoError(t, err)
	sync, ok := payload.(*events.SyncPayload)
	require.True(t, ok)
	assert.Equal(t, "2025-03-14", sync.Scope)
	require.Len(t, sync.Nodes, 1)
	assert.Equal(t, "n1", sync.Nodes[0].ID)
	require.Len(t, sync.Participants, 1)
	assert.Equal(t, "u1", sync.Participants[0].UserID)
}
