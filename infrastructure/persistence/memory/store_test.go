package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daygraph-backend/domain/graph"
	"daygraph-backend/infrastructure/persistence/memory"
	pkgerrors "daygraph-backend/pkg/errors"
)

const scope = "2025-03-14"

func testNode(id string, version int64) *graph.Node {
	return &graph.Node{
		ID:         id,
		Scope:      scope,
		Kind:       graph.KindEntity,
		Label:      "node " + id,
		Visibility: graph.VisibilityPublic,
		OwnerID:    "u1",
		Version:    version,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

func TestStore_NodeLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	require.NoError(t, store.CreateNode(ctx, testNode("n1", 1)))

	got, err := store.GetNode(ctx, scope, "n1")
	require.NoError(t, err)
	assert.Equal(t, "node n1", got.Label)

	got.Label = "renamed"
	got.Version = 2
	require.NoError(t, store.UpdateNode(ctx, got))

	got, err = store.GetNode(ctx, scope, "n1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Label)
	assert.Equal(t, int64(2), got.Version)

	require.NoError(t, store.DeleteNode(ctx, scope, "n1"))
	_, err = store.GetNode(ctx, scope, "n1")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestStore_CreateNode_RejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	require.NoError(t, store.CreateNode(ctx, testNode("n1", 1)))
	err := store.CreateNode(ctx, testNode("n1", 1))
	require.Error(t, err)
	appErr := pkgerrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.CodeDuplicate, appErr.Code)
}

func TestStore_UpdateNode_VersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateNode(ctx, testNode("n1", 1)))

	// Stored version is 1; a write claiming to be version 3 skips a step.
	stale := testNode("n1", 3)
	err := store.UpdateNode(ctx, stale)
	require.Error(t, err)
	appErr := pkgerrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.ErrorTypeConflict, appErr.Type)
}

func TestStore_DeleteNode_MissingIsNoOp(t *testing.T) {
	store := memory.NewStore()
	assert.NoError(t, store.DeleteNode(context.Background(), scope, "ghost"))
}

func TestStore_GetNode_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	node := testNode("n1", 1)
	node.Properties = map[string]string{"color": "blue"}
	require.NoError(t, store.CreateNode(ctx, node))

	got, err := store.GetNode(ctx, scope, "n1")
	require.NoError(t, err)
	got.Properties["color"] = "red"

	again, err := store.GetNode(ctx, scope, "n1")
	require.NoError(t, err)
	assert.Equal(t, "blue", again.Properties["color"])
}

func TestStore_Links_OneBindingPerRole(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	link := &graph.Link{EdgeID: "e1", NodeID: "n1", Role: graph.RoleSource, Scope: scope}
	require.NoError(t, store.CreateLink(ctx, link))

	// The same binding replayed is accepted silently.
	assert.NoError(t, store.CreateLink(ctx, link))

	// A different node on the same role is a duplicate.
	other := &graph.Link{EdgeID: "e1", NodeID: "n2", Role: graph.RoleSource, Scope: scope}
	err := store.CreateLink(ctx, other)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDuplicate, pkgerrors.GetAppError(err).Code)

	// The other role is still free.
	target := &graph.Link{EdgeID: "e1", NodeID: "n2", Role: graph.RoleTarget, Scope: scope}
	assert.NoError(t, store.CreateLink(ctx, target))

	links, err := store.ListLinks(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestStore_DeleteLinksByEdge(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateLink(ctx, &graph.Link{EdgeID: "e1", NodeID: "n1", Role: graph.RoleSource, Scope: scope}))
	require.NoError(t, store.CreateLink(ctx, &graph.Link{EdgeID: "e1", NodeID: "n2", Role: graph.RoleTarget, Scope: scope}))
	require.NoError(t, store.CreateLink(ctx, &graph.Link{EdgeID: "e2", NodeID: "n1", Role: graph.RoleSource, Scope: scope}))

	require.NoError(t, store.DeleteLinksByEdge(ctx, scope, "e1"))

	links, err := store.ListLinks(ctx, scope)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "e2", links[0].EdgeID)
}

func TestStore_Audit_ListAndPurge(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now()

	old := &graph.AuditEntry{ID: "a1", Scope: scope, TargetID: "n1", Action: graph.ActionCreate, Timestamp: now.Add(-48 * time.Hour).UnixMilli()}
	fresh := &graph.AuditEntry{ID: "a2", Scope: scope, TargetID: "n1", Action: graph.ActionUpdate, Timestamp: now.UnixMilli()}
	require.NoError(t, store.RecordAudit(ctx, old))
	require.NoError(t, store.RecordAudit(ctx, fresh))

	entries, err := store.ListAudit(ctx, scope, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a2", entries[0].ID)

	purged, err := store.PurgeAuditBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	entries, err = store.ListAudit(ctx, scope, time.Unix(0, 0), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_Quota_CountsByOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	mine := testNode("n1", 1)
	require.NoError(t, store.CreateNode(ctx, mine))
	theirs := testNode("n2", 1)
	theirs.OwnerID = "u2"
	require.NoError(t, store.CreateNode(ctx, theirs))

	edge := &graph.Edge{ID: "e1", Scope: scope, RelationLabel: "links", Version: 1, LastEditorID: "u1"}
	require.NoError(t, store.CreateEdge(ctx, edge))

	usage, err := store.Quota(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.NodeCount)
	assert.Equal(t, 1, usage.EdgeCount)
	assert.Positive(t, usage.TotalBytes)
}

func TestStore_StoreSize_GrowsWithRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	before, err := store.StoreSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, before)

	require.NoError(t, store.CreateNode(ctx, testNode("n1", 1)))
	after, err := store.StoreSize(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)
}
