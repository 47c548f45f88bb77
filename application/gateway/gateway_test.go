package gateway_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"daygraph-backend/application/gateway"
	"daygraph-backend/domain/graph"
	"daygraph-backend/infrastructure/config"
	"daygraph-backend/infrastructure/persistence/memory"
	pkgerrors "daygraph-backend/pkg/errors"
)

func testLimits() config.Limits {
	return config.Limits{
		RatePerMinute:    5,
		RatePerHour:      100,
		RatePerDay:       1000,
		MaxLabelLength:   20,
		MaxPropertyBytes: 256,
		MaxNodesPerUser:  3,
		MaxEdgesPerUser:  3,
		StoreWarnBytes:   0,
		StoreMaxBytes:    0,
	}
}

func newGateway(t *testing.T, limits config.Limits) (*gateway.Gateway, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	provider := config.NewLimitsProvider(limits)
	gate := gateway.New(provider, store, time.Minute, zap.NewNop(), nil)
	return gate, store
}

func createOp(userID string) gateway.Operation {
	return gateway.Operation{
		UserID:     userID,
		Action:     graph.ActionCreate,
		TargetKind: graph.TargetNode,
		Label:      "a node",
	}
}

func TestGateway_RateLimit_RejectsPastCap(t *testing.T) {
	gate, _ := newGateway(t, testLimits())
	ctx := context.Background()

	op := gateway.Operation{UserID: "u1", Action: graph.ActionUpdate, TargetKind: graph.TargetNode, Label: "x"}
	for i := 0; i < 5; i++ {
		decision := gate.Validate(ctx, op)
		require.True(t, decision.Allowed, "operation %d should pass", i)
	}

	decision := gate.Validate(ctx, op)
	require.False(t, decision.Allowed)
	assert.Equal(t, pkgerrors.CodeRateLimited, decision.Err.Code)
	assert.GreaterOrEqual(t, decision.Err.RetryAfter, 1)
}

func TestGateway_RateLimit_RejectionsDoNotConsume(t *testing.T) {
	limits := testLimits()
	limits.RatePerMinute = 2
	gate, _ := newGateway(t, limits)
	ctx := context.Background()

	op := gateway.Operation{UserID: "u1", Action: graph.ActionUpdate, TargetKind: graph.TargetNode, Label: "x"}
	require.True(t, gate.Validate(ctx, op).Allowed)

	// A size rejection happens after the rate check but before Record, so it
	// must not count against the window.
	oversized := op
	oversized.Label = strings.Repeat("x", 100)
	for i := 0; i < 10; i++ {
		require.False(t, gate.Validate(ctx, oversized).Allowed)
	}

	// One slot should still be free.
	assert.True(t, gate.Validate(ctx, op).Allowed)
}

func TestGateway_RateLimit_AnonymousBypasses(t *testing.T) {
	limits := testLimits()
	limits.RatePerMinute = 1
	gate, _ := newGateway(t, limits)
	ctx := context.Background()

	op := gateway.Operation{UserID: "", Action: graph.ActionUpdate, TargetKind: graph.TargetNode, Label: "x"}
	for i := 0; i < 10; i++ {
		assert.True(t, gate.Validate(ctx, op).Allowed)
	}
}

func TestGateway_LabelTooLong(t *testing.T) {
	gate, _ := newGateway(t, testLimits())

	op := createOp("u1")
	op.Label = strings.Repeat("a", 21)
	decision := gate.Validate(context.Background(), op)
	require.False(t, decision.Allowed)
	assert.Equal(t, pkgerrors.CodeLabelTooLong, decision.Err.Code)
}

func TestGateway_LabelLength_CountsRunes(t *testing.T) {
	gate, _ := newGateway(t, testLimits())

	// 20 multibyte runes are within a 20-character budget even though the
	// byte count is larger.
	op := createOp("u1")
	op.Label = strings.Repeat("日", 20)
	assert.True(t, gate.Validate(context.Background(), op).Allowed)
}

func TestGateway_PropertiesTooLarge(t *testing.T) {
	gate, _ := newGateway(t, testLimits())

	op := createOp("u1")
	op.Properties = map[string]string{"notes": strings.Repeat("x", 500)}
	decision := gate.Validate(context.Background(), op)
	require.False(t, decision.Allowed)
	assert.Equal(t, pkgerrors.CodePayloadTooLarge, decision.Err.Code)
}

func TestGateway_Quota_ConcurrentCreatesAdmitExactlyLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxNodesPerUser = 3
	limits.RatePerMinute = 0 // rate caps off, quota is the subject here
	limits.RatePerHour = 0
	limits.RatePerDay = 0
	gate, _ := newGateway(t, limits)
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	results := make([]gateway.Decision, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = gate.Validate(ctx, createOp("u1"))
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, decision := range results {
		if decision.Allowed {
			admitted++
			decision.Reservation.Commit()
		} else {
			assert.Equal(t, pkgerrors.CodeEntityLimit, decision.Err.Code)
		}
	}
	assert.Equal(t, 3, admitted)
}

func TestGateway_Quota_ReleasedSlotIsReusable(t *testing.T) {
	limits := testLimits()
	limits.MaxNodesPerUser = 1
	gate, _ := newGateway(t, limits)
	ctx := context.Background()

	first := gate.Validate(ctx, createOp("u1"))
	require.True(t, first.Allowed)

	// While the slot is held, a second create is over quota.
	second := gate.Validate(ctx, createOp("u1"))
	require.False(t, second.Allowed)

	// Persist failed; the slot comes back.
	first.Reservation.Release()
	third := gate.Validate(ctx, createOp("u1"))
	assert.True(t, third.Allowed)
}

func TestGateway_Quota_UpdatesSkipQuota(t *testing.T) {
	limits := testLimits()
	limits.MaxNodesPerUser = 1
	gate, _ := newGateway(t, limits)
	ctx := context.Background()

	first := gate.Validate(ctx, createOp("u1"))
	require.True(t, first.Allowed)
	first.Reservation.Commit()

	op := gateway.Operation{UserID: "u1", Action: graph.ActionUpdate, TargetKind: graph.TargetNode, Label: "x"}
	assert.True(t, gate.Validate(ctx, op).Allowed)
}

func TestGateway_Bloat_HardCeilingRejects(t *testing.T) {
	limits := testLimits()
	limits.StoreMaxBytes = 1 // any record at all exceeds this
	gate, store := newGateway(t, limits)
	ctx := context.Background()

	seed := &graph.Node{ID: "n0", Scope: "s", Kind: graph.KindEntity, Label: "seed", Visibility: graph.VisibilityPublic, Version: 1}
	require.NoError(t, store.CreateNode(ctx, seed))

	decision := gate.Validate(ctx, createOp("u1"))
	require.False(t, decision.Allowed)
	assert.Equal(t, pkgerrors.CodeStoreFull, decision.Err.Code)
}

func TestGateway_Bloat_WarnThresholdAnnotates(t *testing.T) {
	limits := testLimits()
	limits.StoreWarnBytes = 1
	limits.StoreMaxBytes = 1 << 30
	gate, store := newGateway(t, limits)
	ctx := context.Background()

	seed := &graph.Node{ID: "n0", Scope: "s", Kind: graph.KindEntity, Label: "seed", Visibility: graph.VisibilityPublic, Version: 1}
	require.NoError(t, store.CreateNode(ctx, seed))

	decision := gate.Validate(ctx, createOp("u1"))
	require.True(t, decision.Allowed)
	assert.NotEmpty(t, decision.Warning)
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "hello", gateway.SanitizeLabel("  hello  ", 20))
	assert.Equal(t, "abc", gateway.SanitizeLabel("abcdef", 3))
	assert.Equal(t, "日本語", gateway.SanitizeLabel("日本語テキスト", 3))
}

func TestSanitizeProperties_OversizedBecomesEmpty(t *testing.T) {
	props := map[string]string{"notes": strings.Repeat("x", 1000)}
	out := gateway.SanitizeProperties(props, 64)
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestSanitizeProperties_TrimsKeysAndValues(t *testing.T) {
	out := gateway.SanitizeProperties(map[string]string{" color ": " blue "}, 1024)
	assert.Equal(t, map[string]string{"color": "blue"}, out)
}
