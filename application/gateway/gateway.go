// Package gateway implements the write-protection layer every mutation must
// clear before persistence: per-user sliding-window rate limits, payload
// size budgets, per-user quotas and an aggregate store-size ceiling, checked
// in that order with a short-circuit on the first failure.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"daygraph-backend/domain/graph"
	"daygraph-backend/infrastructure/config"
	"daygraph-backend/infrastructure/persistence/abstractions"
	pkgerrors "daygraph-backend/pkg/errors"
)

// Operation describes a mutation to validate.
type Operation struct {
	UserID     string
	Action     graph.AuditAction
	TargetKind graph.TargetKind
	Label      string            // node label or edge relation label
	Properties map[string]string // nil for operations without properties
}

// Decision is the outcome of validation. When Allowed, Reservation (non-nil
// for creates by identified users) must be committed after a successful
// persist or released after a failed one, and Warning may carry an advisory
// for the originating client.
type Decision struct {
	Allowed     bool
	Err         *pkgerrors.AppError
	Warning     string
	Reservation *Reservation
}

// Gateway validates mutations against the configured protection limits.
// One instance per process, shared by every connection.
type Gateway struct {
	limits  *config.LimitsProvider
	rates   *RateLimiter
	quota   *QuotaTracker
	store   abstractions.Store
	logger  *zap.Logger
	checker *validator.Validate

	// Store size is polled lazily and cached; the bloat check tolerates
	// a snapshot as stale as the refresh period.
	sizeMu        sync.Mutex
	sizeBytes     int64
	sizeFetchedAt time.Time
	sizeRefresh   time.Duration

	onRejection func(code string) // metrics hook, may be nil
}

// New creates a gateway.
func New(
	limits *config.LimitsProvider,
	store abstractions.Store,
	quotaRefresh time.Duration,
	logger *zap.Logger,
	onRejection func(code string),
) *Gateway {
	return &Gateway{
		limits:      limits,
		rates:       NewRateLimiter(),
		quota:       NewQuotaTracker(store, quotaRefresh, logger),
		store:       store,
		logger:      logger,
		checker:     validator.New(),
		sizeRefresh: quotaRefresh,
		onRejection: onRejection,
	}
}

// CheckPayload runs struct-tag validation on a decoded event payload. This
// catches malformed requests before they reach the policy checks.
func (g *Gateway) CheckPayload(payload any) error {
	if err := g.checker.Struct(payload); err != nil {
		return pkgerrors.NewValidationError("event payload failed validation").WithCause(err)
	}
	return nil
}

// Validate runs the protection pipeline for one mutation. Checks run in a
// fixed order and short-circuit: rate limits, size, quota (creates only),
// aggregate store size. Rate counters increment only after everything
// passed, so a rejected attempt costs the user nothing.
func (g *Gateway) Validate(ctx context.Context, op Operation) Decision {
	limits := g.limits.Current()

	// 1. Rate limit. Anonymous operations bypass per-user limiting.
	if op.UserID != "" {
		caps := RateCaps{PerMinute: limits.RatePerMinute, PerHour: limits.RatePerHour, PerDay: limits.RatePerDay}
		if ok, window, retryAfter := g.rates.Check(op.UserID, caps); !ok {
			return g.reject(pkgerrors.NewRateLimitError(window, int(retryAfter.Seconds()+0.5)))
		}
	}

	// 2. Size validation. The whole operation is rejected; no truncation.
	if limits.MaxLabelLength > 0 && len([]rune(op.Label)) > limits.MaxLabelLength {
		return g.reject(pkgerrors.NewValidationError(
			fmt.Sprintf("label exceeds %d characters", limits.MaxLabelLength)).
			WithCode(pkgerrors.CodeLabelTooLong))
	}
	if op.Properties != nil && limits.MaxPropertyBytes > 0 {
		if size := serializedSize(op.Properties); size > limits.MaxPropertyBytes {
			return g.reject(pkgerrors.NewValidationError(
				fmt.Sprintf("properties payload is %d bytes, budget is %d", size, limits.MaxPropertyBytes)).
				WithCode(pkgerrors.CodePayloadTooLarge))
		}
	}

	// 3. Per-user quota, creates only.
	var reservation *Reservation
	if op.Action == graph.ActionCreate {
		var err error
		reservation, err = g.quota.Reserve(ctx, op.UserID, op.TargetKind,
			limits.MaxNodesPerUser, limits.MaxEdgesPerUser)
		if err != nil {
			return g.reject(pkgerrors.GetAppError(err))
		}
	}

	// 4. Aggregate store-size bloat check.
	warning := ""
	size, err := g.storeSize(ctx)
	if err != nil {
		// The ceiling is a protective backstop; a failed size probe must not
		// take editing down with it.
		g.logger.Warn("store size probe failed, skipping bloat check", zap.Error(err))
	} else {
		if limits.StoreMaxBytes > 0 && size >= limits.StoreMaxBytes {
			reservation.Release()
			return g.reject(pkgerrors.NewStoreFullError())
		}
		if limits.StoreWarnBytes > 0 && size >= limits.StoreWarnBytes {
			warning = "the shared graph is nearing its size limit"
		}
	}

	if op.UserID != "" {
		g.rates.Record(op.UserID)
	}
	return Decision{Allowed: true, Warning: warning, Reservation: reservation}
}

// SanitizeNode applies the defensive sanitation layer to a node in place.
func (g *Gateway) SanitizeNode(node *graph.Node) {
	limits := g.limits.Current()
	node.Label = SanitizeLabel(node.Label, limits.MaxLabelLength)
	node.Properties = SanitizeProperties(node.Properties, limits.MaxPropertyBytes)
}

// SanitizeEdge applies the defensive sanitation layer to an edge in place.
func (g *Gateway) SanitizeEdge(edge *graph.Edge) {
	limits := g.limits.Current()
	edge.RelationLabel = SanitizeLabel(edge.RelationLabel, limits.MaxLabelLength)
	edge.Properties = SanitizeProperties(edge.Properties, limits.MaxPropertyBytes)
}

// Cleanup releases idle rate-limit state. Run periodically.
func (g *Gateway) Cleanup() {
	g.rates.Cleanup()
}

func (g *Gateway) reject(appErr *pkgerrors.AppError) Decision {
	if g.onRejection != nil {
		g.onRejection(appErr.Code)
	}
	return Decision{Allowed: false, Err: appErr}
}

func (g *Gateway) storeSize(ctx context.Context) (int64, error) {
	g.sizeMu.Lock()
	defer g.sizeMu.Unlock()
	if time.Since(g.sizeFetchedAt) < g.sizeRefresh {
		return g.sizeBytes, nil
	}
	size, err := g.store.StoreSize(ctx)
	if err != nil {
		return 0, err
	}
	g.sizeBytes = size
	g.sizeFetchedAt = time.Now()
	return size, nil
}
