// Package resilience wraps a Store Adapter with bounded-retry and
// circuit-breaker behavior. Transient store failures are retried with
// exponential backoff and jitter; a run of failures opens the breaker so a
// struggling backend is not hammered by every connected editor at once.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"daygraph-backend/domain/graph"
	"daygraph-backend/infrastructure/persistence/abstractions"
	pkgerrors "daygraph-backend/pkg/errors"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	jitter := backoff * c.JitterFactor * (rand.Float64() - 0.5) * 2
	d := time.Duration(backoff + jitter)
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Store decorates an abstractions.Store with retries and a circuit breaker.
type Store struct {
	inner   abstractions.Store
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	onRetry func() // metrics hook, may be nil
}

// NewStore wraps the given store.
func NewStore(inner abstractions.Store, retry RetryConfig, logger *zap.Logger, onRetry func()) *Store {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only infrastructure trouble should open the breaker; not-found,
		// duplicates and version conflicts are normal outcomes.
		IsSuccessful: func(err error) bool {
			return err == nil || !pkgerrors.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Store{inner: inner, retry: retry, breaker: breaker, logger: logger, onRetry: onRetry}
}

// do runs fn through the breaker with bounded retries on transient errors.
// Policy rejections and permanent errors pass through untouched; exhausted
// retries surface as a transient error the caller maps to a "try again" ack.
func (s *Store) do(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if s.onRetry != nil {
				s.onRetry()
			}
			timer := time.NewTimer(s.retry.delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return pkgerrors.NewTransientError(operation, ctx.Err())
			case <-timer.C:
			}
		}
		_, err := s.breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return pkgerrors.NewTransientError(operation, err)
		}
		if !pkgerrors.IsTransient(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("transient store failure, retrying",
			zap.String("operation", operation), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return pkgerrors.NewTransientError(operation, lastErr)
}

func (s *Store) CreateNode(ctx context.Context, node *graph.Node) error {
	return s.do(ctx, "create node", func() error { return s.inner.CreateNode(ctx, node) })
}

func (s *Store) GetNode(ctx context.Context, scope, nodeID string) (*graph.Node, error) {
	var out *graph.Node
	err := s.do(ctx, "read node", func() error {
		var err error
		out, err = s.inner.GetNode(ctx, scope, nodeID)
		return err
	})
	return out, err
}

func (s *Store) UpdateNode(ctx context.Context, node *graph.Node) error {
	return s.do(ctx, "update node", func() error { return s.inner.UpdateNode(ctx, node) })
}

func (s *Store) DeleteNode(ctx context.Context, scope, nodeID string) error {
	return s.do(ctx, "delete node", func() error { return s.inner.DeleteNode(ctx, scope, nodeID) })
}

func (s *Store) ListNodes(ctx context.Context, scope string) ([]*graph.Node, error) {
	var out []*graph.Node
	err := s.do(ctx, "list nodes", func() error {
		var err error
		out, err = s.inner.ListNodes(ctx, scope)
		return err
	})
	return out, err
}

func (s *Store) CreateEdge(ctx context.Context, edge *graph.Edge) error {
	return s.do(ctx, "create edge", func() error { return s.inner.CreateEdge(ctx, edge) })
}

func (s *Store) GetEdge(ctx context.Context, scope, edgeID string) (*graph.Edge, error) {
	var out *graph.Edge
	err := s.do(ctx, "read edge", func() error {
		var err error
		out, err = s.inner.GetEdge(ctx, scope, edgeID)
		return err
	})
	return out, err
}

func (s *Store) UpdateEdge(ctx context.Context, edge *graph.Edge) error {
	return s.do(ctx, "update edge", func() error { return s.inner.UpdateEdge(ctx, edge) })
}

func (s *Store) DeleteEdge(ctx context.Context, scope, edgeID string) error {
	return s.do(ctx, "delete edge", func() error { return s.inner.DeleteEdge(ctx, scope, edgeID) })
}

func (s *Store) ListEdges(ctx context.Context, scope string) ([]*graph.Edge, error) {
	var out []*graph.Edge
	err := s.do(ctx, "list edges", func() error {
		var err error
		out, err = s.inner.ListEdges(ctx, scope)
		return err
	})
	return out, err
}

func (s *Store) CreateLink(ctx context.Context, link *graph.Link) error {
	return s.do(ctx, "create link", func() error { return s.inner.CreateLink(ctx, link) })
}

func (s *Store) DeleteLinksByEdge(ctx context.Context, scope, edgeID string) error {
	return s.do(ctx, "delete links", func() error { return s.inner.DeleteLinksByEdge(ctx, scope, edgeID) })
}

func (s *Store) ListLinks(ctx context.Context, scope string) ([]*graph.Link, error) {
	var out []*graph.Link
	err := s.do(ctx, "list links", func() error {
		var err error
		out, err = s.inner.ListLinks(ctx, scope)
		return err
	})
	return out, err
}

func (s *Store) RecordAudit(ctx context.Context, entry *graph.AuditEntry) error {
	return s.do(ctx, "record audit", func() error { return s.inner.RecordAudit(ctx, entry) })
}

func (s *Store) ListAudit(ctx context.Context, scope string, since time.Time, limit int) ([]*graph.AuditEntry, error) {
	var out []*graph.AuditEntry
	err := s.do(ctx, "list audit", func() error {
		var err error
		out, err = s.inner.ListAudit(ctx, scope, since, limit)
		return err
	})
	return out, err
}

func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var out int
	err := s.do(ctx, "purge audit", func() error {
		var err error
		out, err = s.inner.PurgeAuditBefore(ctx, cutoff)
		return err
	})
	return out, err
}

func (s *Store) Quota(ctx context.Context, userID string) (abstractions.QuotaUsage, error) {
	var out abstractions.QuotaUsage
	err := s.do(ctx, "read quota", func() error {
		var err error
		out, err = s.inner.Quota(ctx, userID)
		return err
	})
	return out, err
}

func (s *Store) StoreSize(ctx context.Context) (int64, error) {
	var out int64
	err := s.do(ctx, "read store size", func() error {
		var err error
		out, err = s.inner.StoreSize(ctx)
		return err
	})
	return out, err
}
