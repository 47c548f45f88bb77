package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"daygraph-backend/domain/graph"
	"daygraph-backend/infrastructure/persistence/abstractions"
	pkgerrors "daygraph-backend/pkg/errors"
)

// QuotaTracker enforces per-user ceilings on live node and edge counts.
//
// Usage is a cached snapshot from the Store Adapter refreshed on a fixed
// interval, plus an in-memory delta of reservations made since the snapshot.
// Reservation is check-and-increment under the user's own lock, so N
// concurrent creates against a ceiling of K admit exactly K - a stale cache
// can never let two creates both claim the last slot.
type QuotaTracker struct {
	store   abstractions.Store
	refresh time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	users map[string]*quotaEntry
}

type quotaEntry struct {
	mu        sync.Mutex
	usage     abstractions.QuotaUsage
	fetchedAt time.Time
	// In-flight and committed-since-snapshot reservations.
	nodeDelta int
	edgeDelta int
}

// NewQuotaTracker creates a quota tracker backed by the given store.
func NewQuotaTracker(store abstractions.Store, refresh time.Duration, logger *zap.Logger) *QuotaTracker {
	return &QuotaTracker{
		store:   store,
		refresh: refresh,
		logger:  logger,
		users:   make(map[string]*quotaEntry),
	}
}

// Reserve claims a slot for a new record of the given kind, or rejects with
// the quota reason. Anonymous operations (empty user id) bypass quotas.
func (q *QuotaTracker) Reserve(ctx context.Context, userID string, kind graph.TargetKind, nodeLimit, edgeLimit int) (*Reservation, error) {
	if userID == "" {
		return nil, nil
	}
	entry := q.entry(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if time.Since(entry.fetchedAt) >= q.refresh {
		usage, err := q.store.Quota(ctx, userID)
		if err != nil {
			// A stale snapshot beats blocking every create on a struggling
			// store; the delta still bounds concurrent overshoot.
			q.logger.Warn("quota refresh failed, using cached snapshot",
				zap.String("userId", userID), zap.Error(err))
		} else {
			entry.usage = usage
			entry.nodeDelta = 0
			entry.edgeDelta = 0
			entry.fetchedAt = time.Now()
		}
	}

	switch kind {
	case graph.TargetNode:
		if nodeLimit > 0 && entry.usage.NodeCount+entry.nodeDelta >= nodeLimit {
			return nil, pkgerrors.NewQuotaError("entity limit reached", pkgerrors.CodeEntityLimit)
		}
		entry.nodeDelta++
	case graph.TargetEdge:
		if edgeLimit > 0 && entry.usage.EdgeCount+entry.edgeDelta >= edgeLimit {
			return nil, pkgerrors.NewQuotaError("relation limit reached", pkgerrors.CodeRelationLimit)
		}
		entry.edgeDelta++
	default:
		return nil, nil
	}
	return &Reservation{tracker: q, userID: userID, kind: kind}, nil
}

// Release returns a reserved slot after a failed persist.
func (q *QuotaTracker) release(userID string, kind graph.TargetKind) {
	entry := q.entry(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	switch kind {
	case graph.TargetNode:
		if entry.nodeDelta > 0 {
			entry.nodeDelta--
		}
	case graph.TargetEdge:
		if entry.edgeDelta > 0 {
			entry.edgeDelta--
		}
	}
}

func (q *QuotaTracker) entry(userID string) *quotaEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.users[userID]
	if !ok {
		// Zero fetchedAt forces a snapshot on first reservation.
		entry = &quotaEntry{}
		q.users[userID] = entry
	}
	return entry
}

// Reservation is a claimed quota slot. Commit keeps the claim (the record
// was persisted); Release returns it (persist failed or a later check
// rejected the operation). Both are idempotent; a nil Reservation is a no-op.
type Reservation struct {
	tracker *QuotaTracker
	userID  string
	kind    graph.TargetKind
	done    bool
	mu      sync.Mutex
}

// Commit finalizes the reservation.
func (r *Reservation) Commit() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	// The delta keeps counting the record until the next snapshot refresh
	// folds it into usage, so nothing to move here.
}

// Release returns the reserved slot.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.tracker.release(r.userID, r.kind)
}
