// Package sync is the server-side mutation pipeline: validate through the
// write-protection gateway, fan out to the session room, persist through the
// Store Adapter with per-target serialization, and resolve races
// deterministically.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"daygraph-backend/application/gateway"
	"daygraph-backend/application/room"
	"daygraph-backend/domain/events"
	"daygraph-backend/domain/graph"
	"daygraph-backend/infrastructure/persistence/abstractions"
	pkgerrors "daygraph-backend/pkg/errors"
)

// Metrics are the observation hooks the service reports into. Any field may
// be nil.
type Metrics struct {
	OnMutation func(eventType string, status events.AckStatus)
	OnConflict func(incomingWon bool)
	OnBroadcast func()
}

// Service processes mutation envelopes for all scopes.
type Service struct {
	hub      *room.Hub
	gate     *gateway.Gateway
	store    abstractions.Store
	logger   *zap.Logger
	targets  *keyedMutex
	acks     *ackCache
	maxDrift time.Duration
	metrics  Metrics
}

// NewService creates the mutation pipeline.
func NewService(
	hub *room.Hub,
	gate *gateway.Gateway,
	store abstractions.Store,
	maxDrift time.Duration,
	logger *zap.Logger,
	metrics Metrics,
) *Service {
	return &Service{
		hub:      hub,
		gate:     gate,
		store:    store,
		logger:   logger,
		targets:  newKeyedMutex(),
		acks:     newAckCache(4096),
		maxDrift: maxDrift,
		metrics:  metrics,
	}
}

// Snapshot assembles the sync payload a client receives on join: current
// participants, the scope's committed graph, recent committed events and a
// bounded slice of audit history.
func (s *Service) Snapshot(ctx context.Context, scope string, participants []events.Participant, recent []*events.Envelope) (*events.Envelope, error) {
	nodes, err := s.store.ListNodes(ctx, scope)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "loading scope nodes")
	}
	edges, err := s.store.ListEdges(ctx, scope)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "loading scope edges")
	}
	links, err := s.store.ListLinks(ctx, scope)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "loading scope links")
	}
	history, err := s.store.ListAudit(ctx, scope, time.Now().Add(-24*time.Hour), 50)
	if err != nil {
		// History display is best-effort; the snapshot is still usable.
		s.logger.Warn("loading scope history failed", zap.String("scope", scope), zap.Error(err))
		history = nil
	}
	return events.NewEnvelope(events.TypeSync, events.SyncPayload{
		Scope:        scope,
		Participants: participants,
		Nodes:        nodes,
		Edges:        edges,
		Links:        links,
		Recent:       recent,
		History:      history,
	})
}

// Process runs one mutation envelope from an originating connection through
// the full pipeline. All responses travel back through the room, so a
// connection that died mid-flight simply misses its ack and the client's
// pending-event timeout takes over.
func (s *Service) Process(ctx context.Context, scope, connectionID, userID string, env *events.Envelope) {
	// Replays of an already-processed event get their original outcome and
	// are not applied or rebroadcast again.
	if ack, seen := s.acks.Get(env.EventID); seen {
		s.hub.SendTo(scope, connectionID, ack)
		return
	}

	ack := s.process(ctx, scope, connectionID, userID, env)
	if ack == nil {
		return
	}
	s.acks.Put(env.EventID, ack)
	s.hub.SendTo(scope, connectionID, ack)

	if s.metrics.OnMutation != nil {
		if payload, err := ack.DecodePayload(); err == nil {
			if ackPayload, ok := payload.(*events.DataAckPayload); ok {
				s.metrics.OnMutation(string(env.Type), ackPayload.Status)
			}
		}
	}
}

func (s *Service) process(ctx context.Context, scope, connectionID, userID string, env *events.Envelope) *events.Envelope {
	payload, err := env.DecodePayload()
	if err != nil {
		return s.rejected(env.EventID, err)
	}
	if err := s.gate.CheckPayload(payload); err != nil {
		return s.rejected(env.EventID, err)
	}

	op, buildErr := buildOperation(userID, env.Type, payload)
	if buildErr != nil {
		return s.rejected(env.EventID, buildErr)
	}

	decision := s.gate.Validate(ctx, op)
	if !decision.Allowed {
		return s.rejectedAck(env.EventID, decision.Err)
	}

	// Fan out to peers before persistence so remote edits land with
	// optimistic-apply latency; any disagreement with the committed outcome
	// is repaired by the conflict-resolution broadcast below.
	s.hub.Broadcast(scope, env, connectionID)
	if s.metrics.OnBroadcast != nil {
		s.metrics.OnBroadcast()
	}

	now := time.Now()
	ts := clampTimestamp(env.Timestamp, now, s.maxDrift)

	var ackPayload events.DataAckPayload
	switch p := payload.(type) {
	case *events.EntityCreatePayload:
		ackPayload = s.commitEntityCreate(ctx, scope, userID, env, ts, p, decision.Reservation)
	case *events.EntityUpdatePayload:
		ackPayload = s.commitEntityUpdate(ctx, scope, userID, env, ts, p)
	case *events.EntityDeletePayload:
		ackPayload = s.commitEntityDelete(ctx, scope, userID, env, ts, p)
	case *events.RelationCreatePayload:
		ackPayload = s.commitRelationCreate(ctx, scope, userID, env, ts, p, decision.Reservation)
	case *events.RelationUpdatePayload:
		ackPayload = s.commitRelationUpdate(ctx, scope, userID, env, ts, p)
	case *events.RelationDeletePayload:
		ackPayload = s.commitRelationDelete(ctx, scope, userID, env, ts, p)
	case *events.RelationLinkCreatePayload:
		ackPayload = s.commitLinkCreate(ctx, scope, userID, env, ts, p)
	default:
		return s.rejected(env.EventID, pkgerrors.NewValidationError("event type is not a mutation"))
	}

	ackPayload.EventID = env.EventID
	if ackPayload.Status == events.AckSuccess {
		ackPayload.Warning = decision.Warning
		s.hub.RecordCommitted(scope, env)
	}
	ackEnv, err := events.NewEnvelope(events.TypeDataAck, ackPayload)
	if err != nil {
		s.logger.Error("building ack", zap.Error(err))
		return nil
	}
	return ackEnv
}

func (s *Service) commitEntityCreate(ctx context.Context, scope, userID string, env *events.Envelope, ts int64, p *events.EntityCreatePayload, reservation *gateway.Reservation) events.DataAckPayload {
	node := p.Node.Clone()
	node.Scope = scope
	if node.OwnerID == "" {
		node.OwnerID = userID
	}
	s.gate.SanitizeNode(node)
	if err := node.Validate(); err != nil {
		reservation.Release()
		return rejectedPayload(env.EventID, err)
	}
	s.resolveContainer(ctx, scope, node)

	now := time.Now().UnixMilli()
	node.Version = 1
	node.CreatedAt = now
	node.UpdatedAt = now
	node.LastEventID = env.EventID
	node.LastEditedAt = ts
	node.LastEditorID = userID

	unlock := s.targets.Lock(node.ID)
	defer unlock()

	if err := s.store.CreateNode(ctx, node); err != nil {
		reservation.Release()
		return rejectedPayload(env.EventID, err)
	}
	reservation.Commit()
	s.recordAudit(ctx, scope, node.ID, graph.TargetNode, graph.ActionCreate, userID, nil)
	return events.DataAckPayload{Status: events.AckSuccess, Version: node.Version}
}

func (s *Service) commitEntityUpdate(ctx context.Context, scope, userID string, env *events.Envelope, ts int64, p *events.EntityUpdatePayload) events.DataAckPayload {
	unlock := s.targets.Lock(p.NodeID)
	defer unlock()

	cur, err := s.store.GetNode(ctx, scope, p.NodeID)
	if err != nil {
		return rejectedPayload(env.EventID, err)
	}

	incomingWon := false
	loserEventID := ""
	if cur.Version != p.BaseVersion {
		// The row moved since the sender read it: a race.
		if !resolveIncomingWins(ts, env.EventID, cur.LastEditedAt, cur.LastEventID) {
			s.announceConflict(scope, events.ConflictResolutionPayload{
				TargetID:      p.NodeID,
				TargetKind:    graph.TargetNode,
				LoserEventID:  env.EventID,
				WinnerEventID: cur.LastEventID,
				Node:          cur,
			})
			if s.metrics.OnConflict != nil {
				s.metrics.OnConflict(false)
			}
			return events.DataAckPayload{Status: events.AckConflictResolved}
		}
		incomingWon = true
		loserEventID = cur.LastEventID
	}

	changes := p.Patch.Apply(cur)
	s.gate.SanitizeNode(cur)
	s.resolveContainer(ctx, scope, cur)
	cur.Version++
	cur.UpdatedAt = time.Now().UnixMilli()
	cur.LastEventID = env.EventID
	cur.LastEditedAt = ts
	cur.LastEditorID = userID

	if err := s.store.UpdateNode(ctx, cur); err != nil {
		return rejectedPayload(env.EventID, err)
	}
	if incomingWon {
		// The room hears the resolution only once the overwrite committed;
		// a failed persist must not make peers adopt state the store lacks.
		s.announceConflict(scope, events.ConflictResolutionPayload{
			TargetID:      p.NodeID,
			TargetKind:    graph.TargetNode,
			LoserEventID:  loserEventID,
			WinnerEventID: env.EventID,
			Node:          cur,
		})
		if s.metrics.OnConflict != nil {
			s.metrics.OnConflict(true)
		}
	}
	s.recordAudit(ctx, scope, cur.ID, graph.TargetNode, graph.ActionUpdate, userID, changes)
	return events.DataAckPayload{Status: events.AckSuccess, Version: cur.Version}
}

func (s *Service) commitEntityDelete(ctx context.Context, scope, userID string, env *events.Envelope, ts int64, p *events.EntityDeletePayload) events.DataAckPayload {
	unlock := s.targets.Lock(p.NodeID)
	defer unlock()

	cur, err := s.store.GetNode(ctx, scope, p.NodeID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			// Already gone; deleting twice is the same as deleting once.
			return events.DataAckPayload{Status: events.AckSuccess}
		}
		return rejectedPayload(env.EventID, err)
	}

	incomingWon := false
	loserEventID := ""
	if cur.Version != p.BaseVersion {
		if !resolveIncomingWins(ts, env.EventID, cur.LastEditedAt, cur.LastEventID) {
			s.announceConflict(scope, events.ConflictResolutionPayload{
				TargetID:      p.NodeID,
				TargetKind:    graph.TargetNode,
				LoserEventID:  env.EventID,
				WinnerEventID: cur.LastEventID,
				Node:          cur,
			})
			if s.metrics.OnConflict != nil {
				s.metrics.OnConflict(false)
			}
			return events.DataAckPayload{Status: events.AckConflictResolved}
		}
		incomingWon = true
		loserEventID = cur.LastEventID
	}

	if err := s.store.DeleteNode(ctx, scope, p.NodeID); err != nil {
		return rejectedPayload(env.EventID, err)
	}
	if incomingWon {
		s.announceConflict(scope, events.ConflictResolutionPayload{
			TargetID:      p.NodeID,
			TargetKind:    graph.TargetNode,
			LoserEventID:  loserEventID,
			WinnerEventID: env.EventID,
			Deleted:       true,
		})
		if s.metrics.OnConflict != nil {
			s.metrics.OnConflict(true)
		}
	}
	s.recordAudit(ctx, scope, p.NodeID, graph.TargetNode, graph.ActionDelete, userID, nil)
	return events.DataAckPayload{Status: events.AckSuccess}
}

func (s *Service) commitRelationCreate(ctx context.Context, scope, userID string, env *events.Envelope, ts int64, p *events.RelationCreatePayload, reservation *gateway.Reservation) events.DataAckPayload {
	edge := p.Edge.Clone()
	edge.Scope = scope
	assigned := ""
	if edge.ID == "" {
		edge.ID = uuid.NewString()
		assigned = edge.ID
	}
	s.gate.SanitizeEdge(edge)
	if err := edge.Validate(); err != nil {
		reservation.Release()
		return rejectedPayload(env.EventID, err)
	}

	now := time.Now().UnixMilli()
	edge.Version = 1
	edge.CreatedAt = now
	edge.UpdatedAt = now
	edge.LastEventID = env.EventID
	edge.LastEditedAt = ts
	edge.LastEditorID = userID

	unlock := s.targets.Lock(edge.ID)
	defer unlock()

	if err := s.store.CreateEdge(ctx, edge); err != nil {
		reservation.Release()
		return rejectedPayload(env.EventID, err)
	}
	reservation.Commit()
	s.recordAudit(ctx, scope, edge.ID, graph.TargetEdge, graph.ActionCreate, userID, nil)
	return events.DataAckPayload{Status: events.AckSuccess, Version: edge.Version, AssignedID: assigned}
}

func (s *Service) commitRelationUpdate(ctx context.Context, scope, userID string, env *events.Envelope, ts int64, p *events.RelationUpdatePayload) events.DataAckPayload {
	unlock := s.targets.Lock(p.EdgeID)
	defer unlock()

	cur, err := s.store.GetEdge(ctx, scope, p.EdgeID)
	if err != nil {
		return rejectedPayload(env.EventID, err)
	}

	incomingWon := false
	loserEventID := ""
	if cur.Version != p.BaseVersion {
		if !resolveIncomingWins(ts, env.EventID, cur.LastEditedAt, cur.LastEventID) {
			s.announceConflict(scope, events.ConflictResolutionPayload{
				TargetID:      p.EdgeID,
				TargetKind:    graph.TargetEdge,
				LoserEventID:  env.EventID,
				WinnerEventID: cur.LastEventID,
				Edge:          cur,
			})
			if s.metrics.OnConflict != nil {
				s.metrics.OnConflict(false)
			}
			return events.DataAckPayload{Status: events.AckConflictResolved}
		}
		incomingWon = true
		loserEventID = cur.LastEventID
	}

	changes := p.Patch.Apply(cur)
	s.gate.SanitizeEdge(cur)
	cur.Version++
	cur.UpdatedAt = time.Now().UnixMilli()
	cur.LastEventID = env.EventID
	cur.LastEditedAt = ts
	cur.LastEditorID = userID

	if err := s.store.UpdateEdge(ctx, cur); err != nil {
		return rejectedPayload(env.EventID, err)
	}
	if incomingWon {
		s.announceConflict(scope, events.ConflictResolutionPayload{
			TargetID:      p.EdgeID,
			TargetKind:    graph.TargetEdge,
			LoserEventID:  loserEventID,
			WinnerEventID: env.EventID,
			Edge:          cur,
		})
		if s.metrics.OnConflict != nil {
			s.metrics.OnConflict(true)
		}
	}
	s.recordAudit(ctx, scope, cur.ID, graph.TargetEdge, graph.ActionUpdate, userID, changes)
	return events.DataAckPayload{Status: events.AckSuccess, Version: cur.Version}
}

func (s *Service) commitRelationDelete(ctx context.Context, scope, userID string, env *events.Envelope, ts int64, p *events.RelationDeletePayload) events.DataAckPayload {
	unlock := s.targets.Lock(p.EdgeID)
	defer unlock()

	cur, err := s.store.GetEdge(ctx, scope, p.EdgeID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return events.DataAckPayload{Status: events.AckSuccess}
		}
		return rejectedPayload(env.EventID, err)
	}

	incomingWon := false
	loserEventID := ""
	if cur.Version != p.BaseVersion {
		if !resolveIncomingWins(ts, env.EventID, cur.LastEditedAt, cur.LastEventID) {
			s.announceConflict(scope, events.ConflictResolutionPayload{
				TargetID:      p.EdgeID,
				TargetKind:    graph.TargetEdge,
				LoserEventID:  env.EventID,
				WinnerEventID: cur.LastEventID,
				Edge:          cur,
			})
			if s.metrics.OnConflict != nil {
				s.metrics.OnConflict(false)
			}
			return events.DataAckPayload{Status: events.AckConflictResolved}
		}
		incomingWon = true
		loserEventID = cur.LastEventID
	}

	if err := s.store.DeleteEdge(ctx, scope, p.EdgeID); err != nil {
		return rejectedPayload(env.EventID, err)
	}
	if incomingWon {
		s.announceConflict(scope, events.ConflictResolutionPayload{
			TargetID:      p.EdgeID,
			TargetKind:    graph.TargetEdge,
			LoserEventID:  loserEventID,
			WinnerEventID: env.EventID,
			Deleted:       true,
		})
		if s.metrics.OnConflict != nil {
			s.metrics.OnConflict(true)
		}
	}
	if err := s.store.DeleteLinksByEdge(ctx, scope, p.EdgeID); err != nil {
		s.logger.Warn("orphaned links after edge delete",
			zap.String("edgeId", p.EdgeID), zap.Error(err))
	}
	s.recordAudit(ctx, scope, p.EdgeID, graph.TargetEdge, graph.ActionDelete, userID, nil)
	return events.DataAckPayload{Status: events.AckSuccess}
}

func (s *Service) commitLinkCreate(ctx context.Context, scope, userID string, env *events.Envelope, ts int64, p *events.RelationLinkCreatePayload) events.DataAckPayload {
	link := p.Link
	link.Scope = scope
	if err := link.Validate(); err != nil {
		return rejectedPayload(env.EventID, err)
	}
	link.CreatedAt = time.Now().UnixMilli()

	unlock := s.targets.Lock(link.EdgeID)
	defer unlock()

	// The edge must exist; the node end may arrive later or never, the
	// dangling case is tolerated on read.
	if _, err := s.store.GetEdge(ctx, scope, link.EdgeID); err != nil {
		return rejectedPayload(env.EventID, err)
	}
	if err := s.store.CreateLink(ctx, &link); err != nil {
		return rejectedPayload(env.EventID, err)
	}
	s.recordAudit(ctx, scope, link.EdgeID, graph.TargetLink, graph.ActionCreate, userID, []graph.FieldChange{
		{Field: string(link.Role), NewValue: link.NodeID},
	})
	return events.DataAckPayload{Status: events.AckSuccess}
}

// resolveContainer clears a container reference that does not point at an
// existing container node in the scope. Dangling references mean "no
// container", never an error.
func (s *Service) resolveContainer(ctx context.Context, scope string, node *graph.Node) {
	if node.ContainerID == "" {
		return
	}
	container, err := s.store.GetNode(ctx, scope, node.ContainerID)
	if err != nil || container.Kind != graph.KindContainer {
		node.ContainerID = ""
	}
}

// announceConflict broadcasts the resolution to the whole room. The loser
// additionally receives a targeted conflict-resolved ack from the caller, so
// its rollback does not depend on this broadcast arriving.
func (s *Service) announceConflict(scope string, payload events.ConflictResolutionPayload) {
	env, err := events.NewEnvelope(events.TypeConflictResolution, payload)
	if err != nil {
		s.logger.Error("building conflict resolution", zap.Error(err))
		return
	}
	s.hub.Broadcast(scope, env)
}

// recordAudit appends audit entries for a commit. Audit feeds history
// display only, so a failed write is logged and swallowed rather than
// failing the mutation.
func (s *Service) recordAudit(ctx context.Context, scope, targetID string, kind graph.TargetKind, action graph.AuditAction, editorID string, changes []graph.FieldChange) {
	now := time.Now().UnixMilli()
	write := func(entry *graph.AuditEntry) {
		if err := s.store.RecordAudit(ctx, entry); err != nil {
			s.logger.Warn("audit write failed",
				zap.String("targetId", targetID), zap.Error(err))
		}
	}
	if len(changes) == 0 {
		write(&graph.AuditEntry{
			ID:         uuid.NewString(),
			Scope:      scope,
			TargetID:   targetID,
			TargetKind: kind,
			Action:     action,
			EditorID:   editorID,
			Timestamp:  now,
		})
		return
	}
	for _, change := range changes {
		write(&graph.AuditEntry{
			ID:         uuid.NewString(),
			Scope:      scope,
			TargetID:   targetID,
			TargetKind: kind,
			Action:     action,
			Field:      change.Field,
			OldValue:   change.OldValue,
			NewValue:   change.NewValue,
			EditorID:   editorID,
			Timestamp:  now,
		})
	}
}

// buildOperation translates a typed payload into the gateway's view of it.
func buildOperation(userID string, t events.EventType, payload any) (gateway.Operation, error) {
	op := gateway.Operation{UserID: userID}
	switch p := payload.(type) {
	case *events.EntityCreatePayload:
		op.Action = graph.ActionCreate
		op.TargetKind = graph.TargetNode
		op.Label = p.Node.Label
		op.Properties = p.Node.Properties
	case *events.EntityUpdatePayload:
		op.Action = graph.ActionUpdate
		op.TargetKind = graph.TargetNode
		if p.Patch.Label != nil {
			op.Label = *p.Patch.Label
		}
		if p.Patch.Properties != nil {
			op.Properties = *p.Patch.Properties
		}
	case *events.EntityDeletePayload:
		op.Action = graph.ActionDelete
		op.TargetKind = graph.TargetNode
	case *events.RelationCreatePayload:
		op.Action = graph.ActionCreate
		op.TargetKind = graph.TargetEdge
		op.Label = p.Edge.RelationLabel
		op.Properties = p.Edge.Properties
	case *events.RelationUpdatePayload:
		op.Action = graph.ActionUpdate
		op.TargetKind = graph.TargetEdge
		if p.Patch.RelationLabel != nil {
			op.Label = *p.Patch.RelationLabel
		}
		if p.Patch.Properties != nil {
			op.Properties = *p.Patch.Properties
		}
	case *events.RelationDeletePayload:
		op.Action = graph.ActionDelete
		op.TargetKind = graph.TargetEdge
	case *events.RelationLinkCreatePayload:
		op.Action = graph.ActionCreate
		op.TargetKind = graph.TargetLink
	default:
		return op, pkgerrors.NewValidationError("event type is not a mutation")
	}
	return op, nil
}

func (s *Service) rejected(eventID string, err error) *events.Envelope {
	appErr := pkgerrors.GetAppError(err)
	if appErr == nil {
		appErr = pkgerrors.NewInternalError("something went wrong, please retry")
	}
	return s.rejectedAck(eventID, appErr)
}

func (s *Service) rejectedAck(eventID string, appErr *pkgerrors.AppError) *events.Envelope {
	env, err := events.NewRejectedAck(eventID, appErr)
	if err != nil {
		s.logger.Error("building rejection ack", zap.Error(err))
		return nil
	}
	return env
}

func rejectedPayload(eventID string, err error) events.DataAckPayload {
	appErr := pkgerrors.GetAppError(err)
	if appErr == nil {
		appErr = pkgerrors.NewInternalError("something went wrong, please retry")
	}
	return events.DataAckPayload{
		EventID:    eventID,
		Status:     events.AckRejected,
		Code:       appErr.Code,
		Reason:     appErr.Message,
		RetryAfter: appErr.RetryAfter,
	}
}
