package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"daygraph-backend/application/room"
	appsync "daygraph-backend/application/sync"
	"daygraph-backend/domain/events"
	"daygraph-backend/infrastructure/config"
	pkgerrors "daygraph-backend/pkg/errors"
)

// Handler upgrades HTTP requests to websocket sessions and drives their read
// loops.
type Handler struct {
	hub      *room.Hub
	service  *appsync.Service
	upgrader websocket.Upgrader
	logger   *zap.Logger

	sendBuffer    int
	sendTimeout   time.Duration
	heartbeat     time.Duration
	maxFrameBytes int64
}

// NewHandler creates the websocket handler.
func NewHandler(hub *room.Hub, service *appsync.Service, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		hub:     hub,
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the app origin; cross-origin
			// policy is enforced at the HTTP layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:        logger,
		sendBuffer:    cfg.SendBuffer,
		sendTimeout:   cfg.SendTimeout,
		heartbeat:     cfg.HeartbeatPeriod,
		maxFrameBytes: cfg.MaxFrameBytes,
	}
}

// ServeScope handles GET /ws/{scope}: upgrade, handshake, join, read loop.
func (h *Handler) ServeScope(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if scope == "" {
		http.Error(w, "scope required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(ws, scope, h.sendBuffer, h.sendTimeout, h.heartbeat, h.logger)
	go conn.writePump()

	ws.SetReadLimit(h.maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
		return nil
	})

	h.readLoop(r.Context(), conn)
}

// readLoop consumes frames until the socket dies. The first frame must be a
// sync-user identifying the client; everything before that is dropped.
func (h *Handler) readLoop(ctx context.Context, conn *Connection) {
	joined := false
	defer func() {
		conn.close()
		if joined {
			h.hub.Leave(conn.scope, conn.id)
		}
		h.logger.Info("connection closed",
			zap.String("connectionId", conn.id),
			zap.String("scope", conn.scope),
			zap.String("userId", conn.userID))
	}()

	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("read failed",
					zap.String("connectionId", conn.id), zap.Error(err))
			}
			return
		}

		env, err := events.DecodeEnvelope(frame)
		if err != nil {
			h.logger.Warn("malformed frame dropped",
				zap.String("connectionId", conn.id), zap.Error(err))
			continue
		}

		if !joined {
			if env.Type != events.TypeSyncUser {
				continue
			}
			if err := h.join(ctx, conn, env); err != nil {
				h.logger.Error("join failed",
					zap.String("connectionId", conn.id), zap.Error(err))
				return
			}
			joined = true
			continue
		}

		h.dispatch(ctx, conn, env)
	}
}

// join registers the connection in its scope's room and replies with the
// full scope snapshot.
func (h *Handler) join(ctx context.Context, conn *Connection, env *events.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	syncUser, ok := payload.(*events.SyncUserPayload)
	if !ok {
		return pkgerrors.NewValidationError("sync-user payload expected")
	}
	conn.userID = syncUser.UserID

	participants, recent := h.hub.Join(conn.scope, conn)
	snapshot, err := h.service.Snapshot(ctx, conn.scope, participants, recent)
	if err != nil {
		return err
	}
	h.logger.Info("connection joined",
		zap.String("connectionId", conn.id),
		zap.String("scope", conn.scope),
		zap.String("userId", conn.userID),
		zap.Int("participants", len(participants)))
	return conn.SendEnvelope(snapshot)
}

func (h *Handler) dispatch(ctx context.Context, conn *Connection, env *events.Envelope) {
	switch {
	case env.Type == events.TypeSelection:
		payload, err := env.DecodePayload()
		if err != nil {
			return
		}
		if selection, ok := payload.(*events.SelectionPayload); ok {
			h.hub.SetSelection(conn.scope, conn.id, env, selection.NodeID)
		}
	case env.IsMutation():
		h.service.Process(ctx, conn.scope, conn.id, conn.userID, env)
	default:
		h.logger.Debug("unexpected frame type",
			zap.String("connectionId", conn.id),
			zap.String("type", string(env.Type)))
	}
}
