// Package ws exposes the sync engine over websockets. One connection joins
// exactly one scope's room and stays until the socket closes.
package ws

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"daygraph-backend/domain/events"
	pkgerrors "daygraph-backend/pkg/errors"
)

// Connection wraps one websocket and implements the room Sender port. Frames
// are queued on a buffered channel and drained by a single writer goroutine,
// because gorilla sockets allow one concurrent writer.
type Connection struct {
	id     string
	userID string
	scope  string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	sendTimeout time.Duration
	heartbeat   time.Duration
}

func newConnection(ws *websocket.Conn, scope string, buffer int, sendTimeout, heartbeat time.Duration, logger *zap.Logger) *Connection {
	return &Connection{
		id:          uuid.NewString(),
		scope:       scope,
		ws:          ws,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		logger:      logger,
		sendTimeout: sendTimeout,
		heartbeat:   heartbeat,
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// UserID returns the identity announced by the first sync-user message.
func (c *Connection) UserID() string { return c.userID }

// Send queues a frame for delivery. A full queue or a closed connection
// returns an error; the room treats either as an unreachable member and
// prunes it.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.done:
		return pkgerrors.NewInternalError("connection closed")
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return pkgerrors.NewInternalError("send queue full")
	}
}

// SendEnvelope encodes and queues an envelope.
func (c *Connection) SendEnvelope(env *events.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. Runs as a single goroutine per connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.sendTimeout))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed",
					zap.String("connectionId", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close signals the writer to stop. Safe to call once from the read side.
func (c *Connection) close() {
	close(c.done)
}
