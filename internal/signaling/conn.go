package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/auth"
	"github.com/parsascontentcorner/liveringserver/internal/heartbeat"
)

const (
	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Time allowed between pongs before the socket is considered dead
	pongWait = 60 * time.Second

	// Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBufferSize = 64
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when a slow client cannot keep up.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrServerCannotRedial is returned by Reconnect: only clients redial.
	ErrServerCannotRedial = errors.New("server side connection cannot redial")
)

// Conn is one authenticated client connection. It implements
// heartbeat.Transport so the hub can run a Monitor per connection.
type Conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	hub      *Hub
	logger   *zap.Logger
	monitor  *heartbeat.Monitor

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	sessionID string
}

func newConn(hub *Hub, ws *websocket.Conn, id string, identity auth.Identity) *Conn {
	c := &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		hub:      hub,
		logger: hub.logger.With(
			zap.String("conn_id", id),
			zap.String("user_id", identity.UserID),
			zap.String("role", string(identity.Role)),
		),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	c.monitor = heartbeat.NewMonitor(c, hub.heartbeatCfg, c.logger.Named("heartbeat"), hub.monitorOpts...)
	c.monitor.SetOnStale(func(silence time.Duration) { hub.peerStale(c, silence) })
	c.monitor.SetOnHealthy(func() { hub.peerHealthy(c) })
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Identity returns the verified identity of the client.
func (c *Conn) Identity() auth.Identity { return c.identity }

// Session returns the call the connection is bound to, if any.
func (c *Conn) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Conn) bind(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Conn) unbind(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return false
	}
	c.sessionID = ""
	return true
}

// Connected reports whether the connection is still open.
func (c *Conn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// SendHeartbeat queues a heartbeat frame.
func (c *Conn) SendHeartbeat(_ context.Context, sentAt time.Time) error {
	env := &Envelope{Type: TypeHeartbeat, SessionID: c.Session(), Timestamp: sentAt.UnixMilli()}
	return c.Send(env)
}

// Reconnect always fails; a dropped client reconnects on its own.
func (c *Conn) Reconnect(context.Context) error {
	return ErrServerCannotRedial
}

// Send queues env for the write pump without blocking.
func (c *Conn) Send(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("client send buffer full, dropping message", zap.String("type", env.Type))
		return ErrSendBufferFull
	}
}

// sendError reports a failed request back to the client.
func (c *Conn) sendError(sessionID, code, message string) {
	env, err := NewEnvelope(TypeError, sessionID, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = c.Send(env)
}

// Close asks the write pump to send a close frame and release the socket.
// It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads frames until the socket fails, then unregisters the
// connection.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("failed to parse client message", zap.Error(err))
			c.sendError("", CodeInvalidMessage, "malformed message")
			continue
		}

		c.hub.handle(ctx, c, &env)
	}
}

// writePump drains the send buffer and pings the client.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
