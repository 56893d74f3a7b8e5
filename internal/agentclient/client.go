// Package agentclient is the agent side of the signaling protocol: it keeps a
// websocket to the server alive, raises alerts for incoming calls, reports
// when the agent steps away and resumes the active call after a drop.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/alert"
	"github.com/parsascontentcorner/liveringserver/internal/heartbeat"
	"github.com/parsascontentcorner/liveringserver/internal/idle"
	"github.com/parsascontentcorner/liveringserver/internal/models"
	"github.com/parsascontentcorner/liveringserver/internal/signaling"
)

const writeWait = 10 * time.Second

// ErrNotConnected is returned when sending without an open connection.
var ErrNotConnected = errors.New("not connected")

// AlertConfig holds the cadence of the alert channels.
type AlertConfig struct {
	RingDuration  time.Duration
	PauseDuration time.Duration
	TitleCadence  time.Duration
}

// Config holds the client settings.
type Config struct {
	// ServerURL is the HTTP base URL of the server, e.g. http://localhost:8080.
	ServerURL      string
	Token          string
	Heartbeat      heartbeat.Config
	Idle           idle.Config
	ReconnectDelay time.Duration
}

// Client is a connected agent.
type Client struct {
	cfg       Config
	wsURL     string
	logger    *zap.Logger
	dialer    *websocket.Dialer
	monitor   *heartbeat.Monitor
	detector  *idle.Detector
	escalator *alert.Escalator

	writeMu sync.Mutex

	mu             sync.RWMutex
	conn           *websocket.Conn
	sessionID      string
	reconnectToken string
	onEvent        func(*signaling.Envelope)
}

// NewClient creates a disconnected client. env is where idle prompts are
// shown; channels are the alert channels raised for incoming calls.
func NewClient(cfg Config, env idle.Environment, logger *zap.Logger, channels ...alert.Channel) (*Client, error) {
	wsURL, err := websocketURL(cfg.ServerURL, cfg.Token)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}

	c := &Client{
		cfg:    cfg,
		wsURL:  wsURL,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	c.monitor = heartbeat.NewMonitor(c, cfg.Heartbeat, logger.Named("heartbeat"))
	c.monitor.SetOnStale(func(silence time.Duration) {
		c.logger.Warn("server heartbeat stale", zap.Duration("silence", silence))
	})

	c.detector = idle.NewDetector(env, cfg.Idle, logger.Named("idle"))
	c.detector.SetOnIdle(func() { c.sendPresence(signaling.TypeAgentIdle) })
	c.detector.SetOnActive(func() { c.sendPresence(signaling.TypeAgentActive) })

	c.escalator = alert.NewEscalator(logger.Named("alert"), channels...)
	return c, nil
}

func websocketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// SetOnEvent sets a callback fired for every message from the server.
func (c *Client) SetOnEvent(fn func(*signaling.Envelope)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Run connects and serves until ctx is done, redialing after every drop.
func (c *Client) Run(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.monitor.Start(ctx)
	c.detector.SetEnabled(true)
	defer func() {
		c.monitor.Stop()
		c.detector.Close()
		c.escalator.StopAlert()
		c.disconnect()
	}()

	go func() {
		<-ctx.Done()
		c.disconnect()
	}()

	for {
		c.readLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// a visibility restore may already have redialed
		if c.Connected() {
			continue
		}

		if err := c.redial(ctx); err != nil {
			return nil
		}
	}
}

// redial retries until a connection is up or ctx is done.
func (c *Client) redial(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
		err := c.Reconnect(ctx)
		if err == nil {
			return nil
		}
		c.logger.Warn("reconnect failed", zap.Error(err))
	}
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	token := c.reconnectToken
	c.mu.Unlock()

	c.logger.Info("connected to server")

	if token != "" {
		if err := c.send(signaling.TypeResume, "", signaling.ResumePayload{ReconnectToken: token}); err != nil {
			return fmt.Errorf("failed to resume call: %w", err)
		}
		c.logger.Info("resuming call")
	}
	if c.detector.Idle() {
		c.sendPresence(signaling.TypeAgentIdle)
	}
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = conn.Close()
}

// Connected implements heartbeat.Transport.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// SendHeartbeat implements heartbeat.Transport.
func (c *Client) SendHeartbeat(_ context.Context, sentAt time.Time) error {
	env := &signaling.Envelope{Type: signaling.TypeHeartbeat, SessionID: c.Session(), Timestamp: sentAt.UnixMilli()}
	return c.write(env)
}

// Reconnect implements heartbeat.Transport. It drops the current socket and
// dials again, resuming the active call if there is one.
func (c *Client) Reconnect(ctx context.Context) error {
	c.disconnect()
	return c.connect(ctx)
}

// Session returns the id of the active call, if any.
func (c *Client) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ReconnectToken returns the token of the active call, if any.
func (c *Client) ReconnectToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectToken
}

// Ringing returns the call currently alerting, if any.
func (c *Client) Ringing() *models.CallSession {
	return c.escalator.Active()
}

// Accept answers a ringing call.
func (c *Client) Accept(sessionID string) error {
	return c.send(signaling.TypeAccept, sessionID, nil)
}

// Reject declines a ringing call.
func (c *Client) Reject(sessionID string) error {
	return c.send(signaling.TypeReject, sessionID, nil)
}

// End hangs up an accepted call.
func (c *Client) End(sessionID string) error {
	return c.send(signaling.TypeEnd, sessionID, nil)
}

// Activity records user input for idle detection.
func (c *Client) Activity(kind idle.ActivityKind) {
	c.detector.Activity(kind)
}

// MarkActive is an explicit "I'm back".
func (c *Client) MarkActive() {
	c.detector.MarkActive()
}

// VisibilityChanged forwards a view visibility change. Becoming visible also
// forces a heartbeat so a connection that died in the background is noticed.
func (c *Client) VisibilityChanged(ctx context.Context, visible bool) {
	c.detector.VisibilityChanged(visible)
	if visible {
		c.monitor.OnVisibilityRestored(ctx)
	}
}

// Idle reports whether the agent is idle.
func (c *Client) Idle() bool {
	return c.detector.Idle()
}

func (c *Client) sendPresence(msgType string) {
	if err := c.send(msgType, "", nil); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("failed to report presence", zap.String("type", msgType), zap.Error(err))
	}
}

func (c *Client) send(msgType, sessionID string, payload interface{}) error {
	env, err := signaling.NewEnvelope(msgType, sessionID, payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

func (c *Client) write(env *signaling.Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("connection lost", zap.Error(err))
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("failed to parse server message", zap.Error(err))
			continue
		}
		c.handle(ctx, &env)
	}
}

func (c *Client) handle(ctx context.Context, env *signaling.Envelope) {
	switch env.Type {
	case signaling.TypeHeartbeat:
		c.monitor.RecordHeartbeat()

	case signaling.TypeAlertStart:
		var p signaling.StatePayload
		if err := env.Decode(&p); err != nil || p.Session == nil {
			c.logger.Warn("malformed alert", zap.Error(err))
			break
		}
		started := c.escalator.StartAlert(ctx, p.Session)
		c.logger.Info("incoming call",
			zap.String("session_id", p.Session.SessionID),
			zap.Strings("channels", started),
		)

	case signaling.TypeAlertStop:
		c.escalator.StopAlert()

	case signaling.TypeState, signaling.TypeResumed:
		var p signaling.StatePayload
		if err := env.Decode(&p); err != nil || p.Session == nil {
			c.logger.Warn("malformed call state", zap.Error(err))
			break
		}
		c.track(p)

	case signaling.TypeStale:
		c.logger.Warn("caller connection stale", zap.String("session_id", env.SessionID))

	case signaling.TypeHealthy:
		c.logger.Info("caller connection healthy", zap.String("session_id", env.SessionID))

	case signaling.TypeError:
		var p signaling.ErrorPayload
		_ = env.Decode(&p)
		c.logger.Warn("server refused request", zap.String("code", p.Code), zap.String("message", p.Message))
		resumeFailed := p.Code == signaling.CodeTokenNotFound || p.Code == signaling.CodeSessionTerminal
		if resumeFailed && (env.SessionID == "" || env.SessionID == c.Session()) {
			c.forget()
		}
	}

	c.mu.RLock()
	onEvent := c.onEvent
	c.mu.RUnlock()
	if onEvent != nil {
		onEvent(env)
	}
}

// track keeps the active call and its latest reconnect token. Idle detection
// is paused while the agent is on a call.
func (c *Client) track(p signaling.StatePayload) {
	s := p.Session
	if active := c.escalator.Active(); active != nil && active.SessionID == s.SessionID && s.Status != models.CallStatusPending {
		c.escalator.StopAlert()
	}

	var onCall, ended bool
	c.mu.Lock()
	switch {
	case p.ReconnectToken != "":
		c.sessionID = s.SessionID
		c.reconnectToken = p.ReconnectToken
		onCall = s.Status == models.CallStatusAccepted
	case s.Status.IsTerminal() && s.SessionID == c.sessionID:
		c.sessionID = ""
		c.reconnectToken = ""
		ended = true
	}
	c.mu.Unlock()

	switch {
	case onCall:
		c.detector.MarkActive()
		c.detector.SetEnabled(false)
	case ended:
		c.detector.SetEnabled(true)
	}
}

func (c *Client) forget() {
	c.mu.Lock()
	hadCall := c.sessionID != ""
	c.sessionID = ""
	c.reconnectToken = ""
	c.mu.Unlock()

	if hadCall {
		c.detector.SetEnabled(true)
	}
}
