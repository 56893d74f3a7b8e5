package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/heartbeat"
	"github.com/parsascontentcorner/liveringserver/internal/liveness"
	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// Presence records whether agents can take calls.
type Presence interface {
	SetOnline(ctx context.Context, agentID string) error
	SetAway(ctx context.Context, agentID string) error
	SetOffline(ctx context.Context, agentID string) error
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithPresence publishes agent presence on connect, disconnect and idle
// changes.
func WithPresence(p Presence) HubOption {
	return func(h *Hub) { h.presence = p }
}

// WithMonitorOptions passes options to every connection's heartbeat monitor.
func WithMonitorOptions(opts ...heartbeat.Option) HubOption {
	return func(h *Hub) { h.monitorOpts = append(h.monitorOpts, opts...) }
}

// Hub routes call lifecycle events to connected parties and runs the
// heartbeat sweep over every connection.
type Hub struct {
	machine      *calls.Machine
	recovery     *calls.Recovery
	recorder     *heartbeat.Recorder
	presence     Presence
	logger       *zap.Logger
	heartbeatCfg heartbeat.Config
	monitorOpts  []heartbeat.Option
	sweep        *liveness.Timer

	mu     sync.RWMutex
	ctx    context.Context
	conns  map[string]*Conn            // connID -> conn
	byUser map[string]map[string]*Conn // userID -> connID -> conn
}

// NewHub creates a hub and subscribes it to machine's transitions.
func NewHub(
	machine *calls.Machine,
	recovery *calls.Recovery,
	recorder *heartbeat.Recorder,
	cfg heartbeat.Config,
	logger *zap.Logger,
	opts ...HubOption,
) *Hub {
	h := &Hub{
		machine:      machine,
		recovery:     recovery,
		recorder:     recorder,
		logger:       logger,
		heartbeatCfg: cfg,
		ctx:          context.Background(),
		conns:        make(map[string]*Conn),
		byUser:       make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.sweep = liveness.NewTimer(liveness.WithLogger(logger.Named("sweep")))
	h.sweep.SetOnTick(func(liveness.Tick) { h.Sweep() })
	machine.AddObserver(h)
	return h
}

// Run starts the heartbeat sweep and blocks until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	h.sweep.Start(h.heartbeatCfg.Interval)
	h.logger.Info("signaling hub started",
		zap.Duration("heartbeat_interval", h.heartbeatCfg.Interval),
		zap.Stringer("timer_mode", h.sweep.Mode()),
	)

	<-ctx.Done()
	h.sweep.Stop()

	for _, c := range h.snapshot() {
		c.Close()
	}
	h.logger.Info("signaling hub stopped")
}

// Sweep sends a heartbeat to every connection and checks its health.
func (h *Hub) Sweep() {
	for _, c := range h.snapshot() {
		c.monitor.OnHeartbeatTick()
	}
}

// Register adds a connection. An agent's first connection marks it online.
func (h *Hub) Register(c *Conn) {
	uid := c.identity.UserID

	h.mu.Lock()
	h.conns[c.id] = c
	userConns, ok := h.byUser[uid]
	if !ok {
		userConns = make(map[string]*Conn)
		h.byUser[uid] = userConns
	}
	userConns[c.id] = c
	first := len(userConns) == 1
	h.mu.Unlock()

	c.logger.Info("client connected")

	if first && c.identity.IsAgent() && h.presence != nil {
		if err := h.presence.SetOnline(h.runContext(), uid); err != nil {
			c.logger.Warn("failed to mark agent online", zap.Error(err))
		}
	}
}

// Unregister removes a connection. If it was the last connection bound to a
// live call, the call waits to be resumed and the other party is told.
func (h *Hub) Unregister(c *Conn) {
	uid := c.identity.UserID

	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	last := false
	if userConns, ok := h.byUser[uid]; ok {
		delete(userConns, c.id)
		if len(userConns) == 0 {
			delete(h.byUser, uid)
			last = true
		}
	}
	h.mu.Unlock()

	registry := h.machine.Registry()
	registry.UnbindConnection(c.id)

	if sid := c.Session(); sid != "" {
		h.peerLost(c, sid, len(registry.Connections(sid)) == 0)
	}

	c.logger.Info("client disconnected")

	if last && c.identity.IsAgent() && h.presence != nil {
		if err := h.presence.SetOffline(h.runContext(), uid); err != nil {
			c.logger.Warn("failed to mark agent offline", zap.Error(err))
		}
	}
}

// Connections returns how many clients are connected.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// DisconnectUser closes every connection of userID and returns how many were
// open. Clients holding a reconnect token may resume afterwards.
func (h *Hub) DisconnectUser(userID string) int {
	conns := h.userConns(userID)
	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		h.logger.Info("disconnected user", zap.String("user_id", userID), zap.Int("connections", len(conns)))
	}
	return len(conns)
}

// OnStateChange pushes a transition to both parties of the session.
func (h *Hub) OnStateChange(_ context.Context, s *models.CallSession) {
	switch s.Status {
	case models.CallStatusPending:
		h.sendToUser(s.AgentID, TypeAlertStart, s, false)
		h.sendToUser(s.VisitorID, TypeState, s, false)

	case models.CallStatusAccepted:
		h.bindParties(s)
		h.sendToUser(s.AgentID, TypeAlertStop, s, false)
		h.sendToUser(s.AgentID, TypeState, s, true)
		h.sendToUser(s.VisitorID, TypeState, s, true)

	case models.CallStatusRejected, models.CallStatusMissed, models.CallStatusCancelled:
		h.sendToUser(s.AgentID, TypeAlertStop, s, false)
		h.sendToUser(s.AgentID, TypeState, s, false)
		h.sendToUser(s.VisitorID, TypeState, s, false)

	case models.CallStatusCompleted:
		h.unbindParties(s)
		h.sendToUser(s.AgentID, TypeState, s, false)
		h.sendToUser(s.VisitorID, TypeState, s, false)
	}
}

func (h *Hub) handle(ctx context.Context, c *Conn, env *Envelope) {
	uid := c.identity.UserID

	switch env.Type {
	case TypeHeartbeat:
		h.handleHeartbeat(ctx, c)

	case TypeAccept:
		if !c.identity.IsAgent() {
			c.sendError(env.SessionID, CodeForbidden, "only agents can accept calls")
			return
		}
		res, err := h.machine.Accept(ctx, env.SessionID, uid)
		h.reply(c, env, res, err)

	case TypeReject:
		if !c.identity.IsAgent() {
			c.sendError(env.SessionID, CodeForbidden, "only agents can reject calls")
			return
		}
		res, err := h.machine.Reject(ctx, env.SessionID, uid)
		h.reply(c, env, res, err)

	case TypeCancel:
		res, err := h.machine.Cancel(ctx, env.SessionID, uid)
		h.reply(c, env, res, err)

	case TypeEnd:
		res, err := h.machine.Complete(ctx, env.SessionID, uid)
		h.reply(c, env, res, err)

	case TypeResume:
		h.handleResume(ctx, c, env)

	case TypeAgentIdle, TypeAgentActive:
		h.handlePresence(ctx, c, env.Type)

	default:
		c.sendError(env.SessionID, CodeInvalidMessage, "unknown message type "+env.Type)
	}
}

func (h *Hub) handleHeartbeat(ctx context.Context, c *Conn) {
	c.monitor.RecordHeartbeat()

	// only agents hold a presence lease
	presenceID := ""
	if c.identity.IsAgent() {
		presenceID = c.identity.UserID
	}

	sid := c.Session()
	_, err := h.recorder.Record(ctx, presenceID, sid)
	switch {
	case err == nil:
	case errors.Is(err, calls.ErrSessionTerminal), errors.Is(err, calls.ErrSessionNotFound):
		c.logger.Debug("heartbeat for ended call", zap.String("session_id", sid))
		c.unbind(sid)
	default:
		c.logger.Error("failed to record heartbeat", zap.String("session_id", sid), zap.Error(err))
	}
}

func (h *Hub) handleResume(ctx context.Context, c *Conn, env *Envelope) {
	var req ResumePayload
	if err := env.Decode(&req); err != nil {
		c.sendError(env.SessionID, CodeInvalidMessage, "resume requires a reconnect token")
		return
	}

	session, err := h.recovery.ResolveByToken(ctx, req.ReconnectToken)
	if err != nil {
		h.reply(c, env, nil, err)
		return
	}
	if !session.HasParty(c.identity.UserID) {
		h.reply(c, env, nil, calls.ErrNotParticipant)
		return
	}

	resumed, err := h.recovery.MarkReconnected(ctx, session.SessionID, c.id)
	if err != nil {
		h.reply(c, env, nil, err)
		return
	}
	c.bind(resumed.SessionID)

	// Both parties get the rotated token; the other one may still be
	// reconnecting with the old one.
	h.sendToUser(c.identity.UserID, TypeResumed, resumed, true)
	counterpart := resumed.Counterpart(c.identity.UserID)
	h.sendToUser(counterpart, TypeState, resumed, true)
	h.sendStaleness(counterpart, TypeHealthy, resumed.SessionID, c.identity.UserID, 0)
}

func (h *Hub) handlePresence(ctx context.Context, c *Conn, msgType string) {
	if !c.identity.IsAgent() || h.presence == nil {
		return
	}

	var err error
	if msgType == TypeAgentIdle {
		err = h.presence.SetAway(ctx, c.identity.UserID)
	} else {
		err = h.presence.SetOnline(ctx, c.identity.UserID)
	}
	if err != nil {
		c.logger.Warn("failed to update agent presence", zap.String("type", msgType), zap.Error(err))
	}
}

// reply answers a client request. Discarded transitions are not errors; the
// client gets the current state to reconcile with.
func (h *Hub) reply(c *Conn, env *Envelope, res *calls.Result, err error) {
	if err != nil {
		code := errorCode(err)
		if code == CodeInternal {
			c.logger.Error("call request failed", zap.String("type", env.Type), zap.Error(err))
		} else {
			c.logger.Debug("call request refused", zap.String("type", env.Type), zap.String("code", code))
		}
		c.sendError(env.SessionID, code, err.Error())
		return
	}
	if res.Applied {
		return
	}
	withToken := res.Session.HasParty(c.identity.UserID)
	if msg, err := stateEnvelope(TypeState, res.Session, withToken); err == nil {
		_ = c.Send(msg)
	}
}

func (h *Hub) peerStale(c *Conn, silence time.Duration) {
	sid := c.Session()
	if sid == "" {
		return
	}
	session, err := h.machine.Store().FindByID(h.runContext(), sid)
	if err != nil {
		c.logger.Debug("stale peer without session", zap.String("session_id", sid), zap.Error(err))
		return
	}
	h.sendStaleness(session.Counterpart(c.identity.UserID), TypeStale, sid, c.identity.UserID, silence)
}

func (h *Hub) peerHealthy(c *Conn) {
	sid := c.Session()
	if sid == "" {
		return
	}
	session, err := h.machine.Store().FindByID(h.runContext(), sid)
	if err != nil {
		return
	}
	h.sendStaleness(session.Counterpart(c.identity.UserID), TypeHealthy, sid, c.identity.UserID, 0)
}

// peerLost marks a party stale for its counterpart once its last connection
// to the call is gone. A call left with no connections at all waits to be
// resumed.
func (h *Hub) peerLost(c *Conn, sid string, orphaned bool) {
	session, err := h.machine.Store().FindByID(h.runContext(), sid)
	if err != nil || !session.IsResumable() {
		return
	}
	if orphaned {
		h.recovery.AwaitResume(sid)
	}
	for _, other := range h.userConns(c.identity.UserID) {
		if other.Session() == sid {
			return
		}
	}
	silence := time.Since(c.monitor.LastHeartbeatAt())
	h.sendStaleness(session.Counterpart(c.identity.UserID), TypeStale, sid, c.identity.UserID, silence)
}

func (h *Hub) sendStaleness(userID, msgType, sid, peerID string, silence time.Duration) {
	if userID == "" {
		return
	}
	env, err := NewEnvelope(msgType, sid, StalePayload{UserID: peerID, SilenceMS: silence.Milliseconds()})
	if err != nil {
		return
	}
	for _, c := range h.userConns(userID) {
		_ = c.Send(env)
	}
}

func (h *Hub) bindParties(s *models.CallSession) {
	registry := h.machine.Registry()
	for _, uid := range []string{s.AgentID, s.VisitorID} {
		for _, c := range h.userConns(uid) {
			c.bind(s.SessionID)
			registry.BindConnection(s.SessionID, c.id)
		}
	}
}

func (h *Hub) unbindParties(s *models.CallSession) {
	registry := h.machine.Registry()
	for _, uid := range []string{s.AgentID, s.VisitorID} {
		for _, c := range h.userConns(uid) {
			if c.unbind(s.SessionID) {
				registry.UnbindConnection(c.id)
			}
		}
	}
}

func (h *Hub) sendToUser(userID, msgType string, s *models.CallSession, withToken bool) {
	env, err := stateEnvelope(msgType, s, withToken)
	if err != nil {
		h.logger.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	for _, c := range h.userConns(userID) {
		if err := c.Send(env); err != nil {
			c.logger.Debug("failed to deliver message", zap.String("type", msgType), zap.Error(err))
		}
	}
}

func stateEnvelope(msgType string, s *models.CallSession, withToken bool) (*Envelope, error) {
	payload := StatePayload{Session: s}
	if withToken && s.IsResumable() {
		payload.ReconnectToken = s.ReconnectToken.String
	}
	return NewEnvelope(msgType, s.SessionID, payload)
}

func (h *Hub) userConns(userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Conn, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) runContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}
