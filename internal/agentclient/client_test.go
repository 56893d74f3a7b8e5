package agentclient

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/alert"
	"github.com/parsascontentcorner/liveringserver/internal/auth"
	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/config"
	"github.com/parsascontentcorner/liveringserver/internal/heartbeat"
	"github.com/parsascontentcorner/liveringserver/internal/idle"
	"github.com/parsascontentcorner/liveringserver/internal/models"
	"github.com/parsascontentcorner/liveringserver/internal/signaling"
)

var agent = auth.Identity{UserID: "agent-1", Role: auth.RoleAgent, OrganizationID: "org-1"}

type fakePresence struct {
	mu     sync.Mutex
	status map[string]string
}

func (p *fakePresence) set(id, s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[id] = s
	return nil
}

func (p *fakePresence) SetOnline(_ context.Context, id string) error  { return p.set(id, "online") }
func (p *fakePresence) SetAway(_ context.Context, id string) error    { return p.set(id, "away") }
func (p *fakePresence) SetOffline(_ context.Context, id string) error { return p.set(id, "offline") }
func (p *fakePresence) Refresh(context.Context, string) error         { return nil }

func (p *fakePresence) Status(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status[id]
}

type recordingChannel struct {
	mu      sync.Mutex
	started []string
	stopped int
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) Start(_ context.Context, call *models.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, call.SessionID)
	return nil
}

func (r *recordingChannel) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
}

func (r *recordingChannel) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), r.stopped
}

type serverEnv struct {
	url      string
	machine  *calls.Machine
	recovery *calls.Recovery
	hub      *signaling.Hub
	presence *fakePresence
	token    string
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	store := calls.NewMemoryStore()
	machine := calls.NewMachine(store, logger, calls.WithRingTimeout(time.Hour))
	recovery := calls.NewRecovery(machine, time.Minute, logger)
	presence := &fakePresence{status: make(map[string]string)}
	recorder := heartbeat.NewRecorder(store, presence, logger)

	hub := signaling.NewHub(machine, recovery, recorder,
		heartbeat.Config{Interval: time.Hour, StaleThreshold: time.Hour},
		logger,
		signaling.WithPresence(presence),
	)

	verifier, err := auth.NewVerifier(config.SecurityConfig{JWTSecret: "agentclient-test-secret"})
	require.NoError(t, err)
	token, err := verifier.Sign(agent, time.Hour)
	require.NoError(t, err)

	router := gin.New()
	signaling.NewHandler(hub, verifier, logger).RegisterRoutes(router.Group("/v1"))
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		recovery.Shutdown()
		machine.Shutdown()
	})

	return &serverEnv{
		url:      server.URL,
		machine:  machine,
		recovery: recovery,
		hub:      hub,
		presence: presence,
		token:    token,
	}
}

func (e *serverEnv) startClient(t *testing.T, idleCfg idle.Config, channels ...alert.Channel) *Client {
	t.Helper()

	client, err := NewClient(Config{
		ServerURL:      e.url,
		Token:          e.token,
		Heartbeat:      heartbeat.Config{Interval: time.Hour, StaleThreshold: time.Hour},
		Idle:           idleCfg,
		ReconnectDelay: 20 * time.Millisecond,
	}, NewTerminal(io.Discard, ""), zap.NewNop(), channels...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return e.hub.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)
	return client
}

var quietIdle = idle.Config{IdleTimeout: time.Hour, GracePeriod: time.Minute, TickInterval: time.Second}

func TestClient_AlertAcceptAndResume(t *testing.T) {
	e := newServerEnv(t)
	ch := &recordingChannel{}
	client := e.startClient(t, quietIdle, ch)

	session, err := e.machine.Ring(context.Background(), calls.RingRequest{
		RequestID: "req-1",
		VisitorID: "visitor-1",
		AgentID:   agent.UserID,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r := client.Ringing()
		return r != nil && r.SessionID == session.SessionID
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Accept(session.SessionID))

	storedToken := func() string {
		s, err := e.machine.Store().FindByID(context.Background(), session.SessionID)
		require.NoError(t, err)
		return s.ReconnectToken.String
	}

	require.Eventually(t, func() bool {
		return client.ReconnectToken() != "" && client.ReconnectToken() == storedToken()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.SessionID, client.Session())
	assert.Nil(t, client.Ringing())

	started, stopped := ch.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)

	first := client.ReconnectToken()
	require.Equal(t, 1, e.hub.DisconnectUser(agent.UserID))

	// the client redials, resumes and ends up with the rotated token
	require.Eventually(t, func() bool {
		tok := client.ReconnectToken()
		return tok != "" && tok != first && tok == storedToken()
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, e.recovery.Pending(session.SessionID))

	require.NoError(t, client.End(session.SessionID))
	require.Eventually(t, func() bool { return client.Session() == "" }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, client.ReconnectToken())
}

func TestClient_MissedCallStopsAlert(t *testing.T) {
	e := newServerEnv(t)
	ch := &recordingChannel{}
	client := e.startClient(t, quietIdle, ch)

	session, err := e.machine.Ring(context.Background(), calls.RingRequest{
		RequestID: "req-1",
		VisitorID: "visitor-1",
		AgentID:   agent.UserID,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.Ringing() != nil }, 2*time.Second, 5*time.Millisecond)

	_, err = e.machine.Miss(context.Background(), session.SessionID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return client.Ringing() == nil }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, client.ReconnectToken())
}

func TestClient_ReportsIdleAndActive(t *testing.T) {
	e := newServerEnv(t)
	client := e.startClient(t, idle.Config{
		IdleTimeout:  50 * time.Millisecond,
		GracePeriod:  time.Minute,
		TickInterval: 10 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return client.Idle() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.presence.Status(agent.UserID) == "away" }, time.Second, 5*time.Millisecond)

	client.Activity(idle.ActivityKey)
	assert.False(t, client.Idle())
	require.Eventually(t, func() bool { return e.presence.Status(agent.UserID) == "online" }, time.Second, 5*time.Millisecond)
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		want    string
		wantErr bool
	}{
		{name: "http", server: "http://localhost:8080", want: "ws://localhost:8080/v1/ws?token=tok"},
		{name: "https with path", server: "https://calls.example.com/api/", want: "wss://calls.example.com/api/v1/ws?token=tok"},
		{name: "already ws", server: "ws://127.0.0.1:9000", want: "ws://127.0.0.1:9000/v1/ws?token=tok"},
		{name: "unsupported scheme", server: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := websocketURL(tt.server, "tok")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_IdleDetectionPausedDuringCall(t *testing.T) {
	e := newServerEnv(t)
	client := e.startClient(t, idle.Config{
		IdleTimeout:  50 * time.Millisecond,
		GracePeriod:  time.Minute,
		TickInterval: 10 * time.Millisecond,
	})

	session, err := e.machine.Ring(context.Background(), calls.RingRequest{
		RequestID: "req-1",
		VisitorID: "visitor-1",
		AgentID:   agent.UserID,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.Ringing() != nil }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Accept(session.SessionID))
	require.Eventually(t, func() bool {
		return client.Session() == session.SessionID && !client.Idle()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.presence.Status(agent.UserID) == "online" }, time.Second, 5*time.Millisecond)

	// several idle timeouts pass without the agent touching anything
	time.Sleep(200 * time.Millisecond)
	assert.False(t, client.Idle())
	assert.Equal(t, "online", e.presence.Status(agent.UserID))

	require.NoError(t, client.End(session.SessionID))
	require.Eventually(t, func() bool { return client.Session() == "" }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return client.Idle() }, 2*time.Second, 5*time.Millisecond)
}
