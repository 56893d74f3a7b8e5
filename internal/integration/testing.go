package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/auth"
	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/config"
	"github.com/parsascontentcorner/liveringserver/internal/database"
	"github.com/parsascontentcorner/liveringserver/internal/heartbeat"
	httpserver "github.com/parsascontentcorner/liveringserver/internal/http"
	"github.com/parsascontentcorner/liveringserver/internal/signaling"
)

var (
	visitor = auth.Identity{UserID: "visitor-1", Role: auth.RoleVisitor, OrganizationID: "org_test"}
	agent   = auth.Identity{UserID: "agent-1", Role: auth.RoleAgent, OrganizationID: "org_test"}
)

// instance is one server process wired to a shared database. Stopping an
// instance and starting another over the same db simulates a restart.
type instance struct {
	db       *database.DB
	machine  *calls.Machine
	recovery *calls.Recovery
	hub      *signaling.Hub
	handlers *httpserver.Handlers
	verifier *auth.Verifier
	server   *httptest.Server

	stopHub context.CancelFunc
	hubDone chan struct{}
}

func startInstance(t *testing.T, db *database.DB, callCfg config.CallConfig) *instance {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	machine := calls.NewMachine(db, logger, calls.WithRingTimeout(callCfg.RingTimeout))
	recovery := calls.NewRecovery(machine, callCfg.OrphanMaxAge, logger)
	recorder := heartbeat.NewRecorder(db, nil, logger)
	hub := signaling.NewHub(machine, recovery, recorder,
		heartbeat.Config{Interval: callCfg.HeartbeatInterval, StaleThreshold: callCfg.StaleThreshold},
		logger,
	)

	verifier, err := auth.NewVerifier(config.SecurityConfig{JWTSecret: "integration-secret-at-least-32-bytes"})
	require.NoError(t, err)

	handlers := httpserver.NewHandlers(machine, recovery, db, logger)
	router := httpserver.NewRouter(handlers, verifier, signaling.NewHandler(hub, verifier, logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		db:       db,
		machine:  machine,
		recovery: recovery,
		hub:      hub,
		handlers: handlers,
		verifier: verifier,
		server:   httptest.NewServer(router),
		stopHub:  cancel,
		hubDone:  make(chan struct{}),
	}
	go func() {
		defer close(inst.hubDone)
		hub.Run(ctx)
	}()

	t.Cleanup(inst.stop)
	return inst
}

// stop tears the instance down without touching the database rows it left
// behind. Safe to call more than once.
func (i *instance) stop() {
	if i.server == nil {
		return
	}
	i.server.Close()
	i.server = nil
	i.stopHub()
	<-i.hubDone
	i.recovery.Shutdown()
	i.machine.Shutdown()
}

func (i *instance) do(t *testing.T, id auth.Identity, method, path string, body interface{}) (int, callResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, i.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	token, err := i.verifier.Sign(id, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out callResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

type callResponse struct {
	Session *struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	} `json:"session"`
	ReconnectToken string `json:"reconnect_token"`
	Applied        *bool  `json:"applied"`
}

func testCallConfig() config.CallConfig {
	cfg := config.DefaultCallConfig()
	cfg.RingTimeout = time.Hour
	return cfg
}
