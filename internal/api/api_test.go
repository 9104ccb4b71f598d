package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/db"
	"github.com/muco-project/muco-relay/internal/network"
	"github.com/muco-project/muco-relay/internal/replication"
	"github.com/muco-project/muco-relay/internal/telemetry"
)

type stubPeer struct {
	mu     sync.Mutex
	closed bool
}

func (p *stubPeer) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 7000}
}
func (p *stubPeer) ConnectedAt() time.Time     { return time.Now() }
func (p *stubPeer) WritePacket(_ []byte) error { return nil }

func (p *stubPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type stubTransport struct {
	mu     sync.Mutex
	events []network.Event
}

func (t *stubTransport) Start(ctx context.Context, port uint16) error { return nil }
func (t *stubTransport) Stop() error                                  { return nil }
func (t *stubTransport) Send(p network.Peer, data []byte) error       { return p.WritePacket(data) }

func (t *stubTransport) PollEvents() []network.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.events
	t.events = nil
	return out
}

func (t *stubTransport) connect(p network.Peer) {
	t.mu.Lock()
	t.events = append(t.events, network.Event{Type: network.EventConnected, Peer: p})
	t.mu.Unlock()
}

type fixture struct {
	cfg     *config.Config
	manager *replication.Manager
	tr      *stubTransport
	server  *Server
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(app *config.ApplicationData)) *fixture {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	app := cfg.GetApplicationData()
	app.Logging.Directory = t.TempDir()
	if mutate != nil {
		mutate(&app)
	}
	cfg.SetApplicationData(app)

	tr := &stubTransport{}
	mgr := replication.NewManager(cfg, nil, tr, nil)
	require.NoError(t, mgr.Start(4960))
	t.Cleanup(func() { mgr.Stop() })

	srv := NewServer(cfg, mgr)
	return &fixture{cfg: cfg, manager: mgr, tr: tr, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, header ...string) (int, map[string]interface{}) {
	t.Helper()
	if f.handler == nil {
		f.handler = f.server.Handler()
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:5555"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestPing(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/api/public/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "muco-relay", body["service"])
}

func TestServerInfo(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/api/public/server_info", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, 4960.0, body["port"])
	assert.Equal(t, "tcp", body["transport"])
	assert.Equal(t, "inline", body["mode"])
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, func(app *config.ApplicationData) { app.Security.APIToken = "s3cret" })

	code, _ := f.do(t, http.MethodGet, "/api/monitor/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/api/monitor/stats", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := f.do(t, http.MethodGet, "/api/monitor/stats", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["running"])

	// Public endpoints stay open.
	code, _ = f.do(t, http.MethodGet, "/api/public/ping", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestIPWhitelist(t *testing.T) {
	f := newFixture(t, func(app *config.ApplicationData) { app.Security.IPWhitelist = []string{"10.1.0.0/16"} })
	code, _ := f.do(t, http.MethodGet, "/api/public/ping", nil)
	assert.Equal(t, http.StatusForbidden, code)

	f = newFixture(t, func(app *config.ApplicationData) { app.Security.IPWhitelist = []string{"10.1.0.0/16", "192.0.2.1"} })
	code, _ = f.do(t, http.MethodGet, "/api/public/ping", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRosterAndKick(t *testing.T) {
	f := newFixture(t, nil)
	p := &stubPeer{}
	f.tr.connect(p)
	f.manager.Tick()

	code, body := f.do(t, http.MethodGet, "/api/monitor/roster", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["total"])
	peers := body["peers"].([]interface{})
	assert.Equal(t, 1.0, peers[0].(map[string]interface{})["identity"])

	code, _ = f.do(t, http.MethodPost, "/api/control/kick/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/control/kick/9", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, body = f.do(t, http.MethodPost, "/api/control/kick/1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "kicked", body["status"])
	assert.True(t, p.closed)
}

func TestStartStopAndLoad(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(t, http.MethodPost, "/api/control/start", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPost, "/api/control/stop", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, f.manager.IsRunning())

	code, _ = f.do(t, http.MethodPost, "/api/control/stop", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPost, "/api/control/load_experience", map[string]string{"experience": "Lab"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPost, "/api/control/start", map[string]int{"port": 70000})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(t, http.MethodPost, "/api/control/start", map[string]int{"port": 5001})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5001.0, body["port"])
	assert.Equal(t, uint16(5001), f.manager.Port())

	f.tr.connect(&stubPeer{})
	f.manager.Tick()

	code, body = f.do(t, http.MethodPost, "/api/control/load_experience", map[string]string{"experience": "Lab"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Lab", body["experience"])
	assert.Equal(t, 1.0, body["recipients"])

	code, body = f.do(t, http.MethodPost, "/api/control/load_experience", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, config.DefaultExperience, body["experience"])
}

func TestGetConfigRedacted(t *testing.T) {
	f := newFixture(t, func(app *config.ApplicationData) { app.Security.APIToken = "s3cret" })
	code, body := f.do(t, http.MethodGet, "/api/configure/get_config", nil, "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, code)
	app := body["application_data"].(map[string]interface{})
	security := app["security"].(map[string]interface{})
	assert.Equal(t, "********", security["api_token"])
}

func TestSetRelayField(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/api/configure/set_relay_field", map[string]interface{}{"key": "tick_rate_hz", "value": 30})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 30, f.cfg.GetRelayData().TickRateHz)

	saved, err := os.ReadFile(f.cfg.Path())
	require.NoError(t, err)
	assert.Contains(t, string(saved), `"tick_rate_hz": 30`)

	code, _ = f.do(t, http.MethodPost, "/api/configure/set_relay_field", map[string]interface{}{"key": "port", "value": 0})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, config.DefaultRelayPort, f.cfg.GetRelayData().Port)

	code, _ = f.do(t, http.MethodPost, "/api/configure/set_relay_field", map[string]interface{}{"key": "nope", "value": 1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestJournalEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, "/api/monitor/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	journal, err := db.NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer journal.Close()

	f = newFixture(t, nil)
	f.server.SetDependencies(journal, nil)
	code, body := f.do(t, http.MethodGet, "/api/monitor/sessions?limit=5", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["count"])

	code, _ = f.do(t, http.MethodGet, "/api/monitor/runs", nil)
	assert.Equal(t, http.StatusOK, code)
}

type stubHealth []string

func (h stubHealth) Active() []string { return h }

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(t, http.MethodGet, "/api/monitor/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	f.server.SetHealth(stubHealth{"disk"})
	code, body := f.do(t, http.MethodGet, "/api/monitor/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, []interface{}{"disk"}, body["failing"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	f := newFixture(t, nil)
	f.server.SetDependencies(nil, reg)
	metrics.PeerConnected(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "muco_relay_active_peers 1")
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/api/monitor/nothing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "endpoint not found", body["error"])
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	assert.True(t, NewRateLimiter(0).Allow("a"))
}

func TestReadRecentLogEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "muco-relay_2026-01-01.log"), []byte(`{"level":"info","message":"old"}`+"\n"), 0644))
	lines := `{"level":"info","time":"2026-01-02T10:00:00Z","message":"relay started","port":4960}
not json
{"level":"warn","message":"peer dropped","component":"relay"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "muco-relay_2026-01-02.log"), []byte(lines), 0644))

	entries, err := readRecentLogEntries(dir, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "not json", entries[0].Message)
	assert.Equal(t, "warn", entries[1].Level)
	assert.Equal(t, "relay", entries[1].Fields["component"])

	entries, err = readRecentLogEntries(dir, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "2026-01-02T10:00:00Z", entries[0].Timestamp)
	assert.Equal(t, 4960.0, entries[0].Fields["port"])
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", extractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", extractBearerToken("bearer abc"))
	assert.Empty(t, extractBearerToken("Basic abc"))
	assert.Empty(t, extractBearerToken(""))
}
