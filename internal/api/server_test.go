package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
	"github.com/nerrad567/tuya-lan-core/internal/device"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/config"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/logging"
	"github.com/nerrad567/tuya-lan-core/internal/site"
)

// mockCommander records commands and returns canned results.
type mockCommander struct {
	mu       sync.Mutex
	commands []tuya.Command
	timeouts []time.Duration

	result      tuya.Result
	err         error
	reports     []tuya.DiscoveryReport
	discoverErr error
	stats       tuya.DispatcherStats
}

func (m *mockCommander) SetPower(_ context.Context, cmd tuya.Command) (tuya.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	if m.err != nil {
		return tuya.Result{}, m.err
	}
	res := m.result
	res.DeviceID = cmd.DeviceID
	return res, nil
}

func (m *mockCommander) Discover(_ context.Context, timeout time.Duration) ([]tuya.DiscoveryReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = append(m.timeouts, timeout)
	return m.reports, m.discoverErr
}

func (m *mockCommander) Stats() tuya.DispatcherStats {
	return m.stats
}

func (m *mockCommander) lastCommand(t *testing.T) tuya.Command {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commands) == 0 {
		t.Fatal("no command reached the dispatcher")
	}
	return m.commands[len(m.commands)-1]
}

type testEnv struct {
	srv      *Server
	cmd      *mockCommander
	devices  *device.Registry
	site     *site.Store
	handler  http.Handler
	database *sql.DB
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		Path:           "/ws",
		MaxMessageSize: 8192,
		PingInterval:   30,
		PongTimeout:    10,
	}
}

// testServer creates a Server with a real site store and device registry
// backed by in-memory SQLite, and a mock dispatcher.
func testServer(t *testing.T) *testEnv {
	t.Helper()
	cmd := &mockCommander{
		result: tuya.Result{IP: "192.168.1.50", Version: tuya.Version33, Attempts: 1},
	}
	e := newTestEnv(t, cmd)
	e.cmd = cmd
	return e
}

// newTestEnv builds the server around any Commander.
func newTestEnv(t *testing.T, dispatcher Commander) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}
	store := site.NewStore(db, "Loja Centro")

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS:               testWSConfig(),
		Logger:           testLogger(),
		Dispatcher:       dispatcher,
		Site:             store,
		Devices:          registry,
		DiscoveryTimeout: 2 * time.Second,
		DB:               db,
		Version:          "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testEnv{
		srv:      srv,
		devices:  registry,
		site:     store,
		handler:  srv.buildRouter(),
		database: db,
	}
}

// setupTestDB creates an in-memory SQLite database with the settings and
// devices schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
		CREATE TABLE devices (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			local_key  TEXT NOT NULL,
			lan_ip     TEXT NOT NULL DEFAULT 'auto',
			version    TEXT NOT NULL DEFAULT '',
			last_seen  TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
	`

	if _, execErr := db.Exec(schema); execErr != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", execErr)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

func saveDevice(t *testing.T, e *testEnv, id, ip, version string) {
	t.Helper()
	d := &device.Device{ID: id, Name: "Vitrine", LocalKey: "0123456789abcdef", LANIP: ip, Version: version}
	if err := e.devices.Upsert(context.Background(), d); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	e := testServer(t)

	w := e.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decodeBody(t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["site"] != "Loja Centro" {
		t.Errorf("site = %v, want Loja Centro", resp["site"])
	}
}

func TestHealth_ReflectsSiteUpdate(t *testing.T) {
	e := testServer(t)

	w := e.do(t, http.MethodPut, "/site", `{"name":"Tablet Recepcao"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /site status = %d, body = %s", w.Code, w.Body.String())
	}

	resp := decodeBody(t, e.do(t, http.MethodGet, "/health", ""))
	if resp["site"] != "Tablet Recepcao" {
		t.Errorf("health site = %v, want Tablet Recepcao", resp["site"])
	}

	resp = decodeBody(t, e.do(t, http.MethodGet, "/site", ""))
	if resp["name"] != "Tablet Recepcao" {
		t.Errorf("GET /site name = %v", resp["name"])
	}
}

func TestUpdateSite_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"name":`},
		{"empty name", `{"name":"   "}`},
		{"too long", fmt.Sprintf(`{"name":%q}`, strings.Repeat("x", 101))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testServer(t)
			w := e.do(t, http.MethodPut, "/site", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			resp := decodeBody(t, w)
			if resp["ok"] != false || resp["error"] == "" {
				t.Errorf("body = %v, want ok:false with error", resp)
			}
			if got := e.site.SiteName(); got != "Loja Centro" {
				t.Errorf("site name changed to %q", got)
			}
		})
	}
}

func TestRequestID_Generated(t *testing.T) {
	e := testServer(t)
	w := e.do(t, http.MethodGet, "/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	e := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "tablet-42")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "tablet-42" {
		t.Errorf("X-Request-ID = %q, want tablet-42", got)
	}
}

func TestNotFound(t *testing.T) {
	e := testServer(t)
	w := e.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	e := testServer(t)
	h := e.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["ok"] != false {
		t.Errorf("ok = %v, want false", resp["ok"])
	}
}

func TestBodySizeLimit(t *testing.T) {
	e := testServer(t)
	body := `{"name":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := e.do(t, http.MethodPut, "/site", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for oversized body", w.Code)
	}
}

// ─── Tuya Command Tests ────────────────────────────────────────────

func TestTuyaCommand(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{
			name:       "on",
			body:       `{"action":"on","tuya_device_id":"bf01","local_key":"0123456789abcdef","lan_ip":"192.168.1.50"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "validation error",
			body:       `{"action":"toggle","tuya_device_id":"bf01","local_key":"0123456789abcdef","lan_ip":"auto"}`,
			err:        tuya.ErrInvalidAction,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unreachable",
			body:       `{"action":"on","tuya_device_id":"bf01","local_key":"0123456789abcdef","lan_ip":"auto"}`,
			err:        fmt.Errorf("%w: bf01", tuya.ErrResolution),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "transport failure",
			body:       `{"action":"off","tuya_device_id":"bf01","local_key":"0123456789abcdef","lan_ip":"192.168.1.50"}`,
			err:        fmt.Errorf("%w: connection refused", tuya.ErrTransport),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "malformed json",
			body:       `{"action":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testServer(t)
			e.cmd.err = tt.err

			w := e.do(t, http.MethodPost, "/tuya/command", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}

			resp := decodeBody(t, w)
			if tt.wantStatus == http.StatusOK {
				if resp["ok"] != true {
					t.Errorf("ok = %v, want true", resp["ok"])
				}
				if resp["ip"] != "192.168.1.50" || resp["version"] != "3.3" || resp["attempts"] != float64(1) {
					t.Errorf("body = %v", resp)
				}
				return
			}
			if resp["ok"] != false {
				t.Errorf("ok = %v, want false", resp["ok"])
			}
			if msg, _ := resp["error"].(string); msg == "" {
				t.Error("error message is empty")
			}
			if len(resp) != 2 {
				t.Errorf("error body has extra fields: %v", resp)
			}
		})
	}
}

func TestTuyaCommand_VersionForms(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    string
	}{
		{"number", `3.4`, "3.4"},
		{"string", `"3.3"`, "3.3"},
		{"null", `null`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testServer(t)
			body := `{"action":"on","tuya_device_id":"bf01","local_key":"0123456789abcdef","lan_ip":"auto","version":` + tt.version + `}`
			w := e.do(t, http.MethodPost, "/tuya/command", body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			if got := e.cmd.lastCommand(t).Version; got != tt.want {
				t.Errorf("Version = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTuyaCommand_InvalidVersionType(t *testing.T) {
	e := testServer(t)
	body := `{"action":"on","tuya_device_id":"bf01","local_key":"k","version":[3]}`
	if w := e.do(t, http.MethodPost, "/tuya/command", body); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTuyaCommand_UnsupportedVersionFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		version string
	}{
		{"garbage string", `"abc"`},
		{"unknown number", `2.0`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testServer(t)
			body := `{"action":"on","tuya_device_id":"bf01","local_key":"0123456789abcdef","lan_ip":"192.168.1.50","version":` + tt.version + `}`
			w := e.do(t, http.MethodPost, "/tuya/command", body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			if got := e.cmd.lastCommand(t).Version; got != "" {
				t.Errorf("Version = %q, want empty so the default applies", got)
			}
		})
	}
}

// recordingSender captures the address of every frame the real dispatcher sends.
type recordingSender struct {
	mu  sync.Mutex
	ips []string
}

func (s *recordingSender) Send(_ context.Context, ip string, _ int, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ips = append(s.ips, ip)
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ips...)
}

// silentNetwork is a discoverer on which no device ever answers.
type silentNetwork struct{}

func (silentNetwork) Discover(context.Context, time.Duration) (map[string]tuya.DiscoveryReport, error) {
	return map[string]tuya.DiscoveryReport{}, nil
}

// dispatcherServer wires the handlers to a real tuya.Dispatcher so request
// validation is exercised end to end.
func dispatcherServer(t *testing.T) (*testEnv, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	d, err := tuya.NewDispatcher(tuya.DispatcherOptions{
		Sender:           sender,
		Discoverer:       silentNetwork{},
		DiscoveryTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return newTestEnv(t, d), sender
}

func TestTuyaCommand_RealDispatcher(t *testing.T) {
	const key = "0123456789abcdef"
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
		wantSends  []string
	}{
		{
			name:       "static ip",
			body:       `{"action":"on","tuya_device_id":"bf01","local_key":"` + key + `","lan_ip":"192.168.1.60"}`,
			wantStatus: http.StatusOK,
			wantSends:  []string{"192.168.1.60"},
		},
		{
			name:       "unknown action",
			body:       `{"action":"toggle","tuya_device_id":"bf01","local_key":"` + key + `","lan_ip":"192.168.1.60"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `tuya: invalid request: action must be 'on' or 'off': got "toggle"`,
		},
		{
			name:       "padded action",
			body:       `{"action":" on ","tuya_device_id":"bf01","local_key":"` + key + `","lan_ip":"192.168.1.60"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `tuya: invalid request: action must be 'on' or 'off': got " on "`,
		},
		{
			name:       "trailing newline action",
			body:       `{"action":"on\n","tuya_device_id":"bf01","local_key":"` + key + `","lan_ip":"192.168.1.60"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `tuya: invalid request: action must be 'on' or 'off': got "on\n"`,
		},
		{
			name:       "upper case action",
			body:       `{"action":"ON","tuya_device_id":"bf01","local_key":"` + key + `","lan_ip":"192.168.1.60"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `tuya: invalid request: action must be 'on' or 'off': got "ON"`,
		},
		{
			name:       "missing device id",
			body:       `{"action":"on","local_key":"` + key + `","lan_ip":"192.168.1.60"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "tuya: invalid request: device id is required",
		},
		{
			name:       "missing local key",
			body:       `{"action":"on","tuya_device_id":"bf01","lan_ip":"192.168.1.60"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "tuya: invalid request: local key is required",
		},
		{
			name:       "auto with nothing discovered",
			body:       `{"action":"on","tuya_device_id":"bf01","local_key":"` + key + `","lan_ip":"auto"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "tuya: device not reachable: bf01 not found by discovery",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, sender := dispatcherServer(t)

			w := e.do(t, http.MethodPost, "/tuya/command", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}

			sends := sender.sent()
			if len(sends) != len(tt.wantSends) {
				t.Fatalf("sends = %v, want %v", sends, tt.wantSends)
			}
			for i := range sends {
				if sends[i] != tt.wantSends[i] {
					t.Errorf("send[%d] = %q, want %q", i, sends[i], tt.wantSends[i])
				}
			}

			if tt.wantStatus == http.StatusOK {
				return
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.OK || resp.Error != tt.wantError {
				t.Errorf("body = %+v, want {ok:false error:%q}", resp, tt.wantError)
			}
			if len(decodeBody(t, w)) != 2 {
				t.Errorf("error body has extra fields: %s", w.Body.String())
			}
		})
	}
}

func TestTuyaCommand_SavedKeyNotUsed(t *testing.T) {
	e, sender := dispatcherServer(t)
	saveDevice(t, e, "bf01", "192.168.1.60", "3.4")

	w := e.do(t, http.MethodPost, "/tuya/command", `{"action":"on","tuya_device_id":"bf01","lan_ip":"192.168.1.60"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
	}
	if sends := sender.sent(); len(sends) != 0 {
		t.Errorf("sends = %v, want none", sends)
	}
}

// ─── Discovery Endpoint Tests ──────────────────────────────────────

func TestTuyaDevices(t *testing.T) {
	e := testServer(t)
	e.cmd.reports = []tuya.DiscoveryReport{
		{DeviceID: "bf01", IP: "192.168.1.50", Version: tuya.Version33},
		{DeviceID: "bf02", IP: "192.168.1.51", Version: tuya.Version34},
	}

	w := e.do(t, http.MethodGet, "/tuya/devices?timeout_ms=1500", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		OK      bool               `json:"ok"`
		Devices []discoveredDevice `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || len(resp.Devices) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Devices[1] != (discoveredDevice{ID: "bf02", IP: "192.168.1.51", Version: "3.4"}) {
		t.Errorf("devices[1] = %+v", resp.Devices[1])
	}
	if got := e.cmd.timeouts[0]; got != 1500*time.Millisecond {
		t.Errorf("timeout = %v, want 1.5s", got)
	}
}

func TestTuyaDevices_Timeouts(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		want       time.Duration
	}{
		{"default", "", http.StatusOK, 2 * time.Second},
		{"capped", "?timeout_ms=999999", http.StatusOK, maxDiscoveryTimeout},
		{"zero", "?timeout_ms=0", http.StatusBadRequest, 0},
		{"not a number", "?timeout_ms=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testServer(t)
			w := e.do(t, http.MethodGet, "/tuya/devices"+tt.query, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && e.cmd.timeouts[0] != tt.want {
				t.Errorf("timeout = %v, want %v", e.cmd.timeouts[0], tt.want)
			}
		})
	}
}

func TestTuyaDevices_EmptyScan(t *testing.T) {
	e := testServer(t)
	resp := decodeBody(t, e.do(t, http.MethodGet, "/tuya/devices", ""))
	devices, ok := resp["devices"].([]any)
	if !ok || len(devices) != 0 {
		t.Errorf("devices = %v, want empty array", resp["devices"])
	}
}

func TestTuyaDevices_ScanError(t *testing.T) {
	e := testServer(t)
	e.cmd.discoverErr = errors.New("no broadcast route")

	w := e.do(t, http.MethodGet, "/tuya/devices", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Sync Tests ────────────────────────────────────────────────────

func TestTuyaSync(t *testing.T) {
	e := testServer(t)
	saveDevice(t, e, "bf02", "192.168.1.10", "3.3")
	e.cmd.reports = []tuya.DiscoveryReport{
		{DeviceID: "bf01", IP: "192.168.1.77", Version: tuya.Version34},
		{DeviceID: "bf02", IP: "192.168.1.78", Version: tuya.Version33},
		{DeviceID: "bf99", IP: "192.168.1.99", Version: tuya.Version33},
	}

	body := `{"site_id":"Loja Norte","devices":{"bf01":{"name":"Vitrine","local_key":"0123456789abcdef"}}}`
	w := e.do(t, http.MethodPost, "/tuya/sync", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	resp := decodeBody(t, w)
	if resp["saved"] != float64(1) {
		t.Errorf("saved = %v, want 1", resp["saved"])
	}
	if resp["updated"] != float64(2) {
		t.Errorf("updated = %v, want 2", resp["updated"])
	}
	if got := e.site.SiteName(); got != "Loja Norte" {
		t.Errorf("site = %q, want Loja Norte", got)
	}

	ctx := context.Background()
	bf01, err := e.devices.Get(ctx, "bf01")
	if err != nil {
		t.Fatalf("Get(bf01): %v", err)
	}
	if bf01.LANIP != tuya.AutoIP || bf01.Version != "3.4" || bf01.LastSeen == nil {
		t.Errorf("bf01 = %+v, want auto IP, version 3.4, seen", bf01)
	}

	bf02, err := e.devices.Get(ctx, "bf02")
	if err != nil {
		t.Fatalf("Get(bf02): %v", err)
	}
	if bf02.LANIP != "192.168.1.78" {
		t.Errorf("bf02 LANIP = %q, want the discovered address", bf02.LANIP)
	}

	if _, err := e.devices.Get(ctx, "bf99"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("unsaved device bf99 was stored: %v", err)
	}
}

func TestTuyaSync_EmptyBody(t *testing.T) {
	e := testServer(t)
	w := e.do(t, http.MethodPost, "/tuya/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["updated"] != float64(0) {
		t.Errorf("updated = %v, want 0", resp["updated"])
	}
}

func TestTuyaSync_NewDeviceWithoutKeySkipped(t *testing.T) {
	e := testServer(t)
	w := e.do(t, http.MethodPost, "/tuya/sync", `{"devices":{"bf01":{}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["saved"] != float64(0) || resp["skipped"] != float64(1) {
		t.Errorf("body = %v, want saved 0 skipped 1", resp)
	}
}

func TestTuyaSync_InvalidDevice(t *testing.T) {
	e := testServer(t)
	w := e.do(t, http.MethodPost, "/tuya/sync", `{"devices":{"bf01":{"local_key":"short"}}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTuyaSync_ScanError(t *testing.T) {
	e := testServer(t)
	e.cmd.discoverErr = errors.New("socket closed")
	if w := e.do(t, http.MethodPost, "/tuya/sync", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestTuyaSync_ScanErrorKeepsSiteName(t *testing.T) {
	e := testServer(t)
	e.cmd.discoverErr = errors.New("socket closed")
	client := newTestClient(e.srv.Hub(), EventSiteUpdated)

	w := e.do(t, http.MethodPost, "/tuya/sync", `{"site_id":"Loja Norte"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := e.site.SiteName(); got != "Loja Centro" {
		t.Errorf("SiteName() = %q, want unchanged after failed scan", got)
	}
	select {
	case msg := <-client.send:
		t.Errorf("unexpected broadcast: %s", msg)
	default:
	}
}

// ─── Saved Device Tests ────────────────────────────────────────────

func TestDevices_PutListDelete(t *testing.T) {
	e := testServer(t)

	w := e.do(t, http.MethodPut, "/devices/bf01",
		`{"name":"Vitrine","local_key":"0123456789abcdef","lan_ip":"AUTO","version":3.3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", w.Code, w.Body.String())
	}
	put := decodeBody(t, w)
	if _, leaked := put["local_key"]; leaked {
		t.Error("PUT response contains local_key")
	}
	if put["has_local_key"] != true || put["lan_ip"] != "auto" || put["version"] != "3.3" {
		t.Errorf("PUT body = %v", put)
	}

	// Rename without resending the key.
	if w := e.do(t, http.MethodPut, "/devices/bf01", `{"name":"Balcao"}`); w.Code != http.StatusOK {
		t.Fatalf("rename status = %d, body = %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "0123456789abcdef") {
		t.Error("device list leaks the local key")
	}
	list := decodeBody(t, w)
	devices, _ := list["devices"].([]any)
	if len(devices) != 1 {
		t.Fatalf("devices = %v, want 1", list["devices"])
	}
	if first, _ := devices[0].(map[string]any); first["name"] != "Balcao" {
		t.Errorf("name = %v, want Balcao", first["name"])
	}

	if w := e.do(t, http.MethodDelete, "/devices/bf01", ""); w.Code != http.StatusOK {
		t.Errorf("DELETE status = %d", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/devices/bf01", ""); w.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", w.Code)
	}
}

func TestDevices_PutInvalid(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"bad id", "/devices/bf%2001", `{"local_key":"0123456789abcdef"}`},
		{"malformed json", "/devices/bf01", `{"name":`},
		{"url address", "/devices/bf01", `{"local_key":"0123456789abcdef","lan_ip":"http://192.168.1.5"}`},
		{"short key", "/devices/bf01", `{"local_key":"short"}`},
		{"missing key", "/devices/bf01", `{"name":"Vitrine"}`},
		{"bad version", "/devices/bf01", `{"local_key":"0123456789abcdef","version":"9.9"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testServer(t)
			w := e.do(t, http.MethodPut, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	e := testServer(t)
	e.cmd.stats = tuya.DispatcherStats{CommandsSent: 4, CommandsFailed: 1, Retries: 1, Scans: 2}
	saveDevice(t, e, "bf01", "auto", "")

	w := e.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.Commands.Sent != 4 || m.Commands.Failed != 1 || m.Commands.Scans != 2 {
		t.Errorf("commands = %+v", m.Commands)
	}
	if m.Devices.Total != 1 || m.Devices.AutoIP != 1 || m.Devices.NeverSeen != 1 {
		t.Errorf("devices = %+v", m.Devices)
	}
	if m.MQTT.Enabled {
		t.Error("MQTT reported enabled without a client")
	}
	if m.Site != "Loja Centro" || m.Version != "test" {
		t.Errorf("site/version = %q/%q", m.Site, m.Version)
	}
}

// ─── Hub Tests ─────────────────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	subs := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		subs[ch] = struct{}{}
	}
	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: subs,
	}
	hub.Register(client)
	return client
}

func receive(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return wsMsg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}
	return WSMessage{}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newTestClient(hub, EventCommandSent)
	hub.Broadcast(EventCommandSent, map[string]any{"device_id": "bf01"})

	if msg := receive(t, client); msg.EventType != EventCommandSent {
		t.Errorf("event_type = %q, want %q", msg.EventType, EventCommandSent)
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub, EventDiscoveryCompleted)

	hub.Broadcast(EventCommandSent, map[string]any{"device_id": "bf01"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_WildcardSubscription(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub, WSChannelAll)

	hub.Broadcast(EventSiteUpdated, map[string]string{"name": "x"})
	if msg := receive(t, client); msg.EventType != EventSiteUpdated {
		t.Errorf("event_type = %q", msg.EventType)
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := newTestClient(hub)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
	// A second unregister must not close the channel twice.
	hub.Unregister(client)
}

func TestHub_OnCommand(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub, WSChannelAll)

	hub.OnCommand(tuya.CommandEvent{
		DeviceID: "bf01", Action: "on", IP: "192.168.1.50", Version: tuya.Version34,
		Attempts: 2, Duration: 1500 * time.Microsecond, Outcome: tuya.OutcomeSent,
	})
	msg := receive(t, client)
	if msg.EventType != EventCommandSent {
		t.Errorf("event_type = %q, want %q", msg.EventType, EventCommandSent)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["version"] != "3.4" || payload["attempts"] != float64(2) || payload["duration_ms"] != 1.5 {
		t.Errorf("payload = %v", payload)
	}

	hub.OnCommand(tuya.CommandEvent{
		DeviceID: "bf01", Action: "off", Outcome: tuya.OutcomeUnreachable,
		Err: fmt.Errorf("%w: bf01", tuya.ErrResolution),
	})
	msg = receive(t, client)
	if msg.EventType != EventCommandFailed {
		t.Errorf("event_type = %q, want %q", msg.EventType, EventCommandFailed)
	}
	payload, _ = msg.Payload.(map[string]any)
	if payload["error"] == "" || payload["error"] == nil {
		t.Errorf("failed event has no error: %v", payload)
	}
}

func TestHub_OnDiscovery(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newTestClient(hub, EventDiscoveryCompleted)

	hub.OnDiscovery([]tuya.DiscoveryReport{{DeviceID: "bf01", IP: "192.168.1.50", Version: tuya.Version33}})

	msg := receive(t, client)
	payload, _ := msg.Payload.(map[string]any)
	if payload["count"] != float64(1) {
		t.Errorf("payload = %v", payload)
	}
}

// ─── Listener Tests ────────────────────────────────────────────────

// startTestServer starts a server on an ephemeral loopback port.
func startTestServer(t *testing.T) (*testEnv, string) {
	t.Helper()
	e := testServer(t)

	if err := e.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { e.srv.Close() })
	return e, e.srv.Addr()
}

func TestServer_StartAndClose(t *testing.T) {
	e := testServer(t)

	if err := e.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if e.srv.Addr() != "" {
		t.Errorf("Addr() before Start = %q", e.srv.Addr())
	}

	if err := e.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := e.srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := e.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	addr := e.srv.Addr()
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := e.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	_, addr := startTestServer(t)

	e := testServer(t)
	var port int
	if _, err := fmt.Sscanf(addr[strings.LastIndex(addr, ":")+1:], "%d", &port); err != nil {
		t.Fatal(err)
	}
	e.srv.cfg.Port = port

	if err := e.srv.Start(context.Background()); err == nil {
		e.srv.Close()
		t.Error("Start() on a bound port should fail")
	}
}

func TestNew_MissingDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without dependencies should fail")
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func connectWebSocket(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func subscribe(t *testing.T, ws *websocket.Conn, channels ...string) {
	t.Helper()
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
}

func TestWebSocket_CommandEvents(t *testing.T) {
	e, addr := startTestServer(t)
	ws := connectWebSocket(t, addr)
	subscribe(t, ws, EventCommandSent)

	e.srv.Hub().OnCommand(tuya.CommandEvent{DeviceID: "bf01", Action: "on", Outcome: tuya.OutcomeSent, Attempts: 1})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != EventCommandSent {
		t.Errorf("message = %+v", msg)
	}
}

func TestWebSocket_SiteUpdateEvent(t *testing.T) {
	_, addr := startTestServer(t)
	ws := connectWebSocket(t, addr)
	subscribe(t, ws, EventSiteUpdated)

	req, _ := http.NewRequest(http.MethodPut, "http://"+addr+"/site", strings.NewReader(`{"name":"Loja Sul"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	payload, _ := msg.Payload.(map[string]any)
	if msg.EventType != EventSiteUpdated || payload["name"] != "Loja Sul" {
		t.Errorf("message = %+v", msg)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	_, addr := startTestServer(t)
	ws := connectWebSocket(t, addr)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("message = %+v, want pong p1", msg)
	}
}

func TestWebSocket_InvalidMessage(t *testing.T) {
	_, addr := startTestServer(t)
	ws := connectWebSocket(t, addr)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != WSTypeError {
		t.Errorf("type = %q, want error", msg.Type)
	}
}

func TestWSClient_SubscribeChannels(t *testing.T) {
	tests := []struct {
		name     string
		channels []string
		wantType string
	}{
		{"known", []string{EventCommandSent, EventDeviceDeleted}, WSTypeResponse},
		{"wildcard", []string{WSChannelAll}, WSTypeResponse},
		{"unknown", []string{EventCommandSent, "state.changed"}, WSTypeError},
		{"empty", nil, WSTypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(testWSConfig(), testLogger())
			client := newTestClient(hub)

			data, _ := json.Marshal(WSMessage{
				Type:    WSTypeSubscribe,
				ID:      "s1",
				Payload: WSSubscribePayload{Channels: tt.channels},
			})
			client.handleMessage(data)

			msg := receive(t, client)
			if msg.Type != tt.wantType || msg.ID != "s1" {
				t.Errorf("reply = %+v, want type %q", msg, tt.wantType)
			}
			client.mu.RLock()
			subscribed := len(client.subscriptions)
			client.mu.RUnlock()
			if tt.wantType == WSTypeError && subscribed != 0 {
				t.Errorf("rejected subscribe left %d subscriptions", subscribed)
			}
		})
	}
}

// ─── Version Decoding ──────────────────────────────────────────────

func TestProtocolVersion_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`3.3`, "3.3", false},
		{`3`, "3", false},
		{`" 3.4 "`, "3.4", false},
		{`null`, "", false},
		{`true`, "", true},
		{`{}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var v protocolVersion
			err := json.Unmarshal([]byte(tt.in), &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(v) != tt.want {
				t.Errorf("got %q, want %q", v, tt.want)
			}
		})
	}
}
