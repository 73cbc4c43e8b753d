package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
	"github.com/nerrad567/tuya-lan-core/internal/device"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestRun_InvalidConfig verifies run fails with a malformed config file.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("TUYALAN_CONFIG", writeConfig(t, "api: [not, a, map"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with a malformed config file")
	}
}

// TestRun_InvalidValues verifies validation errors stop startup.
func TestRun_InvalidValues(t *testing.T) {
	t.Setenv("TUYALAN_CONFIG", writeConfig(t, `
database:
  path: ""
tuya:
  transport: carrier-pigeon
`))

	err := run(context.Background())
	if err == nil {
		t.Fatal("run() should fail validation")
	}
	if !strings.Contains(err.Error(), "database.path") || !strings.Contains(err.Error(), "tuya.transport") {
		t.Errorf("error = %v, want both problems reported", err)
	}
}

// TestRun_StartsAndStops boots the service with optional backends off and
// checks /health before shutting down.
func TestRun_StartsAndStops(t *testing.T) {
	port := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "data", "tuyalan.db")
	t.Setenv("TUYALAN_CONFIG", writeConfig(t, fmt.Sprintf(`
site:
  name: "Loja Teste"
database:
  path: %q
  wal_mode: true
  busy_timeout: 5
api:
  host: "127.0.0.1"
  port: %d
logging:
  level: error
  format: text
tuya:
  discovery:
    scan_on_start: false
netmon:
  enabled: false
`, dbPath, port)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if resp == nil {
		cancel()
		t.Fatal("service never answered /health")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("TUYALAN_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("TUYALAN_CONFIG", "/etc/tuyalan/config.yaml")
	if got := getConfigPath(); got != "/etc/tuyalan/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.API.Host != "127.0.0.1" || cfg.API.Port != 8000 {
		t.Errorf("API = %s:%d, want defaults", cfg.API.Host, cfg.API.Port)
	}
}

// ─── Wiring ────────────────────────────────────────────────────────

type fakeDiscoverer struct {
	found map[string]tuya.DiscoveryReport
	err   error
	delay time.Duration
}

func (f *fakeDiscoverer) Discover(_ context.Context, _ time.Duration) (map[string]tuya.DiscoveryReport, error) {
	time.Sleep(f.delay)
	return f.found, f.err
}

type fakeMetrics struct {
	mu        sync.Mutex
	commands  []influxdb.CommandMetric
	discovery []influxdb.DiscoveryMetric
}

func (f *fakeMetrics) WriteCommandMetric(m influxdb.CommandMetric) {
	f.mu.Lock()
	f.commands = append(f.commands, m)
	f.mu.Unlock()
}

func (f *fakeMetrics) WriteDiscoveryMetric(m influxdb.DiscoveryMetric) {
	f.mu.Lock()
	f.discovery = append(f.discovery, m)
	f.mu.Unlock()
}

func TestMeteredDiscoverer(t *testing.T) {
	metrics := &fakeMetrics{}
	next := &fakeDiscoverer{
		found: map[string]tuya.DiscoveryReport{"bf01": {DeviceID: "bf01"}},
		err:   errors.New("partial"),
		delay: 5 * time.Millisecond,
	}
	m := &meteredDiscoverer{next: next, metrics: metrics}

	found, err := m.Discover(context.Background(), time.Second)
	if err == nil || len(found) != 1 {
		t.Errorf("Discover() = %v, %v; want results and error passed through", found, err)
	}
	if len(metrics.discovery) != 1 {
		t.Fatalf("discovery metrics = %d, want 1", len(metrics.discovery))
	}
	got := metrics.discovery[0]
	if got.Devices != 1 || got.Duration < 5*time.Millisecond {
		t.Errorf("metric = %+v", got)
	}
}

func TestCommandMetricObserver(t *testing.T) {
	metrics := &fakeMetrics{}
	observe := commandMetricObserver(metrics)

	now := time.Now()
	observe(tuya.CommandEvent{
		Time: now, DeviceID: "bf01", Action: "on", Version: tuya.Version34,
		Attempts: 2, Duration: 40 * time.Millisecond, Outcome: tuya.OutcomeSent,
	})

	if len(metrics.commands) != 1 {
		t.Fatalf("command metrics = %d, want 1", len(metrics.commands))
	}
	want := influxdb.CommandMetric{
		DeviceID: "bf01", Action: "on", Version: "3.4", Outcome: tuya.OutcomeSent,
		Attempts: 2, Duration: 40 * time.Millisecond, Time: now,
	}
	if metrics.commands[0] != want {
		t.Errorf("metric = %+v, want %+v", metrics.commands[0], want)
	}
}

type fakeScanner struct {
	reports []tuya.DiscoveryReport
	err     error
}

func (f *fakeScanner) Discover(_ context.Context, _ time.Duration) ([]tuya.DiscoveryReport, error) {
	return f.reports, f.err
}

type fakeRecorder struct {
	sightings []device.Sighting
	err       error
}

func (f *fakeRecorder) RecordSightings(_ context.Context, s []device.Sighting) (int, error) {
	f.sightings = append(f.sightings, s...)
	return len(s), f.err
}

func TestResyncer(t *testing.T) {
	tests := []struct {
		name      string
		scanErr   error
		cancelled bool
		wantSeen  int
	}{
		{"clean scan", nil, false, 2},
		{"partial scan still records", errors.New("listen port busy"), false, 2},
		{"cancelled skips recording", context.Canceled, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			rs := &resyncer{
				dispatcher: &fakeScanner{
					reports: []tuya.DiscoveryReport{
						{DeviceID: "bf01", IP: "10.0.0.1", Version: tuya.Version33},
						{DeviceID: "bf02", IP: "10.0.0.2", Version: tuya.Version34},
					},
					err: tt.scanErr,
				},
				devices: rec,
				log:     logging.Default(),
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancelled {
				cancel()
			}
			rs.run(ctx, "test")

			if len(rec.sightings) != tt.wantSeen {
				t.Errorf("sightings = %d, want %d", len(rec.sightings), tt.wantSeen)
			}
		})
	}
}
