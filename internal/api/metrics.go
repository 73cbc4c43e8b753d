package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Site          string            `json:"site"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WebSocket     WSMetrics         `json:"websocket"`
	MQTT          MQTTMetrics       `json:"mqtt"`
	Commands      DispatcherMetrics `json:"commands"`
	Devices       DeviceMetrics     `json:"devices"`
	Database      DatabaseMetrics   `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// DispatcherMetrics contains command dispatcher counters since start.
type DispatcherMetrics struct {
	Sent        uint64 `json:"sent"`
	Failed      uint64 `json:"failed"`
	Retries     uint64 `json:"retries"`
	Scans       uint64 `json:"scans"`
	LastCommand string `json:"last_command,omitempty"`
	LastScan    string `json:"last_scan,omitempty"`
}

// DeviceMetrics contains saved-device statistics.
type DeviceMetrics struct {
	Total     int `json:"total"`
	AutoIP    int `json:"auto_ip"`
	StaticIP  int `json:"static_ip"`
	NeverSeen int `json:"never_seen"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	// Collect runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := s.dispatcher.Stats()

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		Site:          s.site.SiteName(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.Hub().ClientCount(),
		},
		Commands: DispatcherMetrics{
			Sent:        stats.CommandsSent,
			Failed:      stats.CommandsFailed,
			Retries:     stats.Retries,
			Scans:       stats.Scans,
			LastCommand: formatTime(stats.LastCommand),
			LastScan:    formatTime(stats.LastScan),
		},
	}

	// MQTT metrics (if available)
	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{
			Enabled:   true,
			Connected: s.mqtt.IsConnected(),
		}
	}

	devStats := s.devices.Stats()
	metrics.Devices = DeviceMetrics{
		Total:     devStats.Total,
		AutoIP:    devStats.AutoIP,
		StaticIP:  devStats.StaticIP,
		NeverSeen: devStats.NeverSeen,
	}

	// Database stats (if available)
	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
