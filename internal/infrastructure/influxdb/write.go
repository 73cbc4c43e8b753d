package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCommands  = "tuya_commands"
	MeasurementDiscovery = "tuya_discovery"
)

// CommandMetric describes one dispatched device command.
type CommandMetric struct {
	DeviceID string
	Action   string
	Version  string
	Outcome  string
	Attempts int
	Duration time.Duration
	Time     time.Time
}

// DiscoveryMetric describes one completed discovery scan.
type DiscoveryMetric struct {
	Devices  int
	Duration time.Duration
	Time     time.Time
}

// NewCommandPoint converts a command metric into a line-protocol point.
//
// Tags: device_id, action, version, outcome.
// Fields: attempts, duration_ms.
func NewCommandPoint(m CommandMetric) *write.Point {
	tags := map[string]string{
		"device_id": m.DeviceID,
		"action":    m.Action,
		"outcome":   m.Outcome,
	}
	// An empty tag value is rejected by line protocol; rejected commands
	// may never have resolved a version.
	if m.Version != "" {
		tags["version"] = m.Version
	}

	return write.NewPoint(
		MeasurementCommands,
		tags,
		map[string]interface{}{
			"attempts":    int64(m.Attempts),
			"duration_ms": durationMillis(m.Duration),
		},
		timestampOrNow(m.Time),
	)
}

// NewDiscoveryPoint converts a discovery metric into a line-protocol point.
func NewDiscoveryPoint(m DiscoveryMetric) *write.Point {
	return write.NewPoint(
		MeasurementDiscovery,
		nil,
		map[string]interface{}{
			"devices":     int64(m.Devices),
			"duration_ms": durationMillis(m.Duration),
		},
		timestampOrNow(m.Time),
	)
}

// WriteCommandMetric records a command outcome. No-op when disconnected.
func (c *Client) WriteCommandMetric(m CommandMetric) {
	c.WritePoint(NewCommandPoint(m))
}

// WriteDiscoveryMetric records a discovery scan. No-op when disconnected.
func (c *Client) WriteDiscoveryMetric(m DiscoveryMetric) {
	c.WritePoint(NewDiscoveryPoint(m))
}

// WritePoint queues an arbitrary point. No-op when disconnected.
func (c *Client) WritePoint(point *write.Point) {
	if !c.IsConnected() || c.writer == nil {
		return
	}
	c.writer.WritePoint(point)
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
