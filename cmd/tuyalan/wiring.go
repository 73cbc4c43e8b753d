package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
	"github.com/nerrad567/tuya-lan-core/internal/device"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/config"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/logging"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/mqtt"
)

// connectInfluxDB connects the metrics client and routes write errors to
// the log.
func connectInfluxDB(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if err != nil {
		return nil, err
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

// newDispatcher builds the sender, scanner and dispatcher from config.
// Scans are timed into InfluxDB when a client is given.
func newDispatcher(cfg *config.Config, cache *tuya.DiscoveryCache, influx *influxdb.Client, log *logging.Logger) (*tuya.Dispatcher, error) {
	sender, err := tuya.NewSender(cfg.Tuya.Transport, cfg.Tuya.SendTimeout)
	if err != nil {
		return nil, err
	}

	defaultVersion, err := tuya.ParseVersion(cfg.Tuya.DefaultVersion)
	if err != nil {
		return nil, err
	}

	scanner := tuya.NewScanner()
	scanner.BroadcastAddress = cfg.Tuya.Discovery.BroadcastAddress
	scanner.Port = cfg.Tuya.Discovery.Port
	scanner.ListenPorts = cfg.Tuya.Discovery.ListenPorts
	scanner.SetLogger(log.Component("scanner"))

	var discoverer tuya.Discoverer = scanner
	if influx != nil {
		discoverer = &meteredDiscoverer{next: scanner, metrics: influx}
	}

	return tuya.NewDispatcher(tuya.DispatcherOptions{
		Sender:           sender,
		Discoverer:       discoverer,
		Cache:            cache,
		Port:             cfg.Tuya.Port,
		DiscoveryTimeout: cfg.Tuya.Discovery.Timeout,
		DefaultVersion:   defaultVersion,
		Logger:           log.Component("dispatcher"),
	})
}

// discoveryRecorder is the part of the InfluxDB client the scanner wrapper uses.
type discoveryRecorder interface {
	WriteDiscoveryMetric(m influxdb.DiscoveryMetric)
}

// meteredDiscoverer times each scan and records it.
type meteredDiscoverer struct {
	next    tuya.Discoverer
	metrics discoveryRecorder
}

// Discover implements tuya.Discoverer.
func (m *meteredDiscoverer) Discover(ctx context.Context, timeout time.Duration) (map[string]tuya.DiscoveryReport, error) {
	start := time.Now()
	found, err := m.next.Discover(ctx, timeout)
	m.metrics.WriteDiscoveryMetric(influxdb.DiscoveryMetric{
		Devices:  len(found),
		Duration: time.Since(start),
		Time:     start,
	})
	return found, err
}

// commandRecorder is the part of the InfluxDB client the command observer uses.
type commandRecorder interface {
	WriteCommandMetric(m influxdb.CommandMetric)
}

// commandMetricObserver converts dispatcher events into InfluxDB points.
func commandMetricObserver(metrics commandRecorder) func(tuya.CommandEvent) {
	return func(ev tuya.CommandEvent) {
		metrics.WriteCommandMetric(influxdb.CommandMetric{
			DeviceID: ev.DeviceID,
			Action:   ev.Action,
			Version:  ev.Version.String(),
			Outcome:  ev.Outcome,
			Attempts: ev.Attempts,
			Duration: ev.Duration,
			Time:     ev.Time,
		})
	}
}

// startBridge creates and starts the MQTT command bridge.
//
// Parameters:
//   - ctx: Context for subscription/cancellation
//   - cfg: Application configuration
//   - mqttClient: Connected MQTT client
//   - dispatcher: Command dispatcher
//   - devices: Saved-device registry supplying keys and addresses
//   - log: Logger instance
//
// Returns:
//   - *tuya.Bridge: Running bridge
//   - error: If the bridge fails to start
func startBridge(ctx context.Context, cfg *config.Config, mqttClient *mqtt.Client, dispatcher *tuya.Dispatcher, devices *device.Registry, log *logging.Logger) (*tuya.Bridge, error) {
	bridge, err := tuya.NewBridge(tuya.BridgeOptions{
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Dispatcher:     dispatcher,
		Devices:        devices,
		Version:        version,
		HealthInterval: cfg.Tuya.HealthInterval,
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating tuya bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("tuya bridge started", "topic", tuya.CommandSubscribeTopic())
	return bridge, nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Tuya bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements tuya.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements tuya.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements tuya.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// networkScanner is the part of the dispatcher a resync needs.
type networkScanner interface {
	Discover(ctx context.Context, timeout time.Duration) ([]tuya.DiscoveryReport, error)
}

// sightingRecorder is the part of the device registry a resync needs.
type sightingRecorder interface {
	RecordSightings(ctx context.Context, sightings []device.Sighting) (int, error)
}

// resyncer scans the network and refreshes saved devices from the result.
type resyncer struct {
	dispatcher networkScanner
	devices    sightingRecorder
	bridge     *tuya.Bridge // nil without MQTT
	log        *logging.Logger
}

// run performs one scan. Errors are logged; a partial scan still updates
// the devices it found.
func (r *resyncer) run(ctx context.Context, reason string) {
	reports, err := r.dispatcher.Discover(ctx, 0)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("resync scan failed", "reason", reason, "error", err)
	}

	updated, err := r.devices.RecordSightings(ctx, device.SightingsFromReports(reports, time.Now().UTC()))
	if err != nil {
		r.log.Warn("resync could not record every sighting", "reason", reason, "error", err)
	}
	if r.bridge != nil {
		r.bridge.RefreshDeviceCount(ctx)
	}
	r.log.Info("resync complete", "reason", reason, "found", len(reports), "updated", updated)
}
