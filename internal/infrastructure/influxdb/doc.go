// Package influxdb records Tuya command telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//   - tuya_commands: one point per dispatched command, tagged with
//     device_id, action, version and outcome
//   - tuya_discovery: one point per discovery scan
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry is optional
//	}
//	defer client.Close()
//
//	client.WriteCommandMetric(influxdb.CommandMetric{
//	    DeviceID: "bf1234", Action: "on", Version: "3.3",
//	    Outcome: "sent", Attempts: 1, Duration: 40 * time.Millisecond,
//	})
//
// Write errors are delivered asynchronously through SetOnError.
package influxdb
