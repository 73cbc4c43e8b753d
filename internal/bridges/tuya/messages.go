package tuya

import (
	"time"

	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/mqtt"
)

// Protocol is the protocol segment of every bridge topic.
const Protocol = "tuya"

// CommandMessage asks the bridge to switch a saved device.
// Topic: tuyalan/command/tuya/{device_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID defaults to the last topic segment when empty.
	DeviceID string `json:"device_id"`

	// Command is "on" or "off".
	Command string `json:"command"`

	// Parameters may carry "version" to pin the protocol version.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated (e.g. "panel", "schedule").
	Source string `json:"source"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted means the frame was handed to the network stack.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command could not be sent.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: tuyalan/ack/tuya/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// IP, Version and Attempts describe an accepted send.
	IP       string  `json:"ip,omitempty"`
	Version  Version `json:"version,omitempty"`
	Attempts int     `json:"attempts,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Retries is the number of version fallbacks attempted.
	Retries int `json:"retries,omitempty"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// DiscoveryMessage lists the devices found by one scan.
// Topic: tuyalan/discovery/tuya
type DiscoveryMessage struct {
	Timestamp time.Time         `json:"timestamp"`
	Devices   []DiscoveryReport `json:"devices"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: tuyalan/health/tuya
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// BridgeStatistics contains dispatcher counters.
type BridgeStatistics struct {
	CommandsSent   uint64     `json:"commands_sent"`
	CommandsFailed uint64     `json:"commands_failed"`
	Retries        uint64     `json:"retries"`
	Scans          uint64     `json:"scans"`
	LastScan       *time.Time `json:"last_scan,omitempty"`
	LastCommand    *time.Time `json:"last_command,omitempty"`
}

// NewAckMessage creates an accepted acknowledgment.
func NewAckMessage(cmd CommandMessage, res Result) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckAccepted,
		Protocol:  Protocol,
		IP:        res.IP,
		Version:   res.Version,
		Attempts:  res.Attempts,
	}
}

// NewAckError creates a failed acknowledgment.
func NewAckError(cmd CommandMessage, code, message string, retries int) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckFailed,
		Protocol:  Protocol,
		Error: &AckError{
			Code:    code,
			Message: message,
			Retries: retries,
		},
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats DispatcherStats, deviceCount int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
		Statistics: &BridgeStatistics{
			CommandsSent:   stats.CommandsSent,
			CommandsFailed: stats.CommandsFailed,
			Retries:        stats.Retries,
			Scans:          stats.Scans,
		},
	}
	if !stats.LastScan.IsZero() {
		t := stats.LastScan.UTC()
		msg.Statistics.LastScan = &t
	}
	if !stats.LastCommand.IsZero() {
		t := stats.LastCommand.UTC()
		msg.Statistics.LastCommand = &t
	}
	return msg
}

// Topic helpers

var topics mqtt.Topics

// CommandTopic returns the command topic for a device.
// Example: tuyalan/command/tuya/bf1234abcd
func CommandTopic(deviceID string) string {
	return topics.BridgeCommand(Protocol, deviceID)
}

// AckTopic returns the acknowledgment topic for a device.
// Example: tuyalan/ack/tuya/bf1234abcd
func AckTopic(deviceID string) string {
	return topics.BridgeAck(Protocol, deviceID)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return topics.BridgeHealth(Protocol)
}

// DiscoveryTopic returns the topic scan results are published on.
func DiscoveryTopic() string {
	return topics.BridgeDiscovery(Protocol)
}

// CommandSubscribeTopic matches the command topic of every device.
// Example: tuyalan/command/tuya/+
func CommandSubscribeTopic() string {
	return topics.BridgeCommand(Protocol, "+")
}
