package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// commandTopicParts is tuyalan/command/tuya/{device_id}.
	commandTopicParts = 4

	// bridgeCommandTimeout covers an "auto" scan plus both send attempts.
	bridgeCommandTimeout = 15 * time.Second
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// StoredDevice is the subset of a saved device the bridge needs to send.
type StoredDevice struct {
	ID       string
	LocalKey string
	IP       string
	Version  string
}

// DeviceStore supplies keys and addresses for MQTT-originated commands.
// *device.Registry satisfies it.
type DeviceStore interface {
	// LookupDevice returns ErrUnknownDevice when the device is not saved.
	LookupDevice(ctx context.Context, id string) (StoredDevice, error)

	// CountDevices returns the number of saved devices.
	CountDevices(ctx context.Context) (int, error)
}

// Commander executes commands. *Dispatcher implements it.
type Commander interface {
	SetPower(ctx context.Context, cmd Command) (Result, error)
	Stats() DispatcherStats
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	MQTTClient MQTTClient
	Dispatcher Commander
	Devices    DeviceStore

	// BridgeID names the bridge in health messages. Default: "tuya".
	BridgeID string

	// Version is the software version reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	Logger Logger
}

// Bridge connects the dispatcher to MQTT. It handles:
//   - Receiving commands on tuyalan/command/tuya/{device_id}
//   - Publishing acknowledgments and discovery results
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt       MQTTClient
	dispatcher Commander
	devices    DeviceStore
	health     *HealthReporter

	// Shutdown coordination
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("device store is required")
	}
	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = Protocol
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		mqtt:       opts.MQTTClient,
		dispatcher: opts.Dispatcher,
		devices:    opts.Devices,
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Stats:     opts.Dispatcher,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}
	return b, nil
}

// Start subscribes to command topics and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}
	b.refreshDeviceCount(ctx)

	topic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", topic)

	b.health.Start(ctx)
	return nil
}

// Stop cancels in-flight commands, waits for them and publishes a final
// "stopping" health status.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.wg.Wait()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// PublishDiscovery publishes the result of a scan.
// It is registered as a dispatcher discovery observer.
func (b *Bridge) PublishDiscovery(reports []DiscoveryReport) {
	if reports == nil {
		reports = []DiscoveryReport{}
	}
	payload, err := json.Marshal(DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Devices:   reports,
	})
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}
	if err := b.mqtt.Publish(DiscoveryTopic(), payload, 1, false); err != nil {
		b.logError("failed to publish discovery", err)
	}
}

// handleMQTTMessage runs each command on its own goroutine so a discovery
// scan never blocks the MQTT client's delivery loop.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != commandTopicParts || parts[1] != "command" {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	select {
	case <-b.ctx.Done():
		return
	default:
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handleCommand(parts[3], payload)
	}()
}

// handleCommand processes one command message.
func (b *Bridge) handleCommand(topicDeviceID string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAckError(CommandMessage{DeviceID: topicDeviceID}, ErrCodeInvalidParameters,
			fmt.Sprintf("invalid command json: %v", err), 0)
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topicDeviceID
	}
	if cmd.DeviceID != topicDeviceID {
		b.publishAckError(CommandMessage{ID: cmd.ID, DeviceID: topicDeviceID}, ErrCodeInvalidParameters,
			fmt.Sprintf("device_id %q does not match topic", cmd.DeviceID), 0)
		return
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command,
		"source", cmd.Source)

	if _, err := ParseAction(cmd.Command); err != nil {
		b.publishAckError(cmd, ErrCodeInvalidCommand, fmt.Sprintf("unknown command: %s", cmd.Command), 0)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, bridgeCommandTimeout)
	defer cancel()

	dev, err := b.devices.LookupDevice(ctx, cmd.DeviceID)
	if errors.Is(err, ErrUnknownDevice) {
		b.publishAckError(cmd, ErrCodeNotConfigured, fmt.Sprintf("device %s not configured", cmd.DeviceID), 0)
		return
	}
	if err != nil {
		b.publishAckError(cmd, ErrCodeBridgeError, err.Error(), 0)
		return
	}

	version := dev.Version
	if v, ok := cmd.Parameters["version"].(string); ok && v != "" {
		version = v
	}

	res, err := b.dispatcher.SetPower(ctx, Command{
		DeviceID: dev.ID,
		LocalKey: dev.LocalKey,
		IP:       dev.IP,
		Action:   cmd.Command,
		Version:  version,
	})
	if err != nil {
		retries := 0
		if res.Attempts > 1 {
			retries = res.Attempts - 1
		}
		b.publishAckError(cmd, errorCode(ctx, err), err.Error(), retries)
		return
	}
	b.publishAck(cmd, res)
}

// errorCode maps dispatcher errors onto ack error codes.
func errorCode(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrCrypto):
		return ErrCodeProtocolError
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrResolution), errors.Is(err, ErrTransport):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, res Result) {
	payload, err := json.Marshal(NewAckMessage(cmd, res))
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(cmd.DeviceID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

func (b *Bridge) publishAckError(cmd CommandMessage, code, message string, retries int) {
	payload, err := json.Marshal(NewAckError(cmd, code, message, retries))
	if err != nil {
		b.logError("failed to marshal ack error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(cmd.DeviceID), payload, 1, false); err != nil {
		b.logError("failed to publish ack error", err)
	}
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message))
}

// RefreshDeviceCount updates the device count in health messages. It is
// called after the saved-device list changes.
func (b *Bridge) RefreshDeviceCount(ctx context.Context) {
	b.refreshDeviceCount(ctx)
}

func (b *Bridge) refreshDeviceCount(ctx context.Context) {
	n, err := b.devices.CountDevices(ctx)
	if err != nil {
		b.logError("failed to count devices", err)
		return
	}
	b.health.SetDeviceCount(n)
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
