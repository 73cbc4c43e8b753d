package tuya

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AutoIP asks the dispatcher to resolve the device IP through discovery.
const AutoIP = "auto"

// Command is one on/off request for a device. Identity is supplied per call;
// the dispatcher keeps no device registry.
type Command struct {
	DeviceID string
	LocalKey string

	// IP is a dotted quad, or AutoIP / empty to resolve through discovery.
	IP string

	// Action is "on" or "off".
	Action string

	// Version pins the protocol version. Empty means the dispatcher default
	// (3.3) with the 3.4 fallback for "on".
	Version string
}

// Result describes a command that reached the network stack.
type Result struct {
	DeviceID string
	IP       string
	Version  Version

	// Attempts is 1, or 2 when the version fallback was used.
	Attempts int

	// Resolved is true when the IP came from discovery or the cache.
	Resolved bool
}

// Command outcomes reported to observers.
const (
	OutcomeSent        = "sent"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeFailed      = "failed"
)

// CommandEvent is passed to command observers after every SetPower call.
type CommandEvent struct {
	Time     time.Time
	DeviceID string
	Action   string
	IP       string
	Version  Version
	Attempts int
	Duration time.Duration
	Outcome  string
	Err      error
}

// DispatcherStats holds counters since start.
type DispatcherStats struct {
	CommandsSent   uint64
	CommandsFailed uint64
	Retries        uint64
	Scans          uint64
	LastScan       time.Time
	LastCommand    time.Time
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Sender delivers frames. Required.
	Sender Sender

	// Discoverer resolves "auto" IPs. Required.
	Discoverer Discoverer

	// Cache is optional; nil disables IP caching.
	Cache *DiscoveryCache

	// Port is the device command port. Default: 6668.
	Port int

	// DiscoveryTimeout bounds the scan run for an "auto" command.
	// Default: 5s.
	DiscoveryTimeout time.Duration

	// DefaultVersion is used when a command has no version. Default: 3.3.
	DefaultVersion Version

	Logger Logger
}

// Dispatcher validates commands, resolves device IPs, builds encrypted
// frames and sends them, applying a single version fallback.
//
// Thread Safety: All methods are safe for concurrent use. No socket or key
// material is held between calls.
type Dispatcher struct {
	sender           Sender
	discoverer       Discoverer
	cache            *DiscoveryCache
	port             int
	discoveryTimeout time.Duration
	defaultVersion   Version

	observersMu        sync.RWMutex
	commandObservers   []func(CommandEvent)
	discoveryObservers []func([]DiscoveryReport)

	commandsSent   atomic.Uint64
	commandsFailed atomic.Uint64
	retries        atomic.Uint64
	scans          atomic.Uint64
	lastScan       atomic.Int64
	lastCommand    atomic.Int64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if opts.Discoverer == nil {
		return nil, fmt.Errorf("discoverer is required")
	}

	d := &Dispatcher{
		sender:           opts.Sender,
		discoverer:       opts.Discoverer,
		cache:            opts.Cache,
		port:             opts.Port,
		discoveryTimeout: orDefault(opts.DiscoveryTimeout, DefaultDiscoveryTimeout),
		defaultVersion:   opts.DefaultVersion,
		logger:           opts.Logger,
	}
	if d.port == 0 {
		d.port = DefaultPort
	}
	if d.defaultVersion == "" {
		d.defaultVersion = DefaultVersion
	}
	return d, nil
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// OnCommand registers an observer called after every SetPower call.
// Observers run synchronously and must not block.
func (d *Dispatcher) OnCommand(fn func(CommandEvent)) {
	d.observersMu.Lock()
	d.commandObservers = append(d.commandObservers, fn)
	d.observersMu.Unlock()
}

// OnDiscovery registers an observer called after every completed scan.
func (d *Dispatcher) OnDiscovery(fn func([]DiscoveryReport)) {
	d.observersMu.Lock()
	d.discoveryObservers = append(d.discoveryObservers, fn)
	d.observersMu.Unlock()
}

// SetPower switches a device on or off.
//
// Steps:
//  1. Validate the command. No I/O happens on failure.
//  2. Resolve "auto" or empty IPs through the cache, then discovery.
//  3. Send at the requested version, or 3.3 by default.
//  4. If the action is "on", the first attempt used a version below 3.4
//     and it failed, send once more at 3.4. "off" is never retried.
//
// Returns:
//   - Result: where and how the frame was sent
//   - error: wraps ErrValidation, ErrResolution, ErrTransport or ErrCrypto
func (d *Dispatcher) SetPower(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()
	res, err := d.setPower(ctx, cmd)

	d.lastCommand.Store(start.UnixNano())
	if err != nil {
		d.commandsFailed.Add(1)
	} else {
		d.commandsSent.Add(1)
	}

	d.notifyCommand(CommandEvent{
		Time:     start,
		DeviceID: strings.TrimSpace(cmd.DeviceID),
		Action:   cmd.Action,
		IP:       res.IP,
		Version:  res.Version,
		Attempts: res.Attempts,
		Duration: time.Since(start),
		Outcome:  outcomeOf(err),
		Err:      err,
	})
	return res, err
}

func (d *Dispatcher) setPower(ctx context.Context, cmd Command) (Result, error) {
	action, version, err := d.validate(cmd)
	if err != nil {
		return Result{}, err
	}
	deviceID := strings.TrimSpace(cmd.DeviceID)
	res := Result{DeviceID: deviceID}

	ip := strings.TrimSpace(cmd.IP)
	if ip == "" || strings.EqualFold(ip, AutoIP) {
		report, err := d.resolve(ctx, deviceID)
		if err != nil {
			return res, err
		}
		ip = report.IP
		res.Resolved = true
	}
	res.IP = ip

	payload, err := EncodeDataPoints(string(action))
	if err != nil {
		return res, err
	}
	key := []byte(cmd.LocalKey)

	res.Version = version
	res.Attempts = 1
	err = d.sendAt(ctx, ip, payload, key, version)
	if err == nil {
		d.logInfo("command sent", "device_id", deviceID, "action", action, "ip", ip, "version", version)
		return res, nil
	}

	// The key length does not depend on the version, so a crypto failure
	// would repeat.
	if action != ActionOn || version.UsesCBC() || errors.Is(err, ErrCrypto) {
		d.failed(deviceID, res, err)
		return res, err
	}

	d.retries.Add(1)
	d.logWarn("command failed, retrying at 3.4",
		"device_id", deviceID,
		"version", version,
		"retry_policy", "on_only",
		"error", err)

	res.Version = Version34
	res.Attempts = 2
	if err := d.sendAt(ctx, ip, payload, key, Version34); err != nil {
		d.failed(deviceID, res, err)
		return res, err
	}
	d.logInfo("command sent", "device_id", deviceID, "action", action, "ip", ip, "version", Version34, "attempts", 2)
	return res, nil
}

// validate checks a command without touching the network.
func (d *Dispatcher) validate(cmd Command) (Action, Version, error) {
	action, err := ParseAction(cmd.Action)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(cmd.DeviceID) == "" {
		return "", "", fmt.Errorf("%w: device id is required", ErrValidation)
	}
	if cmd.LocalKey == "" {
		return "", "", fmt.Errorf("%w: local key is required", ErrValidation)
	}

	ip := strings.TrimSpace(cmd.IP)
	lower := strings.ToLower(ip)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return "", "", fmt.Errorf("%w: lan_ip must be an address, not a URL", ErrValidation)
	}
	if ip != "" && lower != AutoIP && net.ParseIP(ip).To4() == nil {
		return "", "", fmt.Errorf("%w: lan_ip %q is not an IPv4 address", ErrValidation, ip)
	}

	version := d.defaultVersion
	if cmd.Version != "" {
		if version, err = ParseVersion(cmd.Version); err != nil {
			return "", "", err
		}
	}
	return action, version, nil
}

// resolve finds a device's IP, preferring a fresh cache entry.
func (d *Dispatcher) resolve(ctx context.Context, deviceID string) (DiscoveryReport, error) {
	if r, ok := d.cache.Lookup(deviceID); ok {
		d.logDebug("ip resolved from cache", "device_id", deviceID, "ip", r.IP)
		return r, nil
	}

	reports, err := d.Discover(ctx, d.discoveryTimeout)
	if err != nil && len(reports) == 0 {
		return DiscoveryReport{}, fmt.Errorf("%w: %s: discovery failed: %v", ErrResolution, deviceID, err)
	}
	for _, r := range reports {
		if r.DeviceID == deviceID {
			return r, nil
		}
	}
	return DiscoveryReport{}, fmt.Errorf("%w: %s not found by discovery", ErrResolution, deviceID)
}

// sendAt encrypts the payload for a version and sends one frame.
func (d *Dispatcher) sendAt(ctx context.Context, ip string, payload, key []byte, v Version) error {
	enc, err := Encrypt(payload, key, v)
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, ip, d.port, AssembleFrame(enc, v, 0))
}

// failed drops a cached IP that did not work so the next "auto" rescans.
func (d *Dispatcher) failed(deviceID string, res Result, err error) {
	if res.Resolved {
		d.cache.Invalidate(deviceID)
	}
	d.logError("command failed", err, "device_id", deviceID, "ip", res.IP, "attempts", res.Attempts)
}

// Discover runs a scan, refreshes the cache and notifies discovery
// observers. Partial results are returned alongside a cancellation error.
func (d *Dispatcher) Discover(ctx context.Context, timeout time.Duration) ([]DiscoveryReport, error) {
	timeout = orDefault(timeout, d.discoveryTimeout)
	found, err := d.discoverer.Discover(ctx, timeout)

	d.scans.Add(1)
	d.lastScan.Store(time.Now().UnixNano())
	d.cache.Store(found)

	reports := sortedReports(found)
	if err == nil {
		d.logInfo("discovery completed", "devices", len(reports), "timeout", timeout)
		d.notifyDiscovery(reports)
	}
	return reports, err
}

// Stats returns counters since the dispatcher was created.
func (d *Dispatcher) Stats() DispatcherStats {
	s := DispatcherStats{
		CommandsSent:   d.commandsSent.Load(),
		CommandsFailed: d.commandsFailed.Load(),
		Retries:        d.retries.Load(),
		Scans:          d.scans.Load(),
	}
	if ns := d.lastScan.Load(); ns != 0 {
		s.LastScan = time.Unix(0, ns)
	}
	if ns := d.lastCommand.Load(); ns != 0 {
		s.LastCommand = time.Unix(0, ns)
	}
	return s
}

func (d *Dispatcher) notifyCommand(ev CommandEvent) {
	d.observersMu.RLock()
	observers := d.commandObservers
	d.observersMu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}

func (d *Dispatcher) notifyDiscovery(reports []DiscoveryReport) {
	d.observersMu.RLock()
	observers := d.discoveryObservers
	d.observersMu.RUnlock()

	for _, fn := range observers {
		fn(reports)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSent
	case errors.Is(err, ErrValidation):
		return OutcomeRejected
	case errors.Is(err, ErrResolution):
		return OutcomeUnreachable
	default:
		return OutcomeFailed
	}
}

func (d *Dispatcher) logInfo(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logError(msg string, err error, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

func (d *Dispatcher) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}
