package netmon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultInterval is how often the address is checked when none is set.
const DefaultInterval = 60 * time.Second

// linkLocal is 169.254.0.0/16, which is never a usable LAN address.
var linkLocal = net.IPNet{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}

// Logger defines the logging interface used by the Monitor.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AddrSource returns the interface addresses to inspect.
// net.InterfaceAddrs satisfies it.
type AddrSource func() ([]net.Addr, error)

// ChangeHandler is called when the local address changes. previous is empty
// on the first change after the host had no usable address.
type ChangeHandler func(ctx context.Context, previous, current string)

// Config holds configuration for a Monitor.
type Config struct {
	// Interval between checks. Default: 60s.
	Interval time.Duration

	// OnChange is called from the monitor goroutine. Required.
	OnChange ChangeHandler

	// Addrs overrides the address source. Default: net.InterfaceAddrs.
	Addrs AddrSource

	Logger Logger
}

// Monitor polls the local IPv4 address and reports changes.
//
// The first observed address is recorded without calling OnChange.
type Monitor struct {
	interval time.Duration
	onChange ChangeHandler
	addrs    AddrSource

	mu      sync.RWMutex
	current string

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// New creates a monitor. It does not start polling until Start is called.
//
// Parameters:
//   - cfg: Monitor configuration; OnChange is required
//
// Returns:
//   - *Monitor: Ready to start
//   - error: If OnChange is missing or the interval is negative
func New(cfg Config) (*Monitor, error) {
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change handler is required")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}

	m := &Monitor{
		interval: cfg.Interval,
		onChange: cfg.OnChange,
		addrs:    cfg.Addrs,
		done:     make(chan struct{}),
		logger:   cfg.Logger,
	}
	if m.interval == 0 {
		m.interval = DefaultInterval
	}
	if m.addrs == nil {
		m.addrs = net.InterfaceAddrs
	}
	if m.logger == nil {
		m.logger = noopLogger{}
	}
	return m, nil
}

// Start records the current address and begins polling in the background.
func (m *Monitor) Start(ctx context.Context) {
	m.Check(ctx)

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop ends polling and waits for an in-flight check to finish.
// Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// Current returns the last observed address, or "" if none.
func (m *Monitor) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Check reads the address once and calls OnChange if it differs from the
// last one seen. It returns true when a change was reported.
//
// Losing the address (no usable interface) is logged but not reported; the
// handler fires again once a new address appears.
func (m *Monitor) Check(ctx context.Context) bool {
	addr, err := m.primaryAddr()
	if err != nil {
		m.logger.Warn("reading local address failed", "error", err)
		return false
	}
	if addr == "" {
		m.logger.Debug("no usable local IPv4 address")
		return false
	}

	m.mu.Lock()
	previous := m.current
	m.current = addr
	m.mu.Unlock()

	if previous == addr {
		return false
	}
	if previous == "" {
		m.logger.Info("local address recorded", "ip", addr)
		return false
	}

	m.logger.Info("local address changed", "previous", previous, "ip", addr)
	m.onChange(ctx, previous, addr)
	return true
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// primaryAddr returns the first non-loopback, non-link-local IPv4 address.
func (m *Monitor) primaryAddr() (string, error) {
	addrs, err := m.addrs()
	if err != nil {
		return "", fmt.Errorf("listing interface addresses: %w", err)
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		ip4 := ip.To4()
		if ip4 == nil || ip4.IsLoopback() || linkLocal.Contains(ip4) {
			continue
		}
		return ip4.String(), nil
	}
	return "", nil
}
