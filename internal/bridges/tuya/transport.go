package tuya

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Transport defaults.
const (
	// DefaultPort is the device command and discovery probe port.
	DefaultPort = 6668

	// DefaultSendTimeout bounds a single send.
	DefaultSendTimeout = 3 * time.Second

	// DefaultDiscoveryTimeout is the length of one scan.
	DefaultDiscoveryTimeout = 5 * time.Second

	// DefaultBroadcastAddress is where the discovery probe goes.
	DefaultBroadcastAddress = "255.255.255.255"

	// maxDatagramSize is the read buffer for discovery replies.
	maxDatagramSize = 2048
)

// DefaultListenPorts are the ports devices announce themselves on:
// 6666 for plaintext, 6667 for encrypted announcements.
var DefaultListenPorts = []int{6666, 6667}

// Sender delivers one command frame to a device.
// Implementations open a fresh socket per call and never share it.
type Sender interface {
	Send(ctx context.Context, ip string, port int, frame []byte) error
}

// Discoverer finds devices on the local network.
type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) (map[string]DiscoveryReport, error)
}

// Ensure the transports implement their interfaces.
var (
	_ Sender     = (*UDPSender)(nil)
	_ Sender     = (*TCPSender)(nil)
	_ Discoverer = (*Scanner)(nil)
)

// UDPSender sends frames as single datagrams. Success means the datagram
// was handed to the network stack; devices do not acknowledge over UDP.
type UDPSender struct {
	// Timeout bounds dial and write. Default: DefaultSendTimeout.
	Timeout time.Duration
}

// Send writes frame to ip:port in one datagram.
//
// Returns an error wrapping ErrTransport if the socket cannot be opened or
// the write fails.
func (s *UDPSender) Send(ctx context.Context, ip string, port int, frame []byte) error {
	return sendOnce(ctx, "udp4", ip, port, frame, orDefault(s.Timeout, DefaultSendTimeout))
}

// TCPSender connects to the device, writes the frame and closes.
type TCPSender struct {
	Timeout time.Duration
}

// Send dials ip:port over TCP and writes frame.
func (s *TCPSender) Send(ctx context.Context, ip string, port int, frame []byte) error {
	return sendOnce(ctx, "tcp4", ip, port, frame, orDefault(s.Timeout, DefaultSendTimeout))
}

// NewSender returns the sender for a configured transport name.
func NewSender(transport string, timeout time.Duration) (Sender, error) {
	switch transport {
	case "", "udp":
		return &UDPSender{Timeout: timeout}, nil
	case "tcp":
		return &TCPSender{Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func sendOnce(ctx context.Context, network, ip string, port int, frame []byte, timeout time.Duration) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: invalid ip %q", ErrTransport, ip)
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %v", ErrTransport, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, addr, err)
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Scanner performs broadcast discovery.
//
// A scan sends DiscoveryProbe to BroadcastAddress:Port from an ephemeral
// socket and collects replies on that socket until the scan window ends.
// During the same window it also listens on ListenPorts for devices that
// announce themselves unprompted. Every read is bounded by the window, so
// Discover returns within timeout plus scheduling slack.
//
// Thread Safety: Discover may be called concurrently; each scan uses its
// own sockets.
type Scanner struct {
	BroadcastAddress string
	Port             int
	ListenPorts      []int

	logger   Logger
	loggerMu sync.RWMutex
}

// NewScanner creates a scanner with the default broadcast address, probe
// port and listen ports.
func NewScanner() *Scanner {
	return &Scanner{
		BroadcastAddress: DefaultBroadcastAddress,
		Port:             DefaultPort,
		ListenPorts:      DefaultListenPorts,
	}
}

// SetLogger sets the logger for the scanner.
func (s *Scanner) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// Discover runs one scan and returns device ID to report. The report's IP
// is the source address of the reply, not the IP the device claims.
//
// Replies that fail to parse are skipped. If ctx is cancelled the replies
// gathered so far are returned together with ctx.Err().
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) (map[string]DiscoveryReport, error) {
	timeout = orDefault(timeout, DefaultDiscoveryTimeout)
	deadline := time.Now().Add(timeout)

	scanCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	bcast := s.BroadcastAddress
	if bcast == "" {
		bcast = DefaultBroadcastAddress
	}
	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(bcast, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast address: %v", ErrTransport, err)
	}

	// Go enables SO_BROADCAST on datagram sockets.
	probeConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open discovery socket: %v", ErrTransport, err)
	}
	defer probeConn.Close()

	if err := probeConn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrTransport, err)
	}
	if _, err := probeConn.WriteToUDP(DiscoveryProbe(), dst); err != nil {
		return nil, fmt.Errorf("%w: send probe to %s: %v", ErrTransport, dst, err)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]DiscoveryReport)
	)
	record := func(r DiscoveryReport) {
		mu.Lock()
		results[r.DeviceID] = r
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(scanCtx)
	g.Go(func() error {
		return s.readReplies(gctx, probeConn, deadline, record)
	})

	for _, lp := range s.ListenPorts {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: lp})
		if err != nil {
			s.logWarn("discovery listen port unavailable", "port", lp, "error", err)
			continue
		}
		g.Go(func() error {
			defer conn.Close()
			return s.readReplies(gctx, conn, deadline, record)
		})
	}

	err = g.Wait()

	mu.Lock()
	out := make(map[string]DiscoveryReport, len(results))
	for id, r := range results {
		out[id] = r
	}
	mu.Unlock()

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		return out, err
	}
	s.logDebug("discovery finished", "devices", len(out), "timeout", timeout)
	return out, nil
}

// readReplies reads datagrams until the deadline or ctx is done.
// It returns nil on a normal end of window.
func (s *Scanner) readReplies(ctx context.Context, conn *net.UDPConn, deadline time.Time, record func(DiscoveryReport)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %v", ErrTransport, err)
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read discovery reply: %v", ErrTransport, err)
		}

		report, err := ParseDiscoveryReply(buf[:n])
		if err != nil {
			s.logDebug("skipping discovery reply", "from", src.String(), "error", err)
			continue
		}
		report.IP = src.IP.String()
		if report.Version != "" {
			if v, err := ParseVersion(string(report.Version)); err == nil {
				report.Version = v
			}
		}
		record(report)
	}
}

func (s *Scanner) logWarn(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (s *Scanner) logDebug(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
