package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
	"github.com/nerrad567/tuya-lan-core/internal/device"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/config"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/logging"
	"github.com/nerrad567/tuya-lan-core/internal/site"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Commander sends device commands and runs discovery scans.
// *tuya.Dispatcher implements it.
type Commander interface {
	SetPower(ctx context.Context, cmd tuya.Command) (tuya.Result, error)
	Discover(ctx context.Context, timeout time.Duration) ([]tuya.DiscoveryReport, error)
	Stats() tuya.DispatcherStats
}

// ConnectionStatus reports whether an optional backend is connected.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Dispatcher Commander
	Site       *site.Store
	Devices    *device.Registry

	// DiscoveryTimeout is the default scan length for /tuya/devices and
	// /tuya/sync. Default: 5s.
	DiscoveryTimeout time.Duration

	// Optional
	DB          *sql.DB
	MQTT        ConnectionStatus
	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the local control HTTP server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg              config.APIConfig
	wsCfg            config.WebSocketConfig
	logger           *logging.Logger
	dispatcher       Commander
	site             *site.Store
	devices          *device.Registry
	discoveryTimeout time.Duration
	db               *sql.DB
	mqtt             ConnectionStatus
	version          string
	startTime        time.Time

	mu          sync.Mutex
	server      *http.Server
	listener    net.Listener
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, dispatcher, site store, device registry)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Site == nil {
		return nil, fmt.Errorf("site store is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	timeout := deps.DiscoveryTimeout
	if timeout <= 0 {
		timeout = tuya.DefaultDiscoveryTimeout
	}

	s := &Server{
		cfg:              deps.Config,
		wsCfg:            deps.WS,
		logger:           deps.Logger,
		dispatcher:       deps.Dispatcher,
		site:             deps.Site,
		devices:          deps.Devices,
		discoveryTimeout: timeout,
		db:               deps.DB,
		mqtt:             deps.MQTT,
		version:          deps.Version,
		startTime:        time.Now(),
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start binds the listener and serves in a background goroutine.
//
// Binding happens synchronously so a port conflict is reported here rather
// than logged later. The WebSocket hub is started unless one was injected.
//
// Parameters:
//   - ctx: Parent context for the hub and background goroutines
//
// Returns:
//   - error: If the address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.listener = ln

	readTimeout := time.Duration(s.cfg.Timeouts.Read) * time.Second
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Hub returns the WebSocket hub, creating it if the server has not started.
// Dispatcher observers are attached to it before Start.
func (s *Server) Hub() *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s.hub
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Cancel background goroutines (hub, in-flight scans)
	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
