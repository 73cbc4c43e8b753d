// Tuya LAN Core - local control service for Tuya smart plugs and switches.
//
// This is the main entry point. The service runs on a site's tablet or
// gateway and switches Tuya devices over the LAN:
//   - Loopback HTTP API for the local app (/health, /tuya/command, ...)
//   - Broadcast discovery with a short-lived address cache
//   - Optional MQTT command bridge and InfluxDB command metrics
//
// Configuration is read from configs/config.yaml, or TUYALAN_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/tuya-lan-core/migrations"

	"github.com/nerrad567/tuya-lan-core/internal/api"
	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
	"github.com/nerrad567/tuya-lan-core/internal/device"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/config"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/database"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/logging"
	"github.com/nerrad567/tuya-lan-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-lan-core/internal/netmon"
	"github.com/nerrad567/tuya-lan-core/internal/site"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Tuya LAN Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Site name: stored value wins over the configured fallback
	siteStore := site.NewStore(db.DB, cfg.Site.Name)
	if loadErr := siteStore.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading site name: %w", loadErr)
	}
	log.Info("site loaded", "site", siteStore.SiteName())

	// Saved devices
	deviceRegistry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	deviceRegistry.SetLogger(log.Component("devices"))
	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.Count())

	// Connect to InfluxDB (optional; the service runs without it)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = connectInfluxDB(cfg.InfluxDB, log)
		if err != nil {
			log.Warn("InfluxDB unavailable, command metrics disabled", "error", err)
		} else {
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
		}
	} else {
		log.Info("InfluxDB disabled")
	}

	// Tuya transport, discovery and dispatcher
	cache := tuya.NewDiscoveryCache(cfg.Tuya.Discovery.CacheTTL)
	dispatcher, err := newDispatcher(cfg, cache, influxClient, log)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	if influxClient != nil {
		dispatcher.OnCommand(commandMetricObserver(influxClient))
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, log)
		if err != nil {
			log.Warn("MQTT unavailable, command bridge disabled", "error", err)
			mqttClient = nil
		} else {
			defer func() {
				log.Info("disconnecting from MQTT")
				if closeErr := mqttClient.Close(); closeErr != nil {
					log.Error("error closing MQTT", "error", closeErr)
				}
			}()
			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"client_id", cfg.MQTT.Broker.ClientID,
			)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// API server
	deps := api.Deps{
		Config:           cfg.API,
		WS:               cfg.WebSocket,
		Logger:           log,
		Dispatcher:       dispatcher,
		Site:             siteStore,
		Devices:          deviceRegistry,
		DiscoveryTimeout: cfg.Tuya.Discovery.Timeout,
		DB:               db.DB,
		Version:          version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	hub := apiServer.Hub()
	dispatcher.OnCommand(hub.OnCommand)
	dispatcher.OnDiscovery(hub.OnDiscovery)

	// MQTT command bridge
	var bridge *tuya.Bridge
	if mqttClient != nil {
		bridge, err = startBridge(ctx, cfg, mqttClient, dispatcher, deviceRegistry, log)
		if err != nil {
			return fmt.Errorf("starting tuya bridge: %w", err)
		}
		defer func() {
			log.Info("stopping tuya bridge")
			bridge.Stop()
		}()
		dispatcher.OnDiscovery(bridge.PublishDiscovery)
	}

	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	rs := &resyncer{
		dispatcher: dispatcher,
		devices:    deviceRegistry,
		bridge:     bridge,
		log:        log,
	}

	// Network monitor: a new local address invalidates cached device IPs
	if cfg.NetMon.Enabled {
		monitor, monErr := netmon.New(netmon.Config{
			Interval: cfg.NetMon.Interval,
			Logger:   log.Component("netmon"),
			OnChange: func(ctx context.Context, _, _ string) {
				cache.Clear()
				rs.run(ctx, "local address changed")
			},
		})
		if monErr != nil {
			return fmt.Errorf("creating network monitor: %w", monErr)
		}
		monitor.Start(ctx)
		defer func() {
			log.Info("stopping network monitor")
			monitor.Stop()
		}()
		log.Info("network monitor started", "interval", cfg.NetMon.Interval, "ip", monitor.Current())
	}

	if cfg.Tuya.Discovery.ScanOnStart {
		go rs.run(ctx, "startup")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"site", siteStore.SiteName(),
		"api", apiServer.Addr(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// network monitor, API server, bridge, MQTT, InfluxDB, database.

	log.Info("Tuya LAN Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TUYALAN_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TUYALAN_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads the config file. A missing file means first boot and the
// built-in defaults are used.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg = config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating default config: %w", err)
	}
	return cfg, nil
}

// healthCheck verifies the connected backends are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (nil if disabled)
//   - influxClient: InfluxDB client to check (nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
