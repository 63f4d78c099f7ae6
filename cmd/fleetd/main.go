// Fleet Core - Display Fleet Management
//
// This is the main entry point for the Fleet Core service. Fleet Core
// manages a fleet of kiosk displays: device identity and pairing, live
// WebSocket sessions, and command delivery with offline queueing.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/pixelmesa/fleet-core/migrations"

	"github.com/pixelmesa/fleet-core/internal/api"
	"github.com/pixelmesa/fleet-core/internal/dispatch"
	"github.com/pixelmesa/fleet-core/internal/history"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/config"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/database"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/filestore"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/influxdb"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/logging"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/mqtt"
	"github.com/pixelmesa/fleet-core/internal/mirror"
	"github.com/pixelmesa/fleet-core/internal/registry"
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
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
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
func run(ctx context.Context) error { //nolint:gocognit // Startup wiring is inherently sequential
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fleet Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
		log.Info("configuration loaded", "path", configPath)
	case errors.Is(err, fs.ErrNotExist):
		log.Info("config file not found, using defaults and environment", "path", configPath)
		cfg = config.Default()
		if verr := cfg.Validate(); verr != nil {
			return fmt.Errorf("validating config: %w", verr)
		}
	default:
		return fmt.Errorf("loading config: %w", err)
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the device record store
	store, err := filestore.New(cfg.Store.Path, filestore.Options{
		Lock:          cfg.Store.Lock.Enabled,
		LockRetries:   cfg.Store.Lock.Retries,
		LockBackoffMS: cfg.Store.Lock.BackoffMS,
	})
	if err != nil {
		return fmt.Errorf("opening device store: %w", err)
	}

	// Device registry
	reg := registry.New(store)
	reg.SetLogger(log)
	reg.SetPairingDefaults(cfg.GetPairingTTL(), cfg.Pairing.RequireToken)
	if err := reg.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}

	// Open database for status history
	db, err := database.Open(database.Config{
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

	historyRepo := history.NewSQLiteRepository(db.DB)

	// Command dispatcher
	dispatcher := dispatch.New()
	dispatcher.SetLogger(log)

	// Deleting a device tears down its socket and queued commands.
	unsubscribeDeleted := reg.Subscribe(registry.EventDeleted, func(ev registry.Event) {
		dispatcher.DropDevice(ev.DeviceID)
	})
	defer unsubscribeDeleted()

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
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

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Mirror: fan registry and session activity out to MQTT, InfluxDB,
	// and the status history. Interface values must stay nil (not typed
	// nil pointers) when a sink is disabled.
	mirrorOpts := mirror.Options{
		Registry: reg,
		History:  historyRepo,
		Router:   dispatcher,
		Logger:   log,
	}
	if mqttClient != nil {
		mirrorOpts.Pub = mqttClient
	}
	if influxClient != nil {
		mirrorOpts.Metrics = influxClient
	}
	fleetMirror := mirror.New(mirrorOpts)
	if err := fleetMirror.Start(ctx); err != nil {
		return fmt.Errorf("starting mirror: %w", err)
	}
	defer fleetMirror.Stop()
	log.Info("mirror started")

	// Presence sweep: devices that stop heartbeating go offline.
	go presenceSweep(ctx, reg, cfg.GetOfflineAfter(), cfg.GetSweepInterval(), log)

	// HTTP API and device WebSocket server
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		Session:    cfg.Session,
		Logger:     log,
		Registry:   reg,
		Dispatcher: dispatcher,
		Mirror:     fleetMirror,
		History:    historyRepo,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("Fleet Core stopped")
	return nil
}

// presenceSweep periodically marks devices offline when their last
// heartbeat is older than the staleness threshold.
func presenceSweep(ctx context.Context, reg *registry.Registry, olderThan, interval time.Duration, log *logging.Logger) {
	if interval <= 0 || olderThan <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := reg.MarkStaleOffline(ctx, olderThan)
			if err != nil {
				log.Warn("presence sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				log.Info("marked stale devices offline", "count", swept)
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses FLEETCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
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
