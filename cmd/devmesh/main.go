// devmesh core - distributed device-messaging substrate
//
// This is the main entry point for a devmesh node. A node routes device
// operations and notifications between local callers, attached devices,
// and federated peer nodes, passing everything through one middleware
// pipeline on the authoritative node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/devmesh-core/internal/api"
	"github.com/nerrad567/devmesh-core/internal/audit"
	"github.com/nerrad567/devmesh-core/internal/infrastructure/config"
	"github.com/nerrad567/devmesh-core/internal/infrastructure/database"
	"github.com/nerrad567/devmesh-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/devmesh-core/internal/infrastructure/logging"
	"github.com/nerrad567/devmesh-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/devmesh-core/internal/link"
	"github.com/nerrad567/devmesh-core/internal/node"
	"github.com/nerrad567/devmesh-core/internal/relay"
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
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting devmesh core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// The node is the routing core everything else hangs off.
	n := node.New(node.Options{
		DefaultDomain: cfg.Node.DefaultDomain,
		Domains:       cfg.Node.Domains,
	})
	n.SetLogger(log.With("component", "node"))
	log.Info("node initialised", "default_domain", cfg.Node.DefaultDomain, "domains", cfg.Node.Domains)

	// Request audit trail (optional)
	if cfg.Audit.Enabled {
		db, dbErr := database.Open(database.Config{
			Path:        cfg.Audit.Path,
			WALMode:     cfg.Audit.WALMode,
			BusyTimeout: cfg.Audit.BusyTimeout,
		})
		if dbErr != nil {
			return fmt.Errorf("opening audit database: %w", dbErr)
		}
		defer func() {
			log.Info("closing audit database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing audit database", "error", closeErr)
			}
		}()

		repo, repoErr := audit.NewSQLiteRepository(ctx, db.DB)
		if repoErr != nil {
			return fmt.Errorf("initialising audit trail: %w", repoErr)
		}
		n.Use(relay.Audit(repo, "node", log.With("component", "audit")))
		log.Info("audit trail enabled", "path", cfg.Audit.Path)
	}

	// MQTT notification relay (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		n.Use(relay.MQTT(mqttClient, log.With("component", "mqtt-relay")))
		log.Info("MQTT relay enabled", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	}

	// InfluxDB metric recorder (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB write failed", "error", err)
		})
		n.Use(relay.Metrics(influxClient))
		log.Info("metric recorder enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// HTTP surface: device API + /peers endpoint for inbound links
	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log.With("component", "api"),
		Node:    n,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	// Outbound peer links, each maintained with reconnect backoff
	group, groupCtx := errgroup.WithContext(ctx)
	for _, peer := range cfg.Peers {
		peer := peer
		group.Go(func() error {
			err := link.Maintain(groupCtx, n, link.DialOptions{
				URL:     peer.URL,
				Gateway: peer.Gateway,
				Domain:  peer.Domain,
				Logger:  log.With("component", "link", "peer", peer.URL),
			})
			if err != nil && groupCtx.Err() != nil {
				return nil // clean shutdown
			}
			return err
		})
	}

	log.Info("devmesh core running", "peers", len(cfg.Peers))
	<-ctx.Done()
	log.Info("shutdown signal received")
	return group.Wait()
}

// getConfigPath returns the config file path from the environment, the
// first argument, or the default.
func getConfigPath() string {
	if env := os.Getenv("DEVMESH_CONFIG"); env != "" {
		return env
	}
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		return os.Args[1]
	}
	return defaultConfigPath
}
