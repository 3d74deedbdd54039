package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberforge/invsync/config"
	"github.com/emberforge/invsync/store"
	"github.com/emberforge/invsync/syncer"
)

func main() {
	// Parse command line flags
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		serverID   = flag.String("server-id", "", "Server ID (overrides the configuration file)")
		// Direct flags for running without a config file
		etcdAddr    = flag.String("etcd", "localhost:2379", "Etcd address")
		etcdPrefix  = flag.String("etcd-prefix", "/invsync", "Etcd key prefix")
		channel     = flag.String("channel", "sync", "Sync channel name")
		metricsAddr = flag.String("metrics", "", "HTTP address for Prometheus metrics (optional, e.g., ':9137')")
	)
	flag.Parse()

	var (
		syncCfg  syncer.Config
		storeCfg *store.Config
		metrics  string
	)

	if *configFile != "" {
		// Load configuration from file
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		if *serverID != "" {
			cfg.ServerID = *serverID
		}

		syncCfg = syncer.Config{
			ServerID:          cfg.ServerID,
			Enabled:           cfg.Enabled,
			EtcdEndpoints:     cfg.Etcd.Endpoints,
			EtcdPrefix:        cfg.Etcd.Prefix,
			Channel:           cfg.Sync.Channel,
			DialTimeout:       cfg.Etcd.DialTimeout.Std(),
			HeartbeatInterval: cfg.Sync.HeartbeatInterval.Std(),
			HeartbeatTimeout:  cfg.Sync.HeartbeatTimeout.Std(),
			PurgeAfter:        cfg.Sync.PurgeAfter.Std(),
			TransferLockTTL:   cfg.Sync.TransferLockTimeout.Std(),
		}
		if cfg.HasPostgres() {
			storeCfg = &store.Config{
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				Database: cfg.Postgres.Database,
				SSLMode:  cfg.Postgres.SSLMode,
			}
		}
		metrics = cfg.MetricsAddr

		log.Printf("Starting inventory sync daemon %s with configuration from %s", cfg.ServerID, *configFile)
	} else {
		// Use direct flags
		if *serverID == "" {
			log.Fatal("--server-id is required when not using --config")
		}

		syncCfg = syncer.Config{
			ServerID:      *serverID,
			Enabled:       true,
			EtcdEndpoints: []string{*etcdAddr},
			EtcdPrefix:    *etcdPrefix,
			Channel:       *channel,
		}
		metrics = *metricsAddr

		log.Printf("Starting inventory sync daemon %s (etcd: %s)", *serverID, *etcdAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := syncer.New(syncCfg)

	// The snapshot store is optional; without it force sync is refused
	// but everything else works.
	if storeCfg != nil {
		snapshots, err := store.New(storeCfg)
		if err != nil {
			log.Fatalf("Failed to open snapshot store: %v", err)
		}
		defer snapshots.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = snapshots.Ping(pingCtx)
		pingCancel()
		if err != nil {
			log.Fatalf("Snapshot store unreachable: %v", err)
		}
		if err := snapshots.InitSchema(ctx); err != nil {
			log.Fatalf("Failed to initialize snapshot schema: %v", err)
		}

		coordinator.SetSnapshotStore(store.NewSnapshotProvider(snapshots))
		log.Printf("Snapshot store ready (postgres %s:%d/%s)", storeCfg.Host, storeCfg.Port, storeCfg.Database)
	}

	// Surface remote inventory changes in the daemon log.
	coordinator.OnCacheInvalidate(func(playerID, group string) {
		if group == "" {
			log.Printf("Invalidate player %s (all groups)", playerID)
		} else {
			log.Printf("Invalidate player %s group %s", playerID, group)
		}
	})

	if coordinator.Initialize(ctx) {
		log.Printf("Sync active as %s", coordinator.ServerID())
	} else {
		log.Printf("Sync inactive, running standalone")
	}

	var metricsServer *http.Server
	if metrics != "" {
		metricsServer = startMetricsServer(metrics)
	}

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	coordinator.Shutdown(shutdownCtx)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
	}

	log.Println("Inventory sync daemon stopped")
}

// startMetricsServer exposes the Prometheus registry on addr. The caller
// owns the returned server and must Shutdown it.
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("Serving metrics on %s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	return server
}
