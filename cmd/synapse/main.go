package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/synapsedb/synapse/pkg/cluster"
	"github.com/synapsedb/synapse/pkg/config"
	"github.com/synapsedb/synapse/pkg/embedding"
	"github.com/synapsedb/synapse/pkg/engine"
	"github.com/synapsedb/synapse/pkg/events"
	"github.com/synapsedb/synapse/pkg/log"
	"github.com/synapsedb/synapse/pkg/metrics"
	"github.com/synapsedb/synapse/pkg/security"
	"github.com/synapsedb/synapse/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "synapse",
	Short: "Synapse - persistent sharded semantic knowledge store",
	Long: `Synapse is a content-addressed graph database whose nodes carry
opaque content blobs plus optional dense vectors, and whose edges are
typed associations with confidence weights.

Clients learn concepts and associations and query them by identifier,
graph traversal, or approximate nearest-neighbor vector search.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Synapse version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			configPath, _ = rootCmd.PersistentFlags().GetString("config")
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		metrics.SetVersion(Version)
		metricsServer := metrics.StartServer(cfg.MetricsAddr)
		defer metricsServer.Close()

		// Event emitter with durable spill journal, fanning out through
		// the in-process broker.
		var journal *events.Journal
		if cfg.EventSinkAddr != "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}
			journal, err = events.OpenJournal(cfg.DataDir + "/events.db")
			if err != nil {
				return err
			}
			defer journal.Close()
		}
		broker := events.NewBroker()
		emitter := events.NewEmitter(cfg.NodeID, cfg.EventSinkAddr, journal, broker)
		emitter.Start()
		defer emitter.Stop()

		// In-process consumer: reconciliation and shard events feed the
		// health registry and the debug log.
		healthSub := broker.Subscribe(events.EventReconciliation, events.EventShardDown, events.EventHNSWLoaded)
		defer broker.Unsubscribe(healthSub)
		go watchStorageEvents(healthSub)

		shardCfg := engine.DefaultConfig("")
		shardCfg.VectorDimension = cfg.VectorDimension
		shardCfg.ReconcileInterval = cfg.ReconcileInterval()
		shardCfg.MemoryThreshold = cfg.MemoryThreshold
		shardCfg.WALFsync = cfg.WALFsync
		shardCfg.HNSWMaxNeighbors = cfg.HNSW.MaxNeighbors
		shardCfg.HNSWEfConstruction = cfg.HNSW.EfConstruction
		shardCfg.HNSWEfSearch = cfg.HNSW.EfSearch
		shardCfg.Emitter = emitter

		if cfg.EmbeddingServiceURL != "" {
			provider, err := embedding.NewHTTPClient(embedding.Config{
				ServiceURL:  cfg.EmbeddingServiceURL,
				TimeoutSecs: cfg.EmbeddingTimeoutSecs,
				MaxRetries:  cfg.EmbeddingMaxRetries,
			})
			if err != nil {
				return err
			}
			shardCfg.Provider = provider
		}

		store, err := cluster.Open(cluster.Config{
			NumShards:  uint32(cfg.NumShards),
			BasePath:   cfg.DataDir,
			TxnTimeout: 5 * time.Second,
			Shard:      shardCfg,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, "")

		serverCfg := server.Config{ListenAddr: cfg.ListenAddr}

		if cfg.TLSEnabled {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			serverCfg.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		if cfg.AuthMethod != "" {
			auth, err := security.NewManager(
				security.Method(cfg.AuthMethod),
				cfg.AuthSecret,
				time.Duration(cfg.TokenTTLSeconds)*time.Second,
			)
			if err != nil {
				return err
			}
			serverCfg.Auth = auth
			serverCfg.Limiter = security.NewRateLimiter(security.RateLimiterConfig{
				RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
				Burst:             cfg.RateLimit.BurstCapacity,
				MemoryDuration:    cfg.RateLimit.MemoryDuration(),
			})
		}

		srv := server.New(serverCfg, store)
		addr, err := srv.Start()
		if err != nil {
			return err
		}
		defer srv.Stop()

		log.Logger.Info().
			Str("addr", addr).
			Int("shards", cfg.NumShards).
			Int("dimension", cfg.VectorDimension).
			Msg("Synapse serving")

		// Wait for shutdown signal.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")

		if err := store.Flush(); err != nil {
			log.Logger.Error().Err(err).Msg("Final flush failed")
		}
		return nil
	},
}

// watchStorageEvents keeps the health registry current from broker
// events until the subscription closes.
func watchStorageEvents(sub *events.Subscription) {
	logger := log.WithComponent("events-watch")
	for event := range sub.C {
		switch event.Type {
		case events.EventShardDown:
			metrics.UpdateComponent("store", false, event.Message)
		case events.EventReconciliation:
			metrics.UpdateComponent("reconciler", true, "")
			logger.Debug().
				Str("entries", event.Fields["entries"]).
				Str("elapsed_us", event.Fields["elapsed_us"]).
				Msg("Reconciliation flushed")
		case events.EventHNSWLoaded:
			metrics.UpdateComponent("hnsw", true, "")
		}
	}
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint an access token for a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.AuthMethod == "" {
			return fmt.Errorf("auth_method is not configured")
		}

		rolesFlag, _ := cmd.Flags().GetString("roles")
		var roles []security.Role
		for _, r := range strings.Split(rolesFlag, ",") {
			switch strings.TrimSpace(r) {
			case "admin":
				roles = append(roles, security.RoleAdmin)
			case "writer":
				roles = append(roles, security.RoleWriter)
			case "reader":
				roles = append(roles, security.RoleReader)
			case "service":
				roles = append(roles, security.RoleService)
			case "":
			default:
				return fmt.Errorf("unknown role %q", r)
			}
		}
		if len(roles) == 0 {
			roles = []security.Role{security.RoleReader}
		}

		auth, err := security.NewManager(
			security.Method(cfg.AuthMethod),
			cfg.AuthSecret,
			time.Duration(cfg.TokenTTLSeconds)*time.Second,
		)
		if err != nil {
			return err
		}

		token, err := auth.GenerateToken(args[0], roles)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	tokenCmd.Flags().String("roles", "reader", "Comma-separated roles (admin,writer,reader,service)")
}
