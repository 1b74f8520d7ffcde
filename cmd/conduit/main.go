package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conduit/internal/broker"
	"conduit/internal/bus"
	"conduit/internal/config"
	"conduit/internal/logging"
	"conduit/internal/metrics"
	"conduit/internal/orchestrator"
	"conduit/internal/pool"
	"conduit/internal/store"
)

var version = "dev"

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "conduit - event bus, worker pool, and task orchestrator",
	Long: `conduit runs the event-driven task runtime: a typed pub/sub bus with
local, remote, and hybrid transports, an elastic role-specialized worker
pool, and a priority orchestrator with bounded failure recovery.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		opts := cfg.LoggingOptions()
		if verbose {
			opts.Level = "debug"
		}
		logger, err = logging.New(opts)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bus, pool, and orchestrator until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the conduit version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("conduit %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "conduit.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

// buildTransport assembles the transport the config asks for.
func buildTransport(cfg config.Config) (bus.Transport, error) {
	mode := cfg.Mode()

	var local *bus.LocalBus
	if mode != bus.ModeRemote {
		local = bus.NewLocalBus(logger)
	}

	var remote *bus.RemoteBus
	if mode != bus.ModeLocal {
		var client bus.BrokerClient
		if cfg.Transport.Broker.InMemory {
			logger.Warn("using in-memory broker, remote events will not leave the process")
			client = broker.NewMemoryClient()
		} else {
			httpClient, err := broker.NewHTTPClient(cfg.BrokerHTTPConfig(), logger)
			if err != nil {
				return nil, err
			}
			client = httpClient
		}
		var err error
		remote, err = bus.NewRemoteBus(client, cfg.RemoteConfig(), logger)
		if err != nil {
			return nil, err
		}
	}

	switch mode {
	case bus.ModeLocal:
		return local, nil
	case bus.ModeRemote:
		return remote, nil
	default:
		return bus.NewHybridBus(local, remote, bus.HybridConfig{
			Mode:         bus.ModeHybrid,
			RemoteTopics: cfg.Transport.RemoteTopics,
		}, logger)
	}
}

// defaultHandlers registers a loopback handler for every role. Embedding
// applications replace these with real executors; the standalone binary
// echoes task input so the pipeline can be exercised end to end.
func defaultHandlers() map[pool.Role]pool.Handler {
	handlers := make(map[pool.Role]pool.Handler, len(pool.Roles()))
	for _, role := range pool.Roles() {
		role := role
		handlers[role] = pool.HandlerFunc(func(ctx context.Context, task pool.Task) (interface{}, error) {
			logger.Info("task executed",
				zap.String("task", task.ID),
				zap.String("type", task.Type),
				zap.String("role", string(role)))
			return task.Input, nil
		})
	}
	return handlers
}

func serve(ctx context.Context, cfg config.Config) error {
	transport, err := buildTransport(cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	kv, err := store.NewSQLiteKV(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	p, err := pool.New(cfg.PoolConfig(), defaultHandlers(), transport, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	orch, err := orchestrator.New(p, transport, cfg.OrchestratorConfig(), logger)
	if err != nil {
		return err
	}
	defer orch.Close()

	// Persist finished task results for later inspection.
	if _, err := transport.Subscribe(bus.TopicTaskCompleted, persistResult(kv), nil); err != nil {
		return err
	}
	if _, err := transport.Subscribe(bus.TopicTaskFailed, persistResult(kv), nil); err != nil {
		return err
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, logger, metrics.NewCollector(transport, p))
		metricsSrv.Start()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Re-apply pool elasticity when the config file changes.
	go func() {
		err := config.Watch(ctx, configPath, logger, func(next config.Config) {
			pc := next.PoolConfig()
			if err := p.SetElasticity(pc.MinAgents, pc.MaxAgents, pc.IdleTimeout); err != nil {
				logger.Warn("elasticity reload rejected", zap.Error(err))
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	logger.Info("conduit up",
		zap.String("mode", string(cfg.Mode())),
		zap.Int("workers", p.Size()))

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsSrv.Close(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}
	return nil
}

// persistResult stores finished task results under result:<taskID>.
func persistResult(kv store.KV) bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		raw, err := json.Marshal(env.Data)
		if err != nil {
			return err
		}
		var result pool.Result
		if err := json.Unmarshal(raw, &result); err != nil {
			return err
		}
		if result.TaskID == "" {
			return nil
		}
		return kv.Store(ctx, "result:"+result.TaskID, string(raw))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
