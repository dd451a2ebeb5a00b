package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stratoform/lattice/pkg/api"
	"github.com/stratoform/lattice/pkg/conditional"
	"github.com/stratoform/lattice/pkg/config"
	"github.com/stratoform/lattice/pkg/events"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/jobs"
	"github.com/stratoform/lattice/pkg/log"
	"github.com/stratoform/lattice/pkg/progress"
	"github.com/stratoform/lattice/pkg/ratelimit"
	"github.com/stratoform/lattice/pkg/relationships"
	"github.com/stratoform/lattice/pkg/temporal"
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
	Use:   "lattice",
	Short: "Lattice - Weighted temporal CMDB",
	Long: `Lattice is a configuration management database built on a
property graph. Relationships carry computed weights, full version
history and conditional activation rules, with bulk topology
generation handled by a background job queue.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Lattice version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CMDB server",
	Long: `Start the HTTP API, the conditional evaluation engine, the
generation worker and the progress socket. Configuration is read from
the environment; flags override it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Port = port
		}
		if uri, _ := cmd.Flags().GetString("graph-uri"); uri != "" {
			cfg.GraphURI = uri
		}
		if url, _ := cmd.Flags().GetString("queue-url"); url != "" {
			cfg.QueueURL = url
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("main")

		if dir := filepath.Dir(cfg.GraphURI); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
		}
		store, err := graph.OpenBoltStore(cfg.GraphURI)
		if err != nil {
			return fmt.Errorf("opening graph store: %w", err)
		}
		defer store.Close()
		logger.Info().Str("path", cfg.GraphURI).Msg("graph store open")

		redisOpts, err := redis.ParseURL(cfg.QueueURL)
		if err != nil {
			return fmt.Errorf("parsing queue url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to queue store: %w", err)
		}
		logger.Info().Str("addr", redisOpts.Addr).Msg("queue store connected")

		presets, err := jobs.LoadPresets(cfg.PresetsFile)
		if err != nil {
			return fmt.Errorf("loading presets: %w", err)
		}

		bus := events.NewBus()
		bus.Start()
		defer bus.Stop()

		hub := progress.NewHub(bus)
		hub.Start()
		defer hub.Stop()

		engine := conditional.NewEngine(store, bus, cfg.EvalInterval)
		engine.Start()
		defer engine.Stop()

		queue := jobs.NewQueue(client, presets, bus)
		queue.StartReaper()
		defer queue.StopReaper()

		worker := jobs.NewWorker(queue, store, bus)
		worker.Start()
		defer worker.Stop()

		server := api.NewServer(api.Deps{
			Store:    store,
			Weighted: relationships.NewService(store),
			Temporal: temporal.NewService(store),
			Engine:   engine,
			Queue:    queue,
			Hub:      hub,
			Limiter:  ratelimit.NewLimiter(client),
			Redis:    client,
		})

		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.Port); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown incomplete")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP listen port (overrides PORT)")
	serveCmd.Flags().String("graph-uri", "", "Graph database path (overrides GRAPH_URI)")
	serveCmd.Flags().String("queue-url", "", "Queue store URL (overrides QUEUE_URL)")
}
