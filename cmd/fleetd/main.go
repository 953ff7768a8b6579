package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/robofleet/fleetd/internal/bus"
	"github.com/robofleet/fleetd/internal/config"
	"github.com/robofleet/fleetd/internal/link"
	"github.com/robofleet/fleetd/internal/logging"
	"github.com/robofleet/fleetd/internal/patrol"
	"github.com/robofleet/fleetd/internal/router"
	"github.com/robofleet/fleetd/internal/store"
	"github.com/robofleet/fleetd/internal/telemetry"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "fleetd - autonomous robot fleet control plane",
	Long:    `fleetd supervises a fleet of patrol robots: it holds a broker link to every robot and to the shared cloud detection bus, runs patrol sessions, and records inspection results and violations.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger so config loading itself can log.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "fleetd",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "fleetd",
	})

	log.Info().Str("version", Version).Str("dataDir", cfg.DataDir).
		Msg("Starting fleetd control plane")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open fleet store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New(bus.WithDropHook(func(topic bus.Topic) {
		telemetry.Get().BusEventDropped(string(topic))
	}))

	rt := router.New(st, eventBus)
	links := link.NewManager(st, rt)
	sup := patrol.NewSupervisor(ctx, st, eventBus, commanderSource{links}, rt)
	rt.SetSink(sup)

	// Sessions left active by a previous process cannot be resumed; mark
	// them before any new patrol starts.
	if err := sup.Recover(); err != nil {
		log.Error().Err(err).Msg("Failed to recover orphaned patrol sessions")
	}

	if err := links.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start robot links")
	}

	var cloud *link.CloudLink
	if cfg.CloudEnabled() {
		settings, err := st.ResolveSettings()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve fleet settings")
		}
		cloud = link.NewCloudLink(link.CloudConfig{
			Endpoint:     cfg.CloudEndpoint,
			Port:         cfg.CloudPort,
			Username:     cfg.CloudUsername,
			Password:     cfg.CloudPassword,
			UseTLS:       cfg.CloudUseTLS,
			Topics:       settings.CloudTopics,
			ControlTopic: cfg.CloudControlTopic,
		}, rt.HandleCloudMessage,
			func() { log.Info().Str("endpoint", cfg.CloudEndpoint).Msg("Cloud detection bus connected") },
			func() { log.Warn().Msg("Cloud detection bus disconnected") })
		cloud.Start(ctx)
		sup.SetPipeline(cloud)
	} else {
		log.Info().Msg("No cloud detection endpoint configured, detection ingest disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runMetricsServer(gctx, cfg.MetricsAddr)
	})

	// SIGHUP re-reads the robot table so broker changes apply without a
	// restart.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				log.Info().Msg("Received SIGHUP, reconciling robot links")
				if err := links.SyncRobots(); err != nil {
					log.Error().Err(err).Msg("Robot link reconcile failed")
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Run group exited with error")
	}

	log.Info().Msg("Shutting down")
	if cloud != nil {
		cloud.Close()
	}
	links.Stop()
	sup.Shutdown()
	rt.Close()
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
	log.Info().Msg("Server stopped")
}

// commanderSource adapts the link manager to the patrol supervisor's
// command surface.
type commanderSource struct {
	links *link.Manager
}

func (c commanderSource) Commander(robotID int64) (patrol.Commander, error) {
	l, err := c.links.Link(robotID)
	if err != nil {
		return nil, err
	}
	return l, nil
}
