package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/argus/internal/api"
	"github.com/rcourtman/argus/internal/collectors"
	"github.com/rcourtman/argus/internal/config"
	"github.com/rcourtman/argus/internal/detector"
	"github.com/rcourtman/argus/internal/event"
	"github.com/rcourtman/argus/internal/eventstore"
	"github.com/rcourtman/argus/internal/health"
	"github.com/rcourtman/argus/internal/logging"
	"github.com/rcourtman/argus/internal/metrics"
	"github.com/rcourtman/argus/internal/notify"
	"github.com/rcourtman/argus/internal/pipeline"
	"github.com/rcourtman/argus/internal/scheduler"
	"github.com/rcourtman/argus/internal/security"
	"github.com/rcourtman/argus/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "argus",
	Short:   "argus - single-host security and health monitoring agent",
	Long:    `argus watches a Linux host for security anomalies (ssh, sudo, ports, file drift) and health problems (temperature, disk, memory, services), keeps a durable event history and escalates critical incidents to the desktop.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(muteCmd)
	rootCmd.AddCommand(unmuteCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(trustCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("argus %s\n", Version)
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

func runAgent() {
	// Baseline logger for early startup, re-initialized from config below.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "argus"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "argus",
		FilePath:  cfg.LogFile,
	})
	defer logging.Close()

	log.Info().Str("version", Version).Msg("Starting argus agent")

	// Cancelled by SIGTERM/SIGINT; everything below derives from this.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := eventstore.New(cfg.DBPath())
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath()).Msg("Failed to open event store")
	}
	defer store.Close()

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notifications.Enabled {
		notifier = notify.NewDesktop(cfg.Notifications.TimeoutMS, cfg.Notifications.ExecWait)
	}

	pipe := pipeline.New(store, notifier)
	sched := scheduler.New(pipe)

	tail := collectors.NewAuthLogTail(cfg.AuthLogPath)
	registerDetectors(ctx, cfg, store, sched, tail)

	transitions, unsubscribe := store.Subscribe()
	defer unsubscribe()

	hub := websocket.NewHub(func(ctx context.Context) ([]*event.Event, error) {
		return store.Query(ctx, eventstore.Filter{States: []event.State{event.StateOpen}})
	})

	apiServer := api.NewServer(store, sched.Status, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(sched.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(tail.Run(gctx)) })
	g.Go(func() error { return apiServer.Run(gctx, cfg.APIListen) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsListen) })
	g.Go(func() error {
		hub.Run(gctx, transitions)
		return nil
	})
	if cfg.RetentionDays > 0 {
		g.Go(func() error {
			runRetention(gctx, store, cfg.RetentionDays)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Agent stopped with error")
		return
	}
	log.Info().Msg("Agent stopped")
}

func registerDetectors(ctx context.Context, cfg *config.Config, store *eventstore.Store, sched *scheduler.Scheduler, tail *collectors.AuthLogTail) {
	maintenance := func(ctx context.Context) bool {
		_, set, err := store.GetFlag(ctx, eventstore.FlagMaintenance)
		return err == nil && set
	}

	register := func(det detector.Detector) {
		dc := cfg.DetectorConfigFor(det.ID())
		if err := sched.Register(det, dc.Interval, dc.Timeout, dc.IsEnabled()); err != nil {
			log.Fatal().Err(err).Str("detector", det.ID()).Msg("Failed to register detector")
		}
	}

	register(security.NewAuthLogDetector(tail))
	register(security.NewListenDetector(collectors.Listeners, cfg.IsTrustedListener))
	register(security.NewFileIntegrityDetector(maintenance, recentCompromiseCheck(store)))

	tempCol := collectors.NewTemperatureCollector()
	register(health.NewTemperatureDetector(tempCol.Readings, cfg.Temperature.WarnC, cfg.Temperature.CritC))
	register(health.NewDiskDetector(collectors.Mounts, cfg.Disk.WarnPct, cfg.Disk.CritPct, cfg.Disk.Consecutive, cfg.Disk.MinTotalGB))

	memCol := collectors.NewMemoryCollector()
	register(health.NewMemoryDetector(memCol.Snapshot, collectors.TopRSS, cfg.Memory))

	unitsDet, err := health.DiscoverUnits(ctx, collectors.NewSystemdCollector())
	if err != nil {
		log.Warn().Err(err).Msg("systemd not reachable, skipping service monitoring")
	} else {
		register(unitsDet)
	}
}

// recentCompromiseCheck reports recent suspicious ssh/sudo activity; file
// changes during that window escalate.
func recentCompromiseCheck(store *eventstore.Store) func(ctx context.Context) bool {
	const lookback = 10 * time.Minute
	return func(ctx context.Context) bool {
		events, err := store.Query(ctx, eventstore.Filter{
			CodePrefix: "SEC-0",
			Severities: []event.Severity{event.SeverityWarning, event.SeverityCritical},
			Since:      time.Now().Add(-lookback),
			Limit:      50,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Recent-activity lookup failed")
			return false
		}
		for _, ev := range events {
			if ev.Code == "SEC-02" || ev.Code == "SEC-03" {
				return true
			}
		}
		return false
	}
}

func runRetention(ctx context.Context, store *eventstore.Store, retentionDays int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			n, err := store.Prune(ctx, cutoff)
			if err != nil {
				log.Warn().Err(err).Msg("Event pruning failed")
			} else if n > 0 {
				log.Info().Int64("pruned", n).Msg("Pruned resolved events past retention")
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
