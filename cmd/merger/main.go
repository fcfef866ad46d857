package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"cdcsnap/internal/app"
	"cdcsnap/internal/config"
	"cdcsnap/internal/logging"
	"cdcsnap/internal/manifest"
	"cdcsnap/internal/merge"
	"cdcsnap/internal/metrics"
	"cdcsnap/internal/orchestrator"
	"cdcsnap/internal/snapshot"
	"cdcsnap/internal/staging"
)

// Flags holds CLI flags for the merger. Flags that are set override the
// config file.
type Flags struct {
	ConfigPath  string
	LogLevel    string
	MetricsAddr string
	// Once runs a single cycle and exits with its outcome.
	Once bool
}

func main() {
	f := readFlags()
	if err := run(f); err != nil {
		log.Fatalf("merger failed: %v", err)
	}
}

func readFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to YAML config (defaults apply when empty)")
	flag.StringVar(&f.LogLevel, "log-level", "", "log level override")
	flag.StringVar(&f.MetricsAddr, "metrics-addr", "", "listen address for /metrics and /healthz override")
	flag.BoolVar(&f.Once, "once", false, "run one cycle and exit")
	flag.Parse()
	return f
}

func loadConfig(f Flags) (config.Config, error) {
	cfg := config.Default()
	if f.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadConfig(f.ConfigPath); err != nil {
			return cfg, err
		}
	}
	if f.LogLevel != "" {
		cfg.Logging.Level = f.LogLevel
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}
	return cfg, nil
}

func run(f Flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Staging)
	if err != nil {
		return fmt.Errorf("open staging: %w", err)
	}
	tb, err := app.OpenTable(cfg.Table)
	if err != nil {
		return fmt.Errorf("open table: %w", err)
	}
	defer tb.Close()

	retention, err := staging.ParseRetention(cfg.Staging.Retention)
	if err != nil {
		return err
	}
	alerts, closeAlerts, err := app.Alerts(cfg.Alerts, logger)
	if err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	defer closeAlerts()
	disc, closeCatalog, err := app.Discoverer(ctx, cfg.Catalog)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer closeCatalog()

	mreg := metrics.NewRegistry()
	orch := orchestrator.New(orchestrator.Config{
		Interval:      cfg.Orchestrator.Interval,
		CycleTimeout:  cfg.Orchestrator.CycleTimeout,
		RunOnStart:    cfg.Orchestrator.RunOnStart,
		Retention:     retention,
		SnapshotEvery: cfg.Orchestrator.SnapshotEvery,
	}, orchestrator.Deps{
		Discoverer: disc,
		Store:      store,
		Engine: merge.NewEngine(merge.Options{
			TombstoneUnknownDeletes: cfg.Merge.TombstoneUnknown(),
			Partitions:              cfg.Merge.Partitions,
		}),
		Table:       tb,
		Ledger:      manifest.NewLedger(cfg.Manifest.Dir),
		Publisher:   app.Publisher(cfg.Manifest),
		Snapshotter: snapshot.NewFilesystemSnapshotter(cfg.Snapshot.Dir),
		Alerts:      alerts,
		Metrics:     mreg,
		Logger:      logger,
	})

	app.ServeHTTP(ctx, cfg.Metrics.Addr, mreg, func() map[string]any {
		last := orch.LastReport()
		return map[string]any{
			"state":      orch.State().String(),
			"lastCycle":  last.CycleID,
			"lastState":  last.State.String(),
			"lastFinish": last.FinishedAt,
		}
	}, logger)

	logger.WithFields(logrus.Fields{
		"staging":   cfg.Staging.Type,
		"table":     cfg.Table.Backend,
		"retention": retention,
		"interval":  cfg.Orchestrator.Interval,
	}).Info("starting merger")

	if f.Once {
		rep := orch.RunCycle(ctx)
		if rep.Err != nil {
			return rep.Err
		}
		logger.Infof("cycle %s %s", rep.CycleID, rep.State)
		return nil
	}
	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("merger stopped")
	return nil
}
