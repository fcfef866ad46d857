package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cdcsnap/internal/app"
	"cdcsnap/internal/config"
	"cdcsnap/internal/logging"
	"cdcsnap/internal/manifest"
	"cdcsnap/internal/merge"
	"cdcsnap/internal/metrics"
	"cdcsnap/internal/restore"
	"cdcsnap/internal/snapshot"
)

type Flags struct {
	ConfigPath     string
	LogLevel       string
	MetricsAddr    string
	ManifestSource string // file|kafka
	TableBackend   string
	TableDir       string
	ExportID       string
	Poll           time.Duration
}

func main() {
	f := readFlags()
	if err := run(f); err != nil {
		log.Fatalf("recover failed: %v", err)
	}
}

func readFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to YAML config (defaults apply when empty)")
	flag.StringVar(&f.LogLevel, "log-level", "", "log level override")
	flag.StringVar(&f.MetricsAddr, "metrics-addr", ":9090", "listen address for /metrics")
	flag.StringVar(&f.ManifestSource, "manifest-source", "file", "where the latest manifest is read: file|kafka")
	flag.StringVar(&f.TableBackend, "table-backend", "memory", "table to rebuild: memory|pebble|badger")
	flag.StringVar(&f.TableDir, "table-dir", "./data/recovered", "directory of the rebuilt table")
	flag.StringVar(&f.ExportID, "export", "", "write the rebuilt table as snapshot <id> when set")
	flag.DurationVar(&f.Poll, "poll", 0, "repeat recovery at this interval; 0 runs once")
	flag.Parse()
	return f
}

// kafkaHistory takes the latest manifest from the compacted Kafka topic and
// the cycle list from the ledger.
type kafkaHistory struct {
	latest *manifest.KafkaReader
	ledger *manifest.Ledger
}

func (h kafkaHistory) ReadLatest(ctx context.Context) (manifest.CycleManifest, error) {
	return h.latest.ReadLatest(ctx)
}

func (h kafkaHistory) Cycles() ([]manifest.CycleManifest, error) {
	return h.ledger.Cycles()
}

func run(f Flags) error {
	cfg := config.Default()
	if f.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadConfig(f.ConfigPath); err != nil {
			return err
		}
	}
	if f.LogLevel != "" {
		cfg.Logging.Level = f.LogLevel
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
	tb, err := app.OpenTable(config.TableConfig{Backend: f.TableBackend, Dir: f.TableDir})
	if err != nil {
		return fmt.Errorf("open table: %w", err)
	}
	defer tb.Close()

	ledger := manifest.NewLedger(cfg.Manifest.Dir)
	var history restore.History = ledger
	if f.ManifestSource == "kafka" {
		if cfg.Manifest.KafkaBootstrap == "" {
			return fmt.Errorf("manifest-source kafka needs manifest.kafka_bootstrap")
		}
		history = kafkaHistory{
			latest: manifest.NewKafkaReader(cfg.Manifest.KafkaBootstrap, cfg.Manifest.Topic, cfg.Manifest.Key),
			ledger: ledger,
		}
	}

	snap := snapshot.NewFilesystemSnapshotter(cfg.Snapshot.Dir)
	engine := merge.NewEngine(merge.Options{
		TombstoneUnknownDeletes: cfg.Merge.TombstoneUnknown(),
		Partitions:              cfg.Merge.Partitions,
	})
	r := restore.NewRestorer(tb, snap, history, store, engine, logger)

	mreg := metrics.NewRegistry()
	app.ServeHTTP(ctx, f.MetricsAddr, mreg, nil, logger)

	recoverOnce := func() error {
		t1 := time.Now()
		res, err := r.RestoreAndReplay(ctx)
		if err != nil {
			return err
		}
		ttr := time.Since(t1)
		mreg.ReplayApplied.Add(float64(res.Applied))
		mreg.ReplaySkipped.Add(float64(res.Skipped))
		mreg.TTRSec.Set(ttr.Seconds())
		logger.WithFields(logrus.Fields{
			"snapshotRows": res.SnapshotRows,
			"cycles":       res.Cycles,
			"objects":      res.Objects,
			"missing":      res.Missing,
			"applied":      res.Applied,
			"skipped":      res.Skipped,
			"ttr":          ttr,
		}).Info("recovery finished")
		if f.ExportID != "" {
			if err := snap.WriteSnapshot(f.ExportID, tb); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			logger.WithField("snapshot", f.ExportID).Info("rebuilt table exported")
		}
		return nil
	}

	if f.Poll <= 0 {
		return recoverOnce()
	}
	ticker := time.NewTicker(f.Poll)
	defer ticker.Stop()
	for {
		if err := recoverOnce(); err != nil {
			logger.WithError(err).Error("recovery failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
