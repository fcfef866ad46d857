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
	"cdcsnap/internal/catalog"
	"cdcsnap/internal/config"
	"cdcsnap/internal/feed"
	"cdcsnap/internal/ingest"
	"cdcsnap/internal/logging"
	"cdcsnap/internal/metrics"
	"cdcsnap/internal/natsx"
	"cdcsnap/internal/normalize"
	"cdcsnap/internal/staging"
)

// Flags holds CLI flags for the ingest process. Flags that are set override
// the config file.
type Flags struct {
	ConfigPath  string
	LogLevel    string
	MetricsAddr string
	FeedType    string
}

func main() {
	f := readFlags()
	if err := run(f); err != nil {
		log.Fatalf("ingest failed: %v", err)
	}
}

func readFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to YAML config (defaults apply when empty)")
	flag.StringVar(&f.LogLevel, "log-level", "", "log level override")
	flag.StringVar(&f.MetricsAddr, "metrics-addr", "", "listen address for /metrics and /healthz override")
	flag.StringVar(&f.FeedType, "feed", "", "feed override: kafka|nats|binlog")
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
	if f.FeedType != "" {
		cfg.Feed.Type = f.FeedType
	}
	return cfg, cfg.Validate()
}

// openSource returns the configured feed and a func releasing what it opened.
func openSource(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (feed.Source, func(), error) {
	switch cfg.Feed.Type {
	case "kafka":
		src, err := feed.NewKafkaSource(cfg.Feed.Kafka)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	case "nats":
		conn, err := natsx.Connect(cfg.Feed.NATS.Conn, logger)
		if err != nil {
			return nil, nil, err
		}
		src, err := feed.NewNATSSource(conn, cfg.Feed.NATS.NATSConfig)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return src, func() { _ = src.Close(); conn.Close() }, nil
	case "binlog":
		var (
			columns catalog.ColumnLister
			closeDB = func() {}
		)
		if cfg.Catalog.Type == "mysql" {
			db, err := catalog.OpenMySQL(ctx, cfg.Catalog.MySQL)
			if err != nil {
				return nil, nil, err
			}
			columns = db
			closeDB = func() { _ = db.Close() }
		}
		src, err := feed.NewBinlogSource(cfg.Feed.Binlog, columns, logger)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		return src, func() { _ = src.Close(); closeDB() }, nil
	}
	return nil, nil, fmt.Errorf("unknown feed type %q", cfg.Feed.Type)
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

	policy, err := normalize.ParsePolicy(cfg.Normalizer.TimestampPolicy)
	if err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, cfg.Staging)
	if err != nil {
		return fmt.Errorf("open staging: %w", err)
	}
	alerts, closeAlerts, err := app.Alerts(cfg.Alerts, logger)
	if err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	defer closeAlerts()
	src, closeSrc, err := openSource(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer closeSrc()

	mreg := metrics.NewRegistry()
	app.ServeHTTP(ctx, cfg.Metrics.Addr, mreg, nil, logger)

	p := ingest.New(ingest.Config{
		BatchSize: cfg.Ingest.BatchSize,
		Workers:   cfg.Ingest.Workers,
		Backoff:   cfg.Ingest.Backoff,
	}, src, normalize.New(policy, &normalize.Sequence{}), staging.NewWriter(store, cfg.Staging.MaxRecords), alerts, mreg, logger)

	logger.WithFields(logrus.Fields{
		"feed":    cfg.Feed.Type,
		"staging": cfg.Staging.Type,
		"policy":  policy.String(),
	}).Info("starting ingest")
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
