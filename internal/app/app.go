// Package app opens the stores, tables and sinks named by a config.Config.
// The cmd binaries share it so each one wires the same backends the same way.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdcsnap/internal/alert"
	"cdcsnap/internal/catalog"
	"cdcsnap/internal/config"
	"cdcsnap/internal/manifest"
	"cdcsnap/internal/metrics"
	"cdcsnap/internal/natsx"
	"cdcsnap/internal/staging"
	"cdcsnap/internal/table"
)

// OpenStore opens the staging store.
func OpenStore(ctx context.Context, cfg config.StagingConfig) (staging.Store, error) {
	switch cfg.Type {
	case "s3":
		s, err := staging.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "fs", "":
		s, err := staging.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown staging type %q", cfg.Type)
}

// OpenTable opens the target table. The caller closes it.
func OpenTable(cfg config.TableConfig) (table.Table, error) {
	switch cfg.Backend {
	case "pebble":
		t, err := table.NewPebbleTable(filepath.Join(cfg.Dir, "pebble"))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "badger":
		t, err := table.NewBadgerTable(filepath.Join(cfg.Dir, "badger"))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "memory", "":
		return table.NewInMemoryTable(), nil
	}
	return nil, fmt.Errorf("unknown table backend %q", cfg.Backend)
}

// Alerts builds the configured alert sinks. The returned func closes any
// connection they opened.
func Alerts(cfg config.AlertsConfig, logger logrus.FieldLogger) (alert.Sink, func(), error) {
	var (
		sinks  alert.MultiSink
		conns  []*nats.Conn
		closer = func() {
			for _, c := range conns {
				c.Close()
			}
		}
	)
	for _, s := range cfg.Sinks {
		switch s {
		case "log":
			sinks = append(sinks, alert.NewLogSink(logger))
		case "kafka":
			if cfg.KafkaBrokers == "" {
				return nil, closer, errors.New("alerts: kafka sink without kafka_brokers")
			}
			sinks = append(sinks, alert.NewKafkaSink(manifest.SplitBrokers(cfg.KafkaBrokers), cfg.KafkaTopic))
		case "nats":
			conn, err := natsx.Connect(cfg.NATS, logger)
			if err != nil {
				return nil, closer, err
			}
			conns = append(conns, conn)
			sinks = append(sinks, alert.NewNATSSink(conn, cfg.NATS.Subject))
		default:
			return nil, closer, fmt.Errorf("unknown alert sink %q", s)
		}
	}
	if len(sinks) == 0 {
		return alert.NewLogSink(logger), closer, nil
	}
	if len(sinks) == 1 {
		return sinks[0], closer, nil
	}
	return sinks, closer, nil
}

// Discoverer returns the catalog check to run at cycle start. Without a
// catalog every cycle passes discovery.
func Discoverer(ctx context.Context, cfg config.CatalogConfig) (catalog.Discoverer, func(), error) {
	if cfg.Type != "mysql" {
		return catalog.Func(func(context.Context) error { return nil }), func() {}, nil
	}
	db, err := catalog.OpenMySQL(ctx, cfg.MySQL)
	if err != nil {
		return nil, func() {}, err
	}
	d := catalog.TableCheck{Lister: db, Schema: cfg.Schema, Table: cfg.Table, Keys: cfg.Keys}
	return d, func() { _ = db.Close() }, nil
}

// Publisher returns the optional Kafka manifest publisher, nil when the
// manifest only goes to the ledger.
func Publisher(cfg config.ManifestConfig) manifest.Publisher {
	if cfg.Sink != "both" || cfg.KafkaBootstrap == "" {
		return nil
	}
	return manifest.NewKafkaPublisher(cfg.KafkaBootstrap, cfg.Topic, cfg.Key)
}

// ServeHTTP exposes /metrics and /healthz until ctx is done. health may be
// nil.
func ServeHTTP(ctx context.Context, addr string, reg *metrics.Registry, health func() map[string]any, logger logrus.FieldLogger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server failed")
		}
	}()
}
