// Package config loads the YAML configuration shared by the cdcsnap binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cdcsnap/internal/catalog"
	"cdcsnap/internal/feed"
	"cdcsnap/internal/natsx"
	"cdcsnap/internal/normalize"
	"cdcsnap/internal/staging"
)

type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Feed         FeedConfig         `yaml:"feed"`
	Normalizer   NormalizerConfig   `yaml:"normalizer"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Staging      StagingConfig      `yaml:"staging"`
	Table        TableConfig        `yaml:"table"`
	Merge        MergeConfig        `yaml:"merge"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Manifest     ManifestConfig     `yaml:"manifest"`
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

type FeedConfig struct {
	Type   string            `yaml:"type"` // kafka, nats, binlog
	Kafka  feed.KafkaConfig  `yaml:"kafka"`
	NATS   NATSFeedConfig    `yaml:"nats"`
	Binlog feed.BinlogConfig `yaml:"binlog"`
}

type NATSFeedConfig struct {
	Conn            natsx.Config `yaml:"conn"`
	feed.NATSConfig `yaml:",inline"`
}

type NormalizerConfig struct {
	// TimestampPolicy is "event_time" or "payload_field:<name>[:int|rfc3339]".
	TimestampPolicy string `yaml:"timestamp_policy"`
}

type IngestConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Workers   int           `yaml:"workers"`
	Backoff   time.Duration `yaml:"backoff"`
}

type StagingConfig struct {
	Type      string           `yaml:"type"` // fs, s3
	Dir       string           `yaml:"dir"`
	S3        staging.S3Config `yaml:"s3"`
	Retention string           `yaml:"retention"` // keep, delete, archive
	// MaxRecords flushes a staged object once this many records are buffered.
	MaxRecords int `yaml:"max_records"`
}

type TableConfig struct {
	Backend string `yaml:"backend"` // memory, pebble, badger
	Dir     string `yaml:"dir"`
}

type MergeConfig struct {
	TombstoneUnknownDeletes *bool `yaml:"tombstone_unknown_deletes"`
	Partitions              int   `yaml:"partitions"`
}

type OrchestratorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	CycleTimeout  time.Duration `yaml:"cycle_timeout"`
	RunOnStart    bool          `yaml:"run_on_start"`
	SnapshotEvery int           `yaml:"snapshot_every"`
}

type CatalogConfig struct {
	Type   string              `yaml:"type"` // none, mysql
	MySQL  catalog.MySQLConfig `yaml:"mysql"`
	Schema string              `yaml:"schema"`
	Table  string              `yaml:"table"`
	Keys   []string            `yaml:"keys"`
}

type AlertsConfig struct {
	// Sinks lists where alerts go: log, kafka, nats.
	Sinks        []string     `yaml:"sinks"`
	KafkaBrokers string       `yaml:"kafka_brokers"`
	KafkaTopic   string       `yaml:"kafka_topic"`
	NATS         natsx.Config `yaml:"nats"`
}

type ManifestConfig struct {
	Dir string `yaml:"dir"`
	// Sink is file or both; both also publishes each cycle to Kafka.
	Sink           string `yaml:"sink"`
	KafkaBootstrap string `yaml:"kafka_bootstrap"`
	Topic          string `yaml:"topic"`
	Key            string `yaml:"key"`
}

type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration that runs everything on the local
// filesystem against a Kafka feed.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Feed: FeedConfig{
			Type: "kafka",
			Kafka: feed.KafkaConfig{
				Bootstrap: "localhost:9092",
				GroupID:   "cdcsnap-ingest",
				Topic:     "cdc.changes",
				BatchWait: time.Second,
			},
			NATS: NATSFeedConfig{
				Conn:       natsx.Config{URL: "nats://localhost:4222", ReconnectWait: 2 * time.Second},
				NATSConfig: feed.NATSConfig{Stream: "CDC", Subject: "cdc.changes", Durable: "cdcsnap-ingest", BatchWait: time.Second},
			},
			Binlog: feed.BinlogConfig{
				Port:         3306,
				ServerID:     1001,
				Flavor:       "mysql",
				PositionFile: "./data/binlog.pos",
				BatchWait:    time.Second,
			},
		},
		Normalizer: NormalizerConfig{TimestampPolicy: "event_time"},
		Ingest:     IngestConfig{BatchSize: 500, Workers: 4, Backoff: time.Second},
		Staging:    StagingConfig{Type: "fs", Dir: "./data/staging", Retention: string(staging.RetainArchive), MaxRecords: 10000},
		Table:      TableConfig{Backend: "pebble", Dir: "./data/table"},
		Merge:      MergeConfig{Partitions: 4},
		Orchestrator: OrchestratorConfig{
			Interval:      15 * time.Minute,
			CycleTimeout:  5 * time.Minute,
			SnapshotEvery: 4,
		},
		Catalog:  CatalogConfig{Type: "none", MySQL: catalog.MySQLConfig{PingTimeout: 3 * time.Second}},
		Alerts:   AlertsConfig{Sinks: []string{"log"}, KafkaTopic: "cdcsnap.alerts", NATS: natsx.Config{Subject: "cdcsnap.alerts", ReconnectWait: 2 * time.Second}},
		Manifest: ManifestConfig{Dir: "./data/ledger", Sink: "file", Topic: "cdcsnap.manifests", Key: "cdcsnap-manifest-latest"},
		Snapshot: SnapshotConfig{Dir: "./data/snapshots"},
		Metrics:  MetricsConfig{Addr: ":8080"},
	}
}

// LoadConfig reads path over the defaults. Keys missing from the file keep
// their default value.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TombstoneUnknown reports the tombstone setting, true when unset.
func (m MergeConfig) TombstoneUnknown() bool {
	return m.TombstoneUnknownDeletes == nil || *m.TombstoneUnknownDeletes
}

func (c Config) Validate() error {
	switch c.Feed.Type {
	case "kafka", "nats", "binlog":
	default:
		return fmt.Errorf("feed.type: unknown %q", c.Feed.Type)
	}
	switch c.Staging.Type {
	case "fs", "s3":
	default:
		return fmt.Errorf("staging.type: unknown %q", c.Staging.Type)
	}
	if _, err := staging.ParseRetention(c.Staging.Retention); err != nil {
		return fmt.Errorf("staging.retention: %w", err)
	}
	switch c.Table.Backend {
	case "memory", "pebble", "badger":
	default:
		return fmt.Errorf("table.backend: unknown %q", c.Table.Backend)
	}
	if _, err := normalize.ParsePolicy(c.Normalizer.TimestampPolicy); err != nil {
		return fmt.Errorf("normalizer.timestamp_policy: %w", err)
	}
	switch c.Catalog.Type {
	case "", "none":
	case "mysql":
		if c.Catalog.Schema == "" || c.Catalog.Table == "" {
			return fmt.Errorf("catalog: mysql needs schema and table")
		}
	default:
		return fmt.Errorf("catalog.type: unknown %q", c.Catalog.Type)
	}
	for _, s := range c.Alerts.Sinks {
		switch s {
		case "log", "kafka", "nats":
		default:
			return fmt.Errorf("alerts.sinks: unknown %q", s)
		}
	}
	switch c.Manifest.Sink {
	case "", "file", "both":
	default:
		return fmt.Errorf("manifest.sink: unknown %q", c.Manifest.Sink)
	}
	if c.Orchestrator.SnapshotEvery < 0 {
		return fmt.Errorf("orchestrator.snapshot_every must not be negative")
	}
	return nil
}
