package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadConfig_OverridesKeepDefaults(t *testing.T) {
	p := writeConfig(t, `
logging:
  level: debug
feed:
  type: nats
  nats:
    conn:
      url: nats://nats:4222
    stream: ORDERS
    subject: orders.cdc
staging:
  type: s3
  retention: delete
  s3:
    bucket: cdc-stage
    prefix: orders
orchestrator:
  interval: 2m
  snapshot_every: 10
merge:
  tombstone_unknown_deletes: false
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Feed.NATS.Conn.URL != "nats://nats:4222" || cfg.Feed.NATS.Stream != "ORDERS" || cfg.Feed.NATS.Durable != "cdcsnap-ingest" {
		t.Fatalf("nats feed: %+v", cfg.Feed.NATS)
	}
	if cfg.Staging.S3.Bucket != "cdc-stage" || cfg.Staging.Retention != "delete" || cfg.Staging.MaxRecords != 10000 {
		t.Fatalf("staging: %+v", cfg.Staging)
	}
	if cfg.Orchestrator.Interval != 2*time.Minute || cfg.Orchestrator.CycleTimeout != 5*time.Minute || cfg.Orchestrator.SnapshotEvery != 10 {
		t.Fatalf("orchestrator: %+v", cfg.Orchestrator)
	}
	if cfg.Merge.TombstoneUnknown() {
		t.Fatalf("tombstone override ignored")
	}
	if cfg.Table.Backend != "pebble" {
		t.Fatalf("table default lost: %+v", cfg.Table)
	}
}

func TestDefault_TombstoneUnknownDeletes(t *testing.T) {
	if !Default().Merge.TombstoneUnknown() {
		t.Fatalf("want tombstones by default")
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"feed.type":         "feed:\n  type: carrier-pigeon\n",
		"staging.retention": "staging:\n  retention: shred\n",
		"table.backend":     "table:\n  backend: csv\n",
		"timestamp_policy":  "normalizer:\n  timestamp_policy: wallclock\n",
		"catalog":           "catalog:\n  type: mysql\n",
		"alerts.sinks":      "alerts:\n  sinks: [log, pager]\n",
	}
	for want, body := range cases {
		_, err := LoadConfig(writeConfig(t, body))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: got %v", want, err)
		}
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}
