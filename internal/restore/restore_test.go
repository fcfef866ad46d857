package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"cdcsnap/internal/catalog"
	"cdcsnap/internal/manifest"
	"cdcsnap/internal/model"
	"cdcsnap/internal/orchestrator"
	"cdcsnap/internal/snapshot"
	"cdcsnap/internal/staging"
	"cdcsnap/internal/table"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func upsert(key string, ts int64, seq uint64, v int) model.CanonicalRecord {
	return model.CanonicalRecord{RecordKey: key, PrecombineTS: ts, Op: model.TagUpsert, Payload: map[string]any{"v": json.Number(fmt.Sprint(v))}, IngestSequence: seq}
}

func del(key string, ts int64, seq uint64) model.CanonicalRecord {
	return model.CanonicalRecord{RecordKey: key, PrecombineTS: ts, Op: model.TagDelete, IngestSequence: seq}
}

func dump(t *testing.T, tb table.Table) map[string]model.TargetRow {
	t.Helper()
	out := map[string]model.TargetRow{}
	if err := tb.Range(func(r model.TargetRow) error { out[r.Key] = r; return nil }); err != nil {
		t.Fatalf("Range: %v", err)
	}
	return out
}

type env struct {
	store  *staging.FileStore
	writer *staging.Writer
	ledger *manifest.Ledger
	snap   *snapshot.FilesystemSnapshotter
	live   *table.InMemoryTable
	orch   *orchestrator.Orchestrator
}

func newEnv(t *testing.T, retention staging.Retention, snapshotEvery int) *env {
	t.Helper()
	store, err := staging.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	e := &env{
		store:  store,
		writer: staging.NewWriter(store, 0),
		ledger: manifest.NewLedger(t.TempDir()),
		snap:   snapshot.NewFilesystemSnapshotter(t.TempDir()),
		live:   table.NewInMemoryTable(),
	}
	cfg := orchestrator.DefaultConfig()
	cfg.Retention = retention
	cfg.SnapshotEvery = snapshotEvery
	e.orch = orchestrator.New(cfg, orchestrator.Deps{
		Discoverer:  catalog.Func(func(context.Context) error { return nil }),
		Store:       store,
		Table:       e.live,
		Ledger:      e.ledger,
		Snapshotter: e.snap,
		Logger:      quiet(),
	})
	return e
}

func (e *env) cycle(t *testing.T, recs ...model.CanonicalRecord) orchestrator.Report {
	t.Helper()
	ctx := context.Background()
	for _, r := range recs {
		if _, err := e.writer.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := e.writer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	time.Sleep(time.Millisecond)
	rep := e.orch.RunCycle(ctx)
	if rep.State != orchestrator.StateCommitted {
		t.Fatalf("cycle: %+v", rep)
	}
	return rep
}

func TestRestoreAndReplay_SnapshotPlusLaterCycles(t *testing.T) {
	e := newEnv(t, staging.RetainArchive, 2)
	e.cycle(t, upsert("a", 10, 1, 1), upsert("b", 10, 2, 1))
	snapCycle := e.cycle(t, upsert("a", 20, 3, 2), del("b", 20, 4))
	if snapCycle.SnapshotID != snapCycle.CycleID {
		t.Fatalf("expected snapshot on second cycle: %+v", snapCycle)
	}
	// equal timestamp on a: skipped live, must be skipped on replay too
	e.cycle(t, upsert("a", 20, 5, 99), upsert("c", 30, 6, 3))

	fresh := table.NewInMemoryTable()
	r := NewRestorer(fresh, e.snap, e.ledger, e.store, nil, quiet())
	res, err := r.RestoreAndReplay(context.Background())
	if err != nil {
		t.Fatalf("RestoreAndReplay: %v", err)
	}
	if res.SnapshotRows != 2 || res.Cycles != 1 || res.Objects != 1 || res.Missing != 0 {
		t.Fatalf("result: %+v", res)
	}
	if !reflect.DeepEqual(dump(t, e.live), dump(t, fresh)) {
		t.Fatalf("restored table differs:\nlive     %+v\nrestored %+v", dump(t, e.live), dump(t, fresh))
	}
}

func TestRestoreAndReplay_NoSnapshotReplaysEverything(t *testing.T) {
	e := newEnv(t, staging.RetainKeep, 0)
	e.cycle(t, upsert("a", 10, 1, 1))
	e.cycle(t, upsert("a", 5, 2, 0), upsert("b", 7, 3, 7))

	fresh := table.NewInMemoryTable()
	res, err := NewRestorer(fresh, e.snap, e.ledger, e.store, nil, quiet()).RestoreAndReplay(context.Background())
	if err != nil {
		t.Fatalf("RestoreAndReplay: %v", err)
	}
	if res.Cycles != 2 || res.SnapshotRows != 0 {
		t.Fatalf("result: %+v", res)
	}
	if !reflect.DeepEqual(dump(t, e.live), dump(t, fresh)) {
		t.Fatalf("restored table differs")
	}
}

func TestRestoreAndReplay_DeletedObjectsAreCountedMissing(t *testing.T) {
	e := newEnv(t, staging.RetainDelete, 0)
	e.cycle(t, upsert("a", 10, 1, 1))

	res, err := NewRestorer(table.NewInMemoryTable(), e.snap, e.ledger, e.store, nil, quiet()).RestoreAndReplay(context.Background())
	if err != nil {
		t.Fatalf("RestoreAndReplay: %v", err)
	}
	if res.Missing != 1 || res.Objects != 0 {
		t.Fatalf("result: %+v", res)
	}
}

func TestRestoreAndReplay_NothingCommitted(t *testing.T) {
	store, _ := staging.NewFileStore(t.TempDir())
	r := NewRestorer(table.NewInMemoryTable(), nil, manifest.NewLedger(t.TempDir()), store, nil, quiet())
	res, err := r.RestoreAndReplay(context.Background())
	if err != nil || res.Cycles != 0 {
		t.Fatalf("empty ledger: %+v %v", res, err)
	}
}

func TestRestoreFromSnapshot_MissingStartsEmpty(t *testing.T) {
	tb := table.NewInMemoryTable()
	tb.Apply([]model.TargetRow{{Key: "stale", PrecombineTS: 1}})
	r := NewRestorer(tb, snapshot.NewFilesystemSnapshotter(t.TempDir()), nil, nil, nil, quiet())
	n, err := r.RestoreFromSnapshot("gone")
	if err != nil || n != 0 || tb.Len() != 0 {
		t.Fatalf("missing snapshot: n=%d err=%v len=%d", n, err, tb.Len())
	}
}

func TestReplayCycles_CorruptObjectStops(t *testing.T) {
	ctx := context.Background()
	store, _ := staging.NewFileStore(t.TempDir())
	if err := store.Put(ctx, "archive/x.jsonl", []byte("{oops\n")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r := NewRestorer(table.NewInMemoryTable(), nil, nil, store, nil, quiet())
	res := r.ReplayCycles(ctx, []manifest.CycleManifest{{CycleID: "c1", Objects: []string{"pending/x.jsonl"}}})
	if res.Error == nil || res.Cycles != 0 {
		t.Fatalf("want error, got %+v", res)
	}
}
