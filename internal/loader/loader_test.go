package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"cdcsnap/internal/model"
	"cdcsnap/internal/staging"
)

func stage(t *testing.T, w *staging.Writer, recs ...model.CanonicalRecord) string {
	t.Helper()
	ctx := context.Background()
	for _, r := range recs {
		if _, err := w.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	name, err := w.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// object names carry a nanosecond timestamp
	time.Sleep(time.Millisecond)
	return name
}

func upsert(key string, ts int64, seq uint64) model.CanonicalRecord {
	return model.CanonicalRecord{RecordKey: key, PrecombineTS: ts, Op: model.TagUpsert, Payload: map[string]any{"k": key}, IngestSequence: seq}
}

func TestLoad_ReadsUncommittedInOrder(t *testing.T) {
	store, err := staging.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	w := staging.NewWriter(store, 0)
	first := stage(t, w, upsert("a", 1, 1), upsert("b", 2, 2))
	second := stage(t, w, upsert("c", 3, 3))
	third := stage(t, w, upsert("d", 4, 4))

	b, err := New(store).Load(context.Background(), map[string]bool{second: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(b.Objects) != 2 || b.Objects[0] != first || b.Objects[1] != third {
		t.Fatalf("objects: %v", b.Objects)
	}
	if len(b.Records) != 3 || b.Records[0].RecordKey != "a" || b.Records[2].RecordKey != "d" {
		t.Fatalf("records: %+v", b.Records)
	}
}

func TestLoad_EmptyStaging(t *testing.T) {
	store, _ := staging.NewFileStore(t.TempDir())
	b, err := New(store).Load(context.Background(), nil)
	if err != nil || len(b.Objects) != 0 || len(b.Records) != 0 {
		t.Fatalf("want empty batch, got %+v err=%v", b, err)
	}
}

func TestLoad_CorruptObjectFailsWholeBatch(t *testing.T) {
	ctx := context.Background()
	store, _ := staging.NewFileStore(t.TempDir())
	w := staging.NewWriter(store, 0)
	stage(t, w, upsert("a", 1, 1))
	if err := store.Put(ctx, "pending/99999999999999999999-bad.jsonl", []byte("{\"key\":\"x\"\n")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	b, err := New(store).Load(ctx, nil)
	if !errors.Is(err, ErrPartialBatchRead) {
		t.Fatalf("want ErrPartialBatchRead, got %v", err)
	}
	if len(b.Records) != 0 || len(b.Objects) != 0 {
		t.Fatalf("partial batch leaked: %+v", b)
	}
}

type brokenStore struct{ staging.Store }

func (brokenStore) Get(ctx context.Context, name string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func TestLoad_GetFailure(t *testing.T) {
	store, _ := staging.NewFileStore(t.TempDir())
	stage(t, staging.NewWriter(store, 0), upsert("a", 1, 1))
	if _, err := New(brokenStore{store}).Load(context.Background(), nil); !errors.Is(err, ErrPartialBatchRead) {
		t.Fatalf("want ErrPartialBatchRead, got %v", err)
	}
}

func TestDecode_SkipsBlankLines(t *testing.T) {
	r := upsert("a", 1, 1)
	line, _ := r.Encode()
	data := append(append([]byte("\n"), line...), '\n')
	recs, err := Decode(data)
	if err != nil || len(recs) != 1 || recs[0].RecordKey != "a" {
		t.Fatalf("Decode: %+v %v", recs, err)
	}
}
