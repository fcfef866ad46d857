package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"cdcsnap/internal/alert"
	"cdcsnap/internal/feed"
	"cdcsnap/internal/loader"
	"cdcsnap/internal/metrics"
	"cdcsnap/internal/normalize"
	"cdcsnap/internal/staging"
)

type fakeSource struct {
	mu        sync.Mutex
	queue     []feed.Message
	committed []feed.Message
}

func (f *fakeSource) Fetch(ctx context.Context, max int) ([]feed.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := max
	if n > len(f.queue) {
		n = len(f.queue)
	}
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeSource) Commit(ctx context.Context, msgs []feed.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeSource) Close() error { return nil }

type recordingSink struct{ events []alert.Event }

func (r *recordingSink) Notify(ctx context.Context, e alert.Event) error {
	r.events = append(r.events, e)
	return nil
}

type failingStore struct{ staging.Store }

func (failingStore) Put(context.Context, string, []byte) error { return errors.New("bucket unavailable") }

// flakyStore fails Put while down is set.
type flakyStore struct {
	staging.Store
	mu   sync.Mutex
	down bool
}

func (f *flakyStore) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("bucket unavailable")
	}
	return f.Store.Put(ctx, name, data)
}

func (f *flakyStore) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func envelopeFor(id, status string, ts int) feed.Message {
	return feed.Message{Value: []byte(fmt.Sprintf(`{"operation":"UPDATE","keys":{"id":%q},"newImage":{"id":%q,"status":%q,"ts":%d}}`, id, id, status, ts))}
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestStep_StagesThenAcks(t *testing.T) {
	ctx := context.Background()
	store, _ := staging.NewFileStore(t.TempDir())
	src := &fakeSource{queue: []feed.Message{
		envelopeFor("a", "new", 1),
		{Value: []byte(`{"operation":"UPDATE"}`)},
		envelopeFor("b", "new", 2),
	}}
	sink := &recordingSink{}
	m := metrics.NewRegistry()
	n := normalize.New(normalize.Policy{Field: "ts"}, &normalize.Sequence{})
	p := New(Config{BatchSize: 10, Workers: 2}, src, n, staging.NewWriter(store, 0), sink, m, quiet())

	st, err := p.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if st.Fetched != 3 || st.Staged != 2 || st.Rejected != 1 || len(st.Objects) != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if len(src.committed) != 3 {
		t.Fatalf("acked %d messages", len(src.committed))
	}
	if len(sink.events) != 1 || sink.events[0].Kind != alert.KindRejected || sink.events[0].Rejected.Stage != "decode" {
		t.Fatalf("rejection alerts: %+v", sink.events)
	}
	if got := testutil.ToFloat64(m.Rejected.WithLabelValues("decode")); got != 1 {
		t.Fatalf("rejected metric = %v", got)
	}

	b, err := loader.New(store).Load(ctx, nil)
	if err != nil || len(b.Records) != 2 || b.Records[0].RecordKey != "a" || b.Records[1].RecordKey != "b" {
		t.Fatalf("staged batch: %+v %v", b, err)
	}
}

func TestStep_NoAckWhenStagingFails(t *testing.T) {
	base, _ := staging.NewFileStore(t.TempDir())
	src := &fakeSource{queue: []feed.Message{envelopeFor("a", "new", 1)}}
	n := normalize.New(normalize.Policy{Field: "ts"}, &normalize.Sequence{})
	p := New(Config{}, src, n, staging.NewWriter(failingStore{base}, 0), &recordingSink{}, nil, quiet())

	if _, err := p.Step(context.Background()); err == nil {
		t.Fatalf("expected staging error")
	}
	if len(src.committed) != 0 {
		t.Fatalf("feed acked before staging")
	}
}

func TestStep_FailedAutoFlushKeepsRestOfBatch(t *testing.T) {
	ctx := context.Background()
	base, _ := staging.NewFileStore(t.TempDir())
	store := &flakyStore{Store: base, down: true}
	src := &fakeSource{queue: []feed.Message{
		envelopeFor("a", "new", 1),
		envelopeFor("b", "new", 2),
		envelopeFor("c", "new", 3),
	}}
	n := normalize.New(normalize.Policy{Field: "ts"}, &normalize.Sequence{})
	w := staging.NewWriter(store, 1)
	p := New(Config{BatchSize: 3}, src, n, w, &recordingSink{}, nil, quiet())

	if _, err := p.Step(ctx); err == nil {
		t.Fatalf("expected staging error")
	}
	if len(src.committed) != 0 {
		t.Fatalf("feed acked before staging")
	}
	if w.Pending() != 3 {
		t.Fatalf("want whole batch buffered, got %d", w.Pending())
	}

	store.setDown(false)
	src.queue = append(src.queue, envelopeFor("d", "new", 4))
	if _, err := p.Step(ctx); err != nil {
		t.Fatalf("Step after recovery: %v", err)
	}
	b, err := loader.New(base).Load(ctx, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := map[string]bool{}
	for _, r := range b.Records {
		got[r.RecordKey] = true
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		if !got[k] {
			t.Fatalf("record %q never staged: %v", k, got)
		}
	}
}

func TestStep_IdleFeed(t *testing.T) {
	store, _ := staging.NewFileStore(t.TempDir())
	p := New(Config{}, &fakeSource{}, normalize.New(normalize.Policy{}, nil), staging.NewWriter(store, 0), nil, nil, quiet())
	st, err := p.Step(context.Background())
	if err != nil || st.Fetched != 0 {
		t.Fatalf("idle step: %+v %v", st, err)
	}
	names, _ := store.List(context.Background(), "")
	if len(names) != 0 {
		t.Fatalf("objects written for idle feed: %v", names)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store, _ := staging.NewFileStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(Config{}, &fakeSource{}, normalize.New(normalize.Policy{}, nil), staging.NewWriter(store, 0), nil, nil, quiet())
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
}
