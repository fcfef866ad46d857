package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type fakeSub struct {
	batches [][]*nats.Msg
}

func (f *fakeSub) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	if len(f.batches) == 0 {
		return nil, context.DeadlineExceeded
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	if len(b) > batch {
		b = b[:batch]
	}
	return b, nil
}

func (f *fakeSub) Unsubscribe() error { return nil }

type fakeAck struct {
	acked int
	fail  bool
}

func (f *fakeAck) Ack(opts ...nats.AckOpt) error {
	if f.fail {
		return errors.New("nats: timeout")
	}
	f.acked++
	return nil
}

func TestNATSSource_Fetch(t *testing.T) {
	sub := &fakeSub{batches: [][]*nats.Msg{{
		{Subject: "cdc.orders", Data: []byte(`{"a":1}`)},
		{Subject: "cdc.orders", Data: []byte(`{"a":2}`)},
	}}}
	src := NewNATSSourceWith(sub, 10*time.Millisecond)
	got, err := src.Fetch(context.Background(), 5)
	if err != nil || len(got) != 2 || string(got[1].Value) != `{"a":2}` {
		t.Fatalf("Fetch: %+v %v", got, err)
	}
	if _, ok := got[0].Position.(acker); !ok {
		t.Fatalf("message has no ack handle")
	}
	got, err = src.Fetch(context.Background(), 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("idle Fetch: %+v %v", got, err)
	}
}

func TestNATSSource_CommitAcksEveryMessage(t *testing.T) {
	a, b := &fakeAck{}, &fakeAck{}
	src := NewNATSSourceWith(&fakeSub{}, time.Millisecond)
	if err := src.Commit(context.Background(), []Message{{Position: a}, {Position: b}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if a.acked != 1 || b.acked != 1 {
		t.Fatalf("acks: %d %d", a.acked, b.acked)
	}
	if err := src.Commit(context.Background(), []Message{{Position: &fakeAck{fail: true}}}); err == nil {
		t.Fatalf("expected ack error")
	}
}
