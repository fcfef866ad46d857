package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type fakeConsumer struct {
	msgs      []*ck.Message
	err       error
	committed []ck.TopicPartition
}

func (f *fakeConsumer) ReadMessage(timeout time.Duration) (*ck.Message, error) {
	if len(f.msgs) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, ck.NewError(ck.ErrTimedOut, "timed out", false)
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeConsumer) CommitOffsets(offsets []ck.TopicPartition) ([]ck.TopicPartition, error) {
	f.committed = append(f.committed, offsets...)
	return offsets, nil
}

func (f *fakeConsumer) Close() error { return nil }

func kmsg(topic string, p int32, off int64, v string) *ck.Message {
	return &ck.Message{TopicPartition: ck.TopicPartition{Topic: &topic, Partition: p, Offset: ck.Offset(off)}, Value: []byte(v)}
}

func TestKafkaSource_FetchStopsAtMaxOrTimeout(t *testing.T) {
	fc := &fakeConsumer{msgs: []*ck.Message{kmsg("cdc", 0, 5, "a"), kmsg("cdc", 1, 9, "b"), kmsg("cdc", 0, 6, "c")}}
	src := NewKafkaSourceWith(fc, time.Second)

	got, err := src.Fetch(context.Background(), 2)
	if err != nil || len(got) != 2 || string(got[1].Value) != "b" {
		t.Fatalf("first fetch: %+v %v", got, err)
	}
	got, err = src.Fetch(context.Background(), 10)
	if err != nil || len(got) != 1 || string(got[0].Value) != "c" {
		t.Fatalf("second fetch: %+v %v", got, err)
	}
	got, err = src.Fetch(context.Background(), 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("idle fetch: %+v %v", got, err)
	}
}

func TestKafkaSource_CommitsNextOffsetPerPartition(t *testing.T) {
	fc := &fakeConsumer{msgs: []*ck.Message{kmsg("cdc", 0, 5, "a"), kmsg("cdc", 1, 9, "b"), kmsg("cdc", 0, 7, "c")}}
	src := NewKafkaSourceWith(fc, time.Second)
	msgs, _ := src.Fetch(context.Background(), 10)
	if err := src.Commit(context.Background(), msgs); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(fc.committed) != 2 {
		t.Fatalf("committed: %+v", fc.committed)
	}
	want := map[int32]ck.Offset{0: 8, 1: 10}
	for _, tp := range fc.committed {
		if tp.Offset != want[tp.Partition] {
			t.Fatalf("partition %d committed %d, want %d", tp.Partition, tp.Offset, want[tp.Partition])
		}
	}
}

func TestKafkaSource_ReadError(t *testing.T) {
	fc := &fakeConsumer{err: errors.New("broker down")}
	if _, err := NewKafkaSourceWith(fc, time.Second).Fetch(context.Background(), 1); err == nil {
		t.Fatalf("expected error")
	}
	if err := NewKafkaSourceWith(fc, time.Second).Commit(context.Background(), []Message{{Value: []byte("x")}}); err == nil {
		t.Fatalf("expected commit error for message without partition")
	}
}
