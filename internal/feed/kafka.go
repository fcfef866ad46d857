package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// kafkaConsumer is the subset of *ck.Consumer used by KafkaSource.
type kafkaConsumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitOffsets(offsets []ck.TopicPartition) ([]ck.TopicPartition, error)
	Close() error
}

type KafkaConfig struct {
	Bootstrap string        `yaml:"bootstrap"`
	GroupID   string        `yaml:"group_id"`
	Topic     string        `yaml:"topic"`
	BatchWait time.Duration `yaml:"batch_wait"`
}

// KafkaSource consumes a topic with a consumer group and manual offset commits.
type KafkaSource struct {
	c    kafkaConsumer
	wait time.Duration
}

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  cfg.Bootstrap,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return NewKafkaSourceWith(c, cfg.BatchWait), nil
}

// NewKafkaSourceWith is only for tests to inject a fake consumer.
func NewKafkaSourceWith(c kafkaConsumer, wait time.Duration) *KafkaSource {
	if wait <= 0 {
		wait = time.Second
	}
	return &KafkaSource{c: c, wait: wait}
}

func isTimeout(err error) bool {
	var kerr ck.Error
	return errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut
}

func (k *KafkaSource) Fetch(ctx context.Context, max int) ([]Message, error) {
	deadline := time.Now().Add(k.wait)
	var out []Message
	for len(out) < max {
		d := remaining(ctx, deadline)
		if d <= 0 || ctx.Err() != nil {
			break
		}
		m, err := k.c.ReadMessage(d)
		if err != nil {
			if isTimeout(err) {
				break
			}
			if len(out) > 0 {
				return out, nil
			}
			return nil, fmt.Errorf("kafka read: %w", err)
		}
		out = append(out, Message{Key: m.Key, Value: m.Value, Position: m.TopicPartition})
	}
	return out, nil
}

// Commit stores, per partition, the offset after the highest message.
func (k *KafkaSource) Commit(ctx context.Context, msgs []Message) error {
	type part struct {
		topic string
		p     int32
	}
	next := make(map[part]ck.TopicPartition)
	var order []part
	for _, m := range msgs {
		tp, ok := m.Position.(ck.TopicPartition)
		if !ok || tp.Topic == nil {
			return fmt.Errorf("kafka commit: message without topic partition")
		}
		key := part{*tp.Topic, tp.Partition}
		cur, seen := next[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || tp.Offset+1 > cur.Offset {
			next[key] = ck.TopicPartition{Topic: tp.Topic, Partition: tp.Partition, Offset: tp.Offset + 1}
		}
	}
	if len(order) == 0 {
		return nil
	}
	offsets := make([]ck.TopicPartition, 0, len(order))
	for _, key := range order {
		offsets = append(offsets, next[key])
	}
	if _, err := k.c.CommitOffsets(offsets); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

func (k *KafkaSource) Close() error { return k.c.Close() }
