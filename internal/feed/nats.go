package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// pullSubscription is the subset of *nats.Subscription used by NATSSource.
type pullSubscription interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// acker acknowledges one JetStream message.
type acker interface {
	Ack(opts ...nats.AckOpt) error
}

type NATSConfig struct {
	Stream    string        `yaml:"stream"`
	Subject   string        `yaml:"subject"`
	Durable   string        `yaml:"durable"`
	BatchWait time.Duration `yaml:"batch_wait"`
}

// NATSSource pulls from a JetStream durable consumer and acks each message
// on Commit.
type NATSSource struct {
	sub  pullSubscription
	wait time.Duration
}

func NewNATSSource(conn *nats.Conn, cfg NATSConfig) (*NATSSource, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	opts := []nats.SubOpt{nats.ManualAck()}
	if cfg.Stream != "" {
		opts = append(opts, nats.BindStream(cfg.Stream))
	}
	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable, opts...)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", cfg.Subject, err)
	}
	return NewNATSSourceWith(sub, cfg.BatchWait), nil
}

// NewNATSSourceWith is only for tests to inject a fake subscription.
func NewNATSSourceWith(sub pullSubscription, wait time.Duration) *NATSSource {
	if wait <= 0 {
		wait = time.Second
	}
	return &NATSSource{sub: sub, wait: wait}
}

func (s *NATSSource) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	fctx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()
	msgs, err := s.sub.Fetch(max, nats.Context(fctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("nats fetch: %w", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Key: []byte(m.Subject), Value: m.Data, Position: acker(m)})
	}
	return out, nil
}

func (s *NATSSource) Commit(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		a, ok := m.Position.(acker)
		if !ok {
			return fmt.Errorf("nats commit: message without ack handle")
		}
		if err := a.Ack(nats.Context(ctx)); err != nil {
			return fmt.Errorf("nats ack: %w", err)
		}
	}
	return nil
}

func (s *NATSSource) Close() error { return s.sub.Unsubscribe() }
