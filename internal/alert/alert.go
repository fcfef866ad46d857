// Package alert delivers operator notifications for failed merge cycles and
// rejected change events.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"cdcsnap/internal/merge"
	"cdcsnap/internal/model"
)

type Kind string

const (
	KindCycleFailed Kind = "cycle_failed"
	KindRejected    Kind = "record_rejected"
	// KindPostCommit reports a failure after the table commit (ledger,
	// snapshot or retention). The merged data is safe.
	KindPostCommit Kind = "post_commit_failed"
)

type Event struct {
	Kind     Kind                  `json:"kind"`
	CycleID  string                `json:"cycleId,omitempty"`
	State    string                `json:"state,omitempty"`
	Reason   string                `json:"reason"`
	Result   *merge.Result         `json:"result,omitempty"`
	Rejected *model.RejectedRecord `json:"rejected,omitempty"`
	At       time.Time             `json:"at"`
}

// Key groups related events on keyed transports.
func (e Event) Key() string {
	if e.CycleID != "" {
		return e.CycleID
	}
	return string(e.Kind)
}

type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// LogSink writes events to a logrus logger: rejections at warn level,
// everything else at error level.
type LogSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, e Event) error {
	entry := s.logger.WithField("alert", string(e.Kind))
	if e.CycleID != "" {
		entry = entry.WithField("cycle", e.CycleID)
	}
	if e.State != "" {
		entry = entry.WithField("state", e.State)
	}
	if e.Rejected != nil {
		entry = entry.WithField("stage", e.Rejected.Stage)
	}
	if e.Kind == KindRejected {
		entry.Warn(e.Reason)
	} else {
		entry.Error(e.Reason)
	}
	return nil
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes events as JSON to a Kafka topic keyed by cycle.
type KafkaSink struct {
	writer kafkaMessageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

// NewKafkaSinkWith is only for tests to inject a fake writer.
func NewKafkaSinkWith(w kafkaMessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Notify(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Key()), Value: b, Time: e.At}); err != nil {
		return fmt.Errorf("kafka alert: %w", err)
	}
	return nil
}

// natsPublisher is the subset of *nats.Conn used by NATSSink.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on <subject>.<kind>.
type NATSSink struct {
	conn    natsPublisher
	subject string
}

func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

// NewNATSSinkWith is only for tests to inject a fake connection.
func NewNATSSinkWith(conn natsPublisher, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Notify(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.conn.Publish(s.subject+"."+string(e.Kind), b); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// MultiSink notifies every sink; a failing sink does not stop the others.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
