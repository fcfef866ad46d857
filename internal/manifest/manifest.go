// Package manifest is the commit ledger: one manifest per committed merge
// cycle naming the staged objects it consumed.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"cdcsnap/internal/merge"
)

// ErrNoManifest is returned when nothing has been committed yet.
var ErrNoManifest = errors.New("no manifest")

// CycleManifest records one committed cycle. SnapshotID is the latest
// snapshot that includes this cycle's effects, if any.
type CycleManifest struct {
	CycleID     string       `json:"cycleId"`
	Objects     []string     `json:"objects"`
	Result      merge.Result `json:"result"`
	SnapshotID  string       `json:"snapshotId,omitempty"`
	CommittedAt time.Time    `json:"committedAt"`
}

type Publisher interface {
	Publish(ctx context.Context, m CycleManifest) error
}

type Reader interface {
	ReadLatest(ctx context.Context) (CycleManifest, error)
}

const (
	latestFile = "manifest.latest.json"
	cyclesFile = "cycles.jsonl"
)

// Ledger keeps manifest.latest.json plus an append-only cycles.jsonl history
// in a directory. The history is what the loader uses to skip objects that
// were already merged.
type Ledger struct {
	mu      sync.Mutex
	baseDir string
}

func NewLedger(baseDir string) *Ledger {
	return &Ledger{baseDir: baseDir}
}

func (l *Ledger) Publish(ctx context.Context, m CycleManifest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	line, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.baseDir, cyclesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append history: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync history: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp := filepath.Join(l.baseDir, latestFile+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write latest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(l.baseDir, latestFile)); err != nil {
		return fmt.Errorf("rename latest: %w", err)
	}
	return nil
}

func (l *Ledger) ReadLatest(ctx context.Context) (CycleManifest, error) {
	data, err := os.ReadFile(filepath.Join(l.baseDir, latestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return CycleManifest{}, ErrNoManifest
	}
	if err != nil {
		return CycleManifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m CycleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return CycleManifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// Cycles returns every committed cycle in commit order.
func (l *Ledger) Cycles() ([]CycleManifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(filepath.Join(l.baseDir, cyclesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var out []CycleManifest
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var m CycleManifest
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("unmarshal history line %d: %w", lineNum, err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

// Committed returns the set of staged object names consumed by committed
// cycles.
func (l *Ledger) Committed() (map[string]bool, error) {
	cycles, err := l.Cycles()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, c := range cycles {
		for _, o := range c.Objects {
			set[o] = true
		}
	}
	return set, nil
}

// KafkaPublisher publishes the latest manifest as a compacted Kafka record.
type KafkaPublisher struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaPublisher creates a Kafka manifest publisher.
// bootstrap can be comma-separated brokers. key is typically "cdcsnap-manifest-latest".
func NewKafkaPublisher(bootstrap string, topic string, key string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, key: []byte(key)}
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w kafkaMessageWriter, key string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, key: []byte(key)}
}

func (k *KafkaPublisher) Publish(ctx context.Context, m CycleManifest) error {
	b, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b}); err != nil {
		return fmt.Errorf("kafka publish manifest: %w", err)
	}
	return nil
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReader reads the latest manifest record from a compacted Kafka topic.
type KafkaReader struct {
	open    func() kafkaMessageReader
	key     []byte
	timeout time.Duration
}

func NewKafkaReader(bootstrap string, topic string, key string) *KafkaReader {
	brokers := SplitBrokers(bootstrap)
	return &KafkaReader{
		open: func() kafkaMessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		key:     []byte(key),
		timeout: 10 * time.Second,
	}
}

// NewKafkaReaderWith is only for tests to inject a fake reader.
func NewKafkaReaderWith(r kafkaMessageReader, key string, timeout time.Duration) *KafkaReader {
	return &KafkaReader{open: func() kafkaMessageReader { return r }, key: []byte(key), timeout: timeout}
}

// ReadLatest scans the topic from the beginning and keeps the last record for
// the key; the scan ends when no message arrives before the timeout.
func (k *KafkaReader) ReadLatest(ctx context.Context) (CycleManifest, error) {
	r := k.open()
	defer r.Close()

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	var (
		last  CycleManifest
		found bool
	)
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return CycleManifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if !bytes.Equal(m.Key, k.key) {
			continue
		}
		var man CycleManifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return CycleManifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last, found = man, true
	}
	if !found {
		return CycleManifest{}, ErrNoManifest
	}
	return last, nil
}

// SplitBrokers turns a comma-separated bootstrap list into addresses.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}
