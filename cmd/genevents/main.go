package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/nats-io/nats.go"

	"cdcsnap/internal/logging"
	"cdcsnap/internal/natsx"
)

type Flags struct {
	Count  int
	Keys   int
	Late   float64
	Dup    float64
	Seed   int64
	Sink   string // file|kafka|nats
	Output string
	// kafka
	Bootstrap string
	Topic     string
	// nats
	NATSURL string
	Subject string
}

func main() {
	f := readFlags()
	if err := run(f); err != nil {
		log.Fatalf("genevents failed: %v", err)
	}
}

func readFlags() Flags {
	var f Flags
	flag.IntVar(&f.Count, "count", 100, "number of change events to generate")
	flag.IntVar(&f.Keys, "keys", 20, "number of distinct record keys")
	flag.Float64Var(&f.Late, "late", 0.1, "fraction of events with an earlier event time")
	flag.Float64Var(&f.Dup, "dup", 0.05, "fraction of events emitted twice")
	flag.Int64Var(&f.Seed, "seed", time.Now().UnixNano(), "random seed")
	flag.StringVar(&f.Sink, "sink", "file", "where events go: file|kafka|nats")
	flag.StringVar(&f.Output, "output", "cdc.changes.jsonl", "output file for the file sink")
	flag.StringVar(&f.Bootstrap, "kafka-bootstrap", "localhost:9092", "kafka bootstrap servers")
	flag.StringVar(&f.Topic, "topic", "cdc.changes", "kafka topic")
	flag.StringVar(&f.NATSURL, "nats-url", "nats://localhost:4222", "NATS server URL")
	flag.StringVar(&f.Subject, "subject", "cdc.changes", "JetStream subject")
	flag.Parse()
	return f
}

func run(f Flags) error {
	events, err := generate(genOptions{
		Count: f.Count,
		Keys:  f.Keys,
		Late:  f.Late,
		Dup:   f.Dup,
		Base:  time.Now().UTC(),
		Seed:  f.Seed,
	})
	if err != nil {
		return err
	}
	switch f.Sink {
	case "file":
		err = writeFile(f.Output, events)
	case "kafka":
		err = produceKafka(f.Bootstrap, f.Topic, events)
	case "nats":
		err = publishNATS(f.NATSURL, f.Subject, events)
	default:
		err = fmt.Errorf("unknown sink %q", f.Sink)
	}
	if err != nil {
		return err
	}
	log.Printf("generated %d change events to %s", len(events), f.Sink)
	return nil
}

func writeFile(path string, events [][]byte) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	for _, e := range events {
		w.Write(e)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func produceKafka(bootstrap, topic string, events [][]byte) error {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	defer p.Close()

	for i, e := range events {
		if err := p.Produce(&ck.Message{TopicPartition: ck.TopicPartition{Topic: &topic, Partition: ck.PartitionAny}, Value: e}, nil); err != nil {
			return fmt.Errorf("produce event %d: %w", i+1, err)
		}
	}
	if left := p.Flush(10000); left > 0 {
		return fmt.Errorf("%d events not delivered", left)
	}
	return nil
}

func publishNATS(url, subject string, events [][]byte) error {
	logger, err := logging.New("warn", "text")
	if err != nil {
		return err
	}
	conn, err := natsx.Connect(natsx.Config{URL: url}, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	js, err := conn.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i, e := range events {
		if _, err := js.Publish(subject, e, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish event %d: %w", i+1, err)
		}
	}
	return nil
}
