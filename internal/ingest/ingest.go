// Package ingest moves change notifications from the feed into the staging
// area: fetch, decode and normalize, stage, then acknowledge the feed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"cdcsnap/internal/alert"
	"cdcsnap/internal/feed"
	"cdcsnap/internal/metrics"
	"cdcsnap/internal/normalize"
	"cdcsnap/internal/staging"
)

type Config struct {
	BatchSize int
	Workers   int
	// Backoff is the pause after a failed step.
	Backoff time.Duration
}

type Pipeline struct {
	cfg     Config
	src     feed.Source
	norm    *normalize.Normalizer
	writer  *staging.Writer
	alerts  alert.Sink
	metrics *metrics.Registry
	logger  logrus.FieldLogger
}

// Stats describes one step.
type Stats struct {
	Fetched  int
	Staged   int
	Rejected int
	Objects  []string
}

func New(cfg Config, src feed.Source, norm *normalize.Normalizer, writer *staging.Writer, alerts alert.Sink, m *metrics.Registry, logger logrus.FieldLogger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	if alerts == nil {
		alerts = alert.NewLogSink(logger)
	}
	return &Pipeline{cfg: cfg, src: src, norm: norm, writer: writer, alerts: alerts, metrics: m, logger: logger}
}

// Step handles one fetched batch. The feed is acknowledged only after every
// normalized record of the batch is durably staged; rejected events are
// alerted and acknowledged with the rest.
func (p *Pipeline) Step(ctx context.Context) (Stats, error) {
	var st Stats
	msgs, err := p.src.Fetch(ctx, p.cfg.BatchSize)
	if err != nil && len(msgs) == 0 {
		return st, fmt.Errorf("fetch: %w", err)
	}
	if len(msgs) == 0 {
		return st, nil
	}
	st.Fetched = len(msgs)
	p.metrics.Ingested.Add(float64(len(msgs)))

	raws := make([][]byte, len(msgs))
	for i, m := range msgs {
		raws[i] = m.Value
	}
	for _, res := range p.norm.ProcessBatch(raws, p.cfg.Workers) {
		if res.Rejected != nil {
			st.Rejected++
			p.metrics.Rejected.WithLabelValues(res.Rejected.Stage).Inc()
			e := alert.Event{Kind: alert.KindRejected, Reason: res.Rejected.Reason, Rejected: res.Rejected, At: res.Rejected.At}
			if aerr := p.alerts.Notify(ctx, e); aerr != nil {
				p.logger.WithError(aerr).Warn("rejection alert failed")
			}
			continue
		}
		// A failed auto-flush leaves the record buffered, so keep going and
		// let the final flush decide whether the batch is durable.
		name, err := p.writer.Append(ctx, *res.Record)
		if errors.Is(err, staging.ErrEncode) {
			return st, fmt.Errorf("stage: %w", err)
		}
		if err != nil {
			p.logger.WithError(err).Warn("staging flush failed, record kept buffered")
		}
		if name != "" {
			st.Objects = append(st.Objects, name)
		}
		st.Staged++
	}
	name, err := p.writer.Flush(ctx)
	if err != nil {
		return st, fmt.Errorf("stage: %d records buffered: %w", p.writer.Pending(), err)
	}
	if name != "" {
		st.Objects = append(st.Objects, name)
	}
	p.metrics.Staged.Add(float64(st.Staged))
	p.metrics.StagedObjects.Add(float64(len(st.Objects)))

	if err := p.src.Commit(ctx, msgs); err != nil {
		return st, fmt.Errorf("ack feed: %w", err)
	}
	p.logger.WithFields(logrus.Fields{
		"fetched":  st.Fetched,
		"staged":   st.Staged,
		"rejected": st.Rejected,
		"objects":  len(st.Objects),
	}).Debug("ingest step")
	return st, nil
}

// Run steps until ctx is done. Failed steps are logged and retried after the
// backoff; unacknowledged messages are redelivered by the feed. A broken
// stream ends Run so the process restarts from the saved position.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("ingest started")
	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info("ingest stopped")
			return err
		}
		if _, err := p.Step(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, feed.ErrStreamBroken) {
				return err
			}
			p.logger.WithError(err).Error("ingest step failed")
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.Backoff):
			}
		}
	}
}
