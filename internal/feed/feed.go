// Package feed reads raw change notifications from the upstream change feed.
// Sources are at-least-once: a message is only acknowledged through Commit,
// which the ingest pipeline calls after the normalized records are staged.
package feed

import (
	"context"
	"time"
)

// Message is one raw notification. Position is opaque to callers and only
// meaningful to the Source that produced it.
type Message struct {
	Key      []byte
	Value    []byte
	Position any
}

type Source interface {
	// Fetch returns up to max messages, waiting at most the source's batch
	// wait for them. An empty result is not an error.
	Fetch(ctx context.Context, max int) ([]Message, error)
	// Commit acknowledges msgs and everything fetched before them.
	Commit(ctx context.Context, msgs []Message) error
	Close() error
}

// remaining returns the time left before deadline, bounded by ctx.
func remaining(ctx context.Context, deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if dl, ok := ctx.Deadline(); ok {
		if c := time.Until(dl); c < d {
			d = c
		}
	}
	return d
}
