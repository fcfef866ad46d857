// Package staging is the durable hand-off between ingest and merge: the
// Writer appends canonical records as immutable JSONL objects and the loader
// reads them back at cycle start.
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cdcsnap/internal/model"
)

const (
	// PendingPrefix holds objects not yet committed by a merge cycle.
	PendingPrefix = "pending/"
	// ArchivePrefix receives committed objects under the archive retention.
	ArchivePrefix = "archive/"
)

// ErrEncode is returned by Append when a record cannot be serialized; nothing
// is buffered in that case.
var ErrEncode = errors.New("encode record")

// Writer batches records and writes each batch as one pending object. It is
// the only writer of the staging area.
type Writer struct {
	mu        sync.Mutex
	store     Store
	buf       bytes.Buffer
	pending   int
	maxRecord int
	now       func() time.Time
	newID     func() string
}

// NewWriter flushes automatically once maxRecords are buffered (0 disables).
func NewWriter(store Store, maxRecords int) *Writer {
	return &Writer{
		store:     store,
		maxRecord: maxRecords,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Append buffers rec. The returned name is non-empty when the append
// triggered a flush. A failed flush still leaves rec buffered.
func (w *Writer) Append(ctx context.Context, rec model.CanonicalRecord) (string, error) {
	line, err := rec.Encode()
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrEncode, rec.RecordKey, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(line)
	w.pending++
	if w.maxRecord > 0 && w.pending >= w.maxRecord {
		return w.flushLocked(ctx)
	}
	return "", nil
}

// Pending returns the number of buffered records.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Flush writes buffered records as one object and returns its name; an empty
// buffer writes nothing. On error the buffer is kept for the next attempt.
func (w *Writer) Flush(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *Writer) flushLocked(ctx context.Context) (string, error) {
	if w.pending == 0 {
		return "", nil
	}
	name := ObjectName(w.now(), w.newID())
	if err := w.store.Put(ctx, name, w.buf.Bytes()); err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	w.buf.Reset()
	w.pending = 0
	return name, nil
}

// ObjectName builds a pending object name that sorts by creation time.
func ObjectName(t time.Time, id string) string {
	return fmt.Sprintf("%s%020d-%s.jsonl", PendingPrefix, t.UnixNano(), id)
}

// Retention decides what happens to staged objects after a successful commit.
type Retention string

const (
	RetainKeep    Retention = "keep"
	RetainDelete  Retention = "delete"
	RetainArchive Retention = "archive"
)

func ParseRetention(s string) (Retention, error) {
	switch r := Retention(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RetainArchive, nil
	case RetainKeep, RetainDelete, RetainArchive:
		return r, nil
	}
	return "", fmt.Errorf("unknown retention %q", s)
}

// Release applies the retention policy to committed objects. It must only be
// called after the cycle that read them has committed.
func Release(ctx context.Context, store Store, r Retention, names []string) error {
	if r == RetainKeep {
		return nil
	}
	for _, name := range names {
		if r == RetainArchive {
			data, err := store.Get(ctx, name)
			if err != nil {
				return err
			}
			if err := store.Put(ctx, ArchivePrefix+strings.TrimPrefix(name, PendingPrefix), data); err != nil {
				return err
			}
		}
		if err := store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
