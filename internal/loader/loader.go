// Package loader reads the uncommitted staged objects that make up one merge
// batch.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"

	"cdcsnap/internal/model"
	"cdcsnap/internal/staging"
)

// ErrPartialBatchRead is wrapped when any staged object of the batch cannot be
// read or decoded. The whole batch is then discarded.
var ErrPartialBatchRead = errors.New("partial batch read")

const maxLine = 16 << 20

// Batch is the set of staged objects read for one cycle and their records in
// object order.
type Batch struct {
	Objects []string
	Records []model.CanonicalRecord
}

type Loader struct {
	store  staging.Store
	prefix string
}

func New(store staging.Store) *Loader {
	return &Loader{store: store, prefix: staging.PendingPrefix}
}

// NewWithPrefix reads objects under a different prefix, e.g. the archive
// during recovery.
func NewWithPrefix(store staging.Store, prefix string) *Loader {
	return &Loader{store: store, prefix: prefix}
}

// Load reads every object under the loader prefix except those in committed.
// It returns either all records of all objects or an error.
func (l *Loader) Load(ctx context.Context, committed map[string]bool) (Batch, error) {
	names, err := l.store.List(ctx, l.prefix)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: list %s: %v", ErrPartialBatchRead, l.prefix, err)
	}
	var b Batch
	for _, name := range names {
		if committed[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Batch{}, fmt.Errorf("%w: %v", ErrPartialBatchRead, err)
		}
		data, err := l.store.Get(ctx, name)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: %v", ErrPartialBatchRead, err)
		}
		recs, err := Decode(data)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: %s: %v", ErrPartialBatchRead, name, err)
		}
		b.Objects = append(b.Objects, name)
		b.Records = append(b.Records, recs...)
	}
	return b, nil
}

// Decode parses one JSONL staged object. Blank lines are ignored.
func Decode(data []byte) ([]model.CanonicalRecord, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	var out []model.CanonicalRecord
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		r, err := model.DecodeRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return out, nil
}
