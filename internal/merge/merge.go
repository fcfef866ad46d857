// Package merge folds a batch of canonical records into the target table with
// last-writer-wins semantics per key.
//
// Per key, the winning record is the one with the largest precombine
// timestamp; ties go to the larger ingest sequence. The winner is applied only
// when it is strictly newer than the stored row, which makes re-applying a
// batch a no-op and keeps stale replays from regressing a row.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"cdcsnap/internal/model"
	"cdcsnap/internal/table"
)

// ErrMergeCommit is wrapped by every failure that prevents the batch from
// landing. The table is left exactly as it was before Merge was called.
var ErrMergeCommit = errors.New("merge commit failed")

// Options configure an Engine.
type Options struct {
	// TombstoneUnknownDeletes records a tombstone for a DELETE whose key was
	// never stored, so a late-arriving older INSERT is skipped as stale.
	TombstoneUnknownDeletes bool
	// Partitions is the number of key partitions grouped in parallel.
	Partitions int
}

// DefaultOptions: durable tombstones for unknown deletes, four partitions.
func DefaultOptions() Options {
	return Options{TombstoneUnknownDeletes: true, Partitions: 4}
}

// Result summarizes one Merge call.
type Result struct {
	Records    int `json:"records"`
	Keys       int `json:"keys"`
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Skipped    int `json:"skipped"`
	Superseded int `json:"superseded"`
}

// Mutations returns the number of rows written by the merge.
func (r Result) Mutations() int { return r.Inserted + r.Updated + r.Deleted }

// Engine is stateless apart from its options; one Engine may serve many cycles.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	return &Engine{opts: opts}
}

// Merge applies records to tb in a single atomic commit. ctx is only checked
// before the commit starts; once Apply is called the merge runs to completion.
func (e *Engine) Merge(ctx context.Context, tb table.Table, records []model.CanonicalRecord) (Result, error) {
	res := Result{Records: len(records)}
	winners := e.selectWinners(records)
	res.Keys = len(winners)
	res.Superseded = len(records) - len(winners)

	keys := make([]string, 0, len(winners))
	for k := range winners {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]model.TargetRow, 0, len(keys))
	for _, k := range keys {
		w := winners[k]
		cur, exists, err := tb.Get(k)
		if err != nil {
			return Result{}, fmt.Errorf("%w: read %q: %v", ErrMergeCommit, k, err)
		}
		row, outcome := e.resolve(w, cur, exists)
		switch outcome {
		case outcomeInsert:
			res.Inserted++
		case outcomeUpdate:
			res.Updated++
		case outcomeDelete:
			res.Deleted++
		case outcomeSkip:
			res.Skipped++
			continue
		}
		rows = append(rows, row)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMergeCommit, err)
	}
	if err := tb.Apply(rows); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMergeCommit, err)
	}
	return res, nil
}

type outcome int

const (
	outcomeSkip outcome = iota
	outcomeInsert
	outcomeUpdate
	outcomeDelete
)

// resolve compares the winning record with the stored row.
func (e *Engine) resolve(w model.CanonicalRecord, cur model.TargetRow, exists bool) (model.TargetRow, outcome) {
	if exists && w.PrecombineTS <= cur.PrecombineTS {
		return model.TargetRow{}, outcomeSkip
	}
	switch w.Op {
	case model.TagUpsert:
		row := model.TargetRow{Key: w.RecordKey, Payload: w.Payload, PrecombineTS: w.PrecombineTS}
		if !exists || cur.Tombstone {
			return row, outcomeInsert
		}
		return row, outcomeUpdate
	case model.TagDelete:
		if !exists && !e.opts.TombstoneUnknownDeletes {
			return model.TargetRow{}, outcomeSkip
		}
		return model.TargetRow{Key: w.RecordKey, PrecombineTS: w.PrecombineTS, Tombstone: true}, outcomeDelete
	}
	return model.TargetRow{}, outcomeSkip
}

// selectWinners groups records by key and keeps one winner per key. Keys are
// spread over partitions by hash so partitions never share a key; each
// non-empty partition is reduced on its own goroutine.
func (e *Engine) selectWinners(records []model.CanonicalRecord) map[string]model.CanonicalRecord {
	n := e.opts.Partitions
	if n == 1 || len(records) < 2*n {
		all := make([]int, len(records))
		for i := range all {
			all[i] = i
		}
		return reduce(records, all)
	}
	parts := partition(records, n)
	results := make([]map[string]model.CanonicalRecord, n)
	var wg sync.WaitGroup
	for p := range parts {
		if len(parts[p]) == 0 {
			continue
		}
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			results[p] = reduce(records, parts[p])
		}(p)
	}
	wg.Wait()

	out := make(map[string]model.CanonicalRecord, len(records))
	for _, m := range results {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// partition returns the record indexes of each of n key-hash partitions.
func partition(records []model.CanonicalRecord, n int) [][]int {
	parts := make([][]int, n)
	for i := range records {
		p := xxhash.Sum64String(records[i].RecordKey) % uint64(n)
		parts[p] = append(parts[p], i)
	}
	return parts
}

// reduce picks the winner per key over records[idx...].
func reduce(records []model.CanonicalRecord, idx []int) map[string]model.CanonicalRecord {
	out := make(map[string]model.CanonicalRecord, len(idx))
	for _, i := range idx {
		r := records[i]
		if cur, ok := out[r.RecordKey]; !ok || Wins(r, cur) {
			out[r.RecordKey] = r
		}
	}
	return out
}

// Wins reports whether a beats b for the same key: larger timestamp first,
// then larger ingest sequence. Identical ordering values (a duplicate
// delivery) fall back to DELETE over UPSERT and then to the larger payload
// encoding so the choice never depends on arrival order.
func Wins(a, b model.CanonicalRecord) bool {
	if a.PrecombineTS != b.PrecombineTS {
		return a.PrecombineTS > b.PrecombineTS
	}
	if a.IngestSequence != b.IngestSequence {
		return a.IngestSequence > b.IngestSequence
	}
	if a.Op != b.Op {
		return a.Op == model.TagDelete
	}
	ea, _ := a.Encode()
	eb, _ := b.Encode()
	return bytes.Compare(ea, eb) > 0
}
