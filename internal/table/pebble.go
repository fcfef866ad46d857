package table

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"

	"cdcsnap/internal/model"
)

// PebbleTable implements Table using PebbleDB. Apply goes through a single
// batch so a cycle's mutations become visible together.
type PebbleTable struct {
	db *pebble.DB
}

func NewPebbleTable(dir string) (*PebbleTable, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
		WALBytesPerSync:          1 << 20,
		DisableWAL:               false,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleTable{db: d}, nil
}

func (p *PebbleTable) Close() error { return p.db.Close() }

func (p *PebbleTable) Get(key string) (model.TargetRow, bool, error) {
	v, closer, err := p.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return model.TargetRow{}, false, nil
	}
	if err != nil {
		return model.TargetRow{}, false, fmt.Errorf("pebble get %q: %w", key, err)
	}
	defer closer.Close()
	row, err := decodeRow(v)
	if err != nil {
		return model.TargetRow{}, false, fmt.Errorf("decode row %q: %w", key, err)
	}
	return row, true, nil
}

func (p *PebbleTable) Apply(rows []model.TargetRow) error {
	if len(rows) == 0 {
		return nil
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	for _, r := range rows {
		if r.Key == "" {
			return fmt.Errorf("apply: row without key")
		}
		b, err := encodeRow(r)
		if err != nil {
			return fmt.Errorf("encode row %q: %w", r.Key, err)
		}
		if err := wb.Set([]byte(r.Key), b, nil); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	// Sync: the commit is the point after which staged objects may be released.
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

func (p *PebbleTable) Range(fn func(row model.TargetRow) error) error {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		v := append([]byte(nil), it.Value()...)
		row, err := decodeRow(v)
		if err != nil {
			return fmt.Errorf("decode row %q: %w", it.Key(), err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return it.Error()
}

// LoadAll replaces all keys in one batch.
func (p *PebbleTable) LoadAll(rows []model.TargetRow) error {
	var toDelete [][]byte
	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	for it.First(); it.Valid(); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Key()...))
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}

	wb := p.db.NewBatch()
	defer wb.Close()
	for _, k := range toDelete {
		if err := wb.Delete(k, nil); err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
	}
	for _, r := range rows {
		b, err := encodeRow(r)
		if err != nil {
			return fmt.Errorf("encode row %q: %w", r.Key, err)
		}
		if err := wb.Set([]byte(r.Key), b, nil); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	return wb.Commit(pebble.Sync)
}
