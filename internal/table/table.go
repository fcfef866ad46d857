package table

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cdcsnap/internal/model"
)

// Table is the converged keyed store. The merge engine is its only writer.
type Table interface {
	// Get returns the stored row for key. ok is false when the key was never written.
	Get(key string) (row model.TargetRow, ok bool, err error)
	// Apply writes all rows in one atomic commit: either every row lands or none does.
	Apply(rows []model.TargetRow) error
	// Range visits rows in key order.
	Range(fn func(row model.TargetRow) error) error
	// LoadAll replaces the whole table content (used by restore).
	LoadAll(rows []model.TargetRow) error
	Close() error
}

// InMemoryTable is a simple thread-safe map table.
type InMemoryTable struct {
	mu   sync.RWMutex
	data map[string]model.TargetRow
}

func NewInMemoryTable() *InMemoryTable {
	return &InMemoryTable{data: make(map[string]model.TargetRow)}
}

func (t *InMemoryTable) Get(key string) (model.TargetRow, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.data[key]
	return row, ok, nil
}

func (t *InMemoryTable) Apply(rows []model.TargetRow) error {
	for _, r := range rows {
		if r.Key == "" {
			return fmt.Errorf("apply: row without key")
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		t.data[r.Key] = r
	}
	return nil
}

func (t *InMemoryTable) Range(fn func(row model.TargetRow) error) error {
	t.mu.RLock()
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	rows := make(map[string]model.TargetRow, len(t.data))
	for k, v := range t.data {
		rows[k] = v
	}
	t.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(rows[k]); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

// LoadAll replaces the table contents with the provided rows.
func (t *InMemoryTable) LoadAll(rows []model.TargetRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = make(map[string]model.TargetRow, len(rows))
	for _, r := range rows {
		t.data[r.Key] = r
	}
	return nil
}

func (t *InMemoryTable) Close() error { return nil }

// Len returns the number of stored rows, tombstones included.
func (t *InMemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

func encodeRow(r model.TargetRow) ([]byte, error) { return json.Marshal(r) }

func decodeRow(val []byte) (model.TargetRow, error) {
	var r model.TargetRow
	dec := json.NewDecoder(bytes.NewReader(val))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return model.TargetRow{}, err
	}
	return r, nil
}
