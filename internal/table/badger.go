package table

import (
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"cdcsnap/internal/model"
)

// BadgerTable implements Table using BadgerDB. Apply runs in one read-write
// transaction; a batch larger than badger's transaction limit fails as a
// whole with badger.ErrTxnTooBig and nothing is written.
type BadgerTable struct {
	db *badger.DB
}

func NewBadgerTable(dir string) (*BadgerTable, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerTable{db: db}, nil
}

func (b *BadgerTable) Close() error { return b.db.Close() }

func (b *BadgerTable) Get(key string) (model.TargetRow, bool, error) {
	var (
		row   model.TargetRow
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		row, err = decodeRow(v)
		if err != nil {
			return fmt.Errorf("decode row %q: %w", key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return model.TargetRow{}, false, fmt.Errorf("badger get %q: %w", key, err)
	}
	return row, found, nil
}

func (b *BadgerTable) Apply(rows []model.TargetRow) error {
	if len(rows) == 0 {
		return nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, r := range rows {
			if r.Key == "" {
				return fmt.Errorf("row without key")
			}
			v, err := encodeRow(r)
			if err != nil {
				return fmt.Errorf("encode row %q: %w", r.Key, err)
			}
			if err := txn.Set([]byte(r.Key), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger apply: %w", err)
	}
	return nil
}

func (b *BadgerTable) Range(fn func(row model.TargetRow) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			row, err := decodeRow(v)
			if err != nil {
				return fmt.Errorf("decode row %q: %w", item.Key(), err)
			}
			if err := fn(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll replaces all keys in a single transaction.
func (b *BadgerTable) LoadAll(rows []model.TargetRow) error {
	return b.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keysToDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keysToDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, r := range rows {
			v, err := encodeRow(r)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(r.Key), v); err != nil {
				return err
			}
		}
		return nil
	})
}
