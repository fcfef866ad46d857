package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"cdcsnap/internal/catalog"
	"cdcsnap/internal/model"
)

// ErrStreamBroken means the source lost part of a transaction and must be
// reopened from the saved position before it can deliver anything again.
var ErrStreamBroken = errors.New("binlog stream broken")

// eventStreamer is the subset of *replication.BinlogStreamer used here.
type eventStreamer interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

type BinlogConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	ServerID     uint32        `yaml:"server_id"`
	Flavor       string        `yaml:"flavor"`
	PositionFile string        `yaml:"position_file"`
	StartPos     uint32        `yaml:"start_pos"`
	Schema       string        `yaml:"schema"`
	Table        string        `yaml:"table"`
	KeyColumns   []string      `yaml:"key_columns"`
	BatchWait    time.Duration `yaml:"batch_wait"`
}

// BinlogSource turns MySQL row events of one table into native change
// envelopes. Rows are released per transaction, and Commit persists the
// binlog position of the last released transaction.
type BinlogSource struct {
	syncer   *replication.BinlogSyncer
	streamer eventStreamer
	columns  catalog.ColumnLister
	cfg      BinlogConfig
	logger   logrus.FieldLogger

	file    string
	last    mysql.Position // boundary of the last completed transaction
	txn     []Message
	names   []string
	keys    []string
	pending []Message
	broken  error
}

func NewBinlogSource(cfg BinlogConfig, columns catalog.ColumnLister, logger logrus.FieldLogger) (*BinlogSource, error) {
	if cfg.Flavor == "" {
		cfg.Flavor = "mysql"
	}
	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: cfg.ServerID,
		Flavor:   cfg.Flavor,
		Host:     cfg.Host,
		Port:     uint16(cfg.Port),
		User:     cfg.User,
		Password: cfg.Password,
	})
	pos, err := LoadPosition(cfg.PositionFile)
	if err != nil {
		return nil, err
	}
	if pos.Name == "" {
		pos.Pos = cfg.StartPos
	}
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}
	logger.Infof("Started binlog sync from position: %s:%d", pos.Name, pos.Pos)

	s := NewBinlogSourceWith(streamer, columns, cfg, logger)
	s.syncer = syncer
	s.file = pos.Name
	s.last = pos
	return s, nil
}

// NewBinlogSourceWith is only for tests to inject a fake streamer.
func NewBinlogSourceWith(streamer eventStreamer, columns catalog.ColumnLister, cfg BinlogConfig, logger logrus.FieldLogger) *BinlogSource {
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = time.Second
	}
	return &BinlogSource{streamer: streamer, columns: columns, cfg: cfg, logger: logger, keys: cfg.KeyColumns}
}

// Fetch returns up to max messages of completed transactions. A transaction
// that does not fit is split, but only its final message carries its own
// position; the others carry the previous boundary so a partial commit never
// skips rows.
func (b *BinlogSource) Fetch(ctx context.Context, max int) ([]Message, error) {
	if b.broken != nil {
		return nil, b.broken
	}
	out := b.pending
	b.pending = nil
	deadline := time.Now().Add(b.cfg.BatchWait)
	for len(out) < max {
		d := remaining(ctx, deadline)
		if d <= 0 {
			break
		}
		ectx, cancel := context.WithTimeout(ctx, d)
		ev, err := b.streamer.GetEvent(ectx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("failed to get binlog event: %w", err)
		}
		if err := b.handle(ctx, ev, &out); err != nil {
			// The open transaction lost an event. Messages already in out
			// belong to complete transactions and are still safe to commit.
			b.txn = nil
			b.broken = fmt.Errorf("%w: %v", ErrStreamBroken, err)
			b.logger.WithError(err).Error("Dropping open transaction, source must be restarted")
			return out, b.broken
		}
	}
	if len(out) > max {
		b.pending = append(b.pending, out[max:]...)
		out = out[:max]
	}
	return out, nil
}

func (b *BinlogSource) handle(ctx context.Context, ev *replication.BinlogEvent, out *[]Message) error {
	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		b.file = string(e.NextLogName)
	case *replication.QueryEvent:
		// DDL may change the column list
		if string(e.Schema) == b.cfg.Schema && strings.Contains(strings.ToLower(string(e.Query)), strings.ToLower(b.cfg.Table)) {
			b.names = nil
		}
	case *replication.RowsEvent:
		if e.Table == nil || string(e.Table.Schema) != b.cfg.Schema || string(e.Table.Table) != b.cfg.Table {
			return nil
		}
		op, ok := rowsOperation(ev.Header.EventType)
		if !ok {
			b.logger.Debugf("Unhandled row event type: %d", ev.Header.EventType)
			return nil
		}
		names, err := b.columnNames(ctx, e.Table)
		if err != nil {
			return err
		}
		envs, err := RowsToEnvelopes(op, names, b.keys, e.Rows, ev.Header.Timestamp, fmt.Sprintf("%s:%d", b.file, ev.Header.LogPos))
		if err != nil {
			return err
		}
		for _, env := range envs {
			b.txn = append(b.txn, Message{Value: env})
		}
	case *replication.XIDEvent:
		pos := mysql.Position{Name: b.file, Pos: ev.Header.LogPos}
		for i, m := range b.txn {
			m.Position = b.last
			if i == len(b.txn)-1 {
				m.Position = pos
			}
			*out = append(*out, m)
		}
		b.txn = nil
		b.last = pos
	}
	return nil
}

func rowsOperation(t replication.EventType) (model.Operation, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return model.OpInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return model.OpUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return model.OpDelete, true
	}
	return 0, false
}

// columnNames prefers the names carried in the table map (binlog_row_metadata
// FULL) and falls back to the catalog.
func (b *BinlogSource) columnNames(ctx context.Context, tm *replication.TableMapEvent) ([]string, error) {
	if len(tm.ColumnName) > 0 {
		names := make([]string, len(tm.ColumnName))
		for i, c := range tm.ColumnName {
			names[i] = string(c)
		}
		if len(b.keys) == 0 && b.columns != nil {
			if err := b.loadCatalog(ctx); err != nil {
				return nil, err
			}
		}
		return names, nil
	}
	if b.names == nil {
		if b.columns == nil {
			return nil, fmt.Errorf("binlog has no column names for %s.%s and no catalog is configured", b.cfg.Schema, b.cfg.Table)
		}
		if err := b.loadCatalog(ctx); err != nil {
			return nil, err
		}
	}
	if len(b.names) < int(tm.ColumnCount) {
		b.logger.Warnf("Column count mismatch: expected %d columns, got %d names", tm.ColumnCount, len(b.names))
	}
	return b.names, nil
}

func (b *BinlogSource) loadCatalog(ctx context.Context) error {
	cols, err := b.columns.Columns(ctx, b.cfg.Schema, b.cfg.Table)
	if err != nil {
		return fmt.Errorf("failed to get column info: %w", err)
	}
	b.names = make([]string, len(cols))
	for i, c := range cols {
		b.names[i] = c.Name
	}
	if len(b.keys) == 0 {
		b.keys = catalog.PrimaryKey(cols)
	}
	return nil
}

// RowsToEnvelopes renders one rows event as native envelopes. Update events
// carry before and after images in alternating rows.
func RowsToEnvelopes(op model.Operation, names, keys []string, rows [][]any, ts uint32, seq string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no key columns known")
	}
	step := 1
	if op == model.OpUpdate {
		step = 2
	}
	var out [][]byte
	for i := 0; i+step-1 < len(rows); i += step {
		env := map[string]any{
			"operation":            op.String(),
			"sequenceNumber":       fmt.Sprintf("%s:%d", seq, i/step),
			"approximateEventTime": int64(ts) * 1000,
		}
		var keyImage map[string]any
		switch op {
		case model.OpInsert:
			img := rowImage(names, rows[i])
			env["newImage"], keyImage = img, img
		case model.OpUpdate:
			img := rowImage(names, rows[i+1])
			env["oldImage"] = rowImage(names, rows[i])
			env["newImage"], keyImage = img, img
		case model.OpDelete:
			img := rowImage(names, rows[i])
			env["oldImage"], keyImage = img, img
		}
		k := make(map[string]any, len(keys))
		for _, name := range keys {
			v, ok := keyImage[name]
			if !ok || v == nil {
				return nil, fmt.Errorf("row %d has no value for key column %q", i/step, name)
			}
			k[name] = v
		}
		env["keys"] = k
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func rowImage(names []string, row []any) map[string]any {
	img := make(map[string]any, len(row))
	for j := 0; j < len(row) && j < len(names); j++ {
		img[names[j]] = columnValue(row[j])
	}
	return img
}

// columnValue renders text columns delivered as bytes as strings; other
// binary data stays []byte and is base64 encoded by encoding/json.
func columnValue(v any) any {
	if b, ok := v.([]byte); ok && utf8.Valid(b) {
		return string(b)
	}
	return v
}

// Commit saves the position carried by the last message: the end of its
// transaction, or the previous boundary when the transaction is only partly
// committed. A zero position means nothing before it was ever committed.
func (b *BinlogSource) Commit(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 || b.cfg.PositionFile == "" {
		return nil
	}
	pos, ok := msgs[len(msgs)-1].Position.(mysql.Position)
	if !ok {
		return fmt.Errorf("binlog commit: message without position")
	}
	if pos.Name == "" {
		return nil
	}
	return SavePosition(b.cfg.PositionFile, pos)
}

func (b *BinlogSource) Close() error {
	if b.syncer != nil {
		b.syncer.Close()
	}
	return nil
}

// LoadPosition reads a "file:pos" position file; a missing file is the zero
// position.
func LoadPosition(path string) (mysql.Position, error) {
	if path == "" {
		return mysql.Position{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return mysql.Position{}, nil
	}
	if err != nil {
		return mysql.Position{}, fmt.Errorf("read position: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return mysql.Position{}, nil
	}
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return mysql.Position{Name: s}, nil
	}
	var pos uint32
	if _, err := fmt.Sscanf(s[i+1:], "%d", &pos); err != nil {
		return mysql.Position{}, fmt.Errorf("parse position %q: %w", s, err)
	}
	return mysql.Position{Name: s[:i], Pos: pos}, nil
}

// SavePosition writes the position atomically.
func SavePosition(path string, pos mysql.Position) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%s:%d", pos.Name, pos.Pos)), 0o644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
