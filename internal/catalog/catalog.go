// Package catalog confirms, before a merge cycle reads anything, that the
// source table the staged records describe is still known to the catalog.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Discoverer fails when the catalog is unreachable or the table is unknown.
type Discoverer interface {
	Discover(ctx context.Context) error
}

// Func adapts a function to Discoverer.
type Func func(ctx context.Context) error

func (f Func) Discover(ctx context.Context) error { return f(ctx) }

// Column is one catalog column in ordinal order.
type Column struct {
	Name    string
	Type    string
	Primary bool
}

// ColumnLister returns the columns of schema.table, none when it does not exist.
type ColumnLister interface {
	Columns(ctx context.Context, schema, table string) ([]Column, error)
}

// TableCheck is a Discoverer that requires schema.table to exist and to carry
// every key column.
type TableCheck struct {
	Lister ColumnLister
	Schema string
	Table  string
	Keys   []string
}

func (c TableCheck) Discover(ctx context.Context) error {
	cols, err := c.Lister.Columns(ctx, c.Schema, c.Table)
	if err != nil {
		return fmt.Errorf("catalog lookup %s.%s: %w", c.Schema, c.Table, err)
	}
	if len(cols) == 0 {
		return fmt.Errorf("table %s.%s not found in catalog", c.Schema, c.Table)
	}
	have := make(map[string]bool, len(cols))
	for _, col := range cols {
		have[strings.ToLower(col.Name)] = true
	}
	for _, k := range c.Keys {
		if !have[strings.ToLower(k)] {
			return fmt.Errorf("table %s.%s has no key column %q", c.Schema, c.Table, k)
		}
	}
	return nil
}

// MySQLConfig configures the INFORMATION_SCHEMA connection.
type MySQLConfig struct {
	DSN         string        `yaml:"dsn"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// MySQL reads column metadata from INFORMATION_SCHEMA.
type MySQL struct {
	db *sql.DB
}

func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*MySQL, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog dsn is empty")
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	return &MySQL{db: db}, nil
}

func (m *MySQL) Columns(ctx context.Context, schema, table string) ([]Column, error) {
	query := `
		SELECT COLUMN_NAME, COLUMN_TYPE, COLUMN_KEY
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
	rows, err := m.db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var name, typ, key string
		if err := rows.Scan(&name, &typ, &key); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, Column{Name: name, Type: typ, Primary: key == "PRI"})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return cols, nil
}

// Close closes the database connection.
func (m *MySQL) Close() error {
	return m.db.Close()
}

// PrimaryKey returns the names of the primary key columns in ordinal order.
func PrimaryKey(cols []Column) []string {
	var keys []string
	for _, c := range cols {
		if c.Primary {
			keys = append(keys, c.Name)
		}
	}
	return keys
}
