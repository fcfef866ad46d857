package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeLister struct {
	cols map[string][]Column
	err  error
}

func (f fakeLister) Columns(ctx context.Context, schema, table string) ([]Column, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cols[schema+"."+table], nil
}

func TestTableCheck(t *testing.T) {
	lister := fakeLister{cols: map[string][]Column{
		"shop.orders": {{Name: "id", Type: "bigint", Primary: true}, {Name: "status", Type: "varchar(16)"}},
	}}
	ctx := context.Background()

	if err := (TableCheck{Lister: lister, Schema: "shop", Table: "orders", Keys: []string{"ID"}}).Discover(ctx); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	err := TableCheck{Lister: lister, Schema: "shop", Table: "gone"}.Discover(ctx)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("missing table: %v", err)
	}
	err = TableCheck{Lister: lister, Schema: "shop", Table: "orders", Keys: []string{"sku"}}.Discover(ctx)
	if err == nil || !strings.Contains(err.Error(), "sku") {
		t.Fatalf("missing key: %v", err)
	}
	boom := errors.New("connection refused")
	if err := (TableCheck{Lister: fakeLister{err: boom}, Schema: "shop", Table: "orders"}).Discover(ctx); !errors.Is(err, boom) {
		t.Fatalf("lister error not wrapped: %v", err)
	}
}

func TestFunc(t *testing.T) {
	called := false
	var d Discoverer = Func(func(ctx context.Context) error { called = true; return nil })
	if err := d.Discover(context.Background()); err != nil || !called {
		t.Fatalf("Func: called=%v err=%v", called, err)
	}
}

func TestPrimaryKey(t *testing.T) {
	got := PrimaryKey([]Column{{Name: "tenant", Primary: true}, {Name: "v"}, {Name: "id", Primary: true}})
	if len(got) != 2 || got[0] != "tenant" || got[1] != "id" {
		t.Fatalf("PrimaryKey: %v", got)
	}
}

func TestOpenMySQL_EmptyDSN(t *testing.T) {
	if _, err := OpenMySQL(context.Background(), MySQLConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}
