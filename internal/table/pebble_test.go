package table

import (
	"testing"

	"cdcsnap/internal/model"
)

func TestPebbleTable(t *testing.T) {
	tb, err := NewPebbleTable(t.TempDir())
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = tb.Close() })
	exerciseTable(t, tb)
}

func TestPebbleTable_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	tb, err := NewPebbleTable(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	if err := tb.Apply([]model.TargetRow{{Key: "k", PrecombineTS: 42, Payload: map[string]any{"v": "x"}}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := tb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tb, err = NewPebbleTable(dir)
	if err != nil {
		t.Fatalf("pebble reopen: %v", err)
	}
	t.Cleanup(func() { _ = tb.Close() })
	row, ok, err := tb.Get("k")
	if err != nil || !ok || row.PrecombineTS != 42 || row.Payload["v"] != "x" {
		t.Fatalf("after reopen: %+v ok=%v err=%v", row, ok, err)
	}
}
