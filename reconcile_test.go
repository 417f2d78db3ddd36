package gridsync

import (
	"context"
	"testing"
)

func testTable() *Table {
	return &Table{
		Headers:   []string{"id", "Name", "Amount"},
		Separator: ',',
		Rows: [][]string{
			{"r1", "alice", "10"},
			{"r2", "bob", "20"},
			{"r3", "carol", "30"},
		},
	}
}

func TestApplyCellChanges(t *testing.T) {
	t.Run("clean change applies without conflict", func(t *testing.T) {
		table := testTable()

		result := applyCellChanges(table, []CellChange{
			{RowKey: "r1", ColumnName: "Name", OldValue: "alice", NewValue: "alicia"},
		})

		if result.Applied != 1 || result.Conflicts != 0 || result.Skipped != 0 {
			t.Fatalf("unexpected result: %+v", result)
		}
		if table.Rows[0][1] != "alicia" {
			t.Fatalf("expected cell updated, got %s", table.Rows[0][1])
		}
	})

	t.Run("stale oldValue is applied anyway and counted as conflict", func(t *testing.T) {
		table := testTable()

		result := applyCellChanges(table, []CellChange{
			{RowKey: "r2", ColumnName: "Amount", OldValue: "19", NewValue: "25"},
		})

		if result.Applied != 1 {
			t.Fatalf("conflicting change must still apply, got %+v", result)
		}
		if result.Conflicts != 1 {
			t.Fatalf("expected 1 conflict, got %d", result.Conflicts)
		}
		if table.Rows[1][2] != "25" {
			t.Fatalf("last write must win, got %s", table.Rows[1][2])
		}
	})

	t.Run("unknown row is skipped", func(t *testing.T) {
		table := testTable()

		result := applyCellChanges(table, []CellChange{
			{RowKey: "r9", ColumnName: "Name", OldValue: "x", NewValue: "y"},
		})

		if result.Skipped != 1 || result.Applied != 0 {
			t.Fatalf("expected skip, got %+v", result)
		}
	})

	t.Run("unknown column is skipped", func(t *testing.T) {
		table := testTable()

		result := applyCellChanges(table, []CellChange{
			{RowKey: "r1", ColumnName: "salary", OldValue: "x", NewValue: "y"},
		})

		if result.Skipped != 1 || result.Applied != 0 {
			t.Fatalf("expected skip, got %+v", result)
		}
	})

	t.Run("column match is case-insensitive and quote-stripped", func(t *testing.T) {
		table := testTable()

		result := applyCellChanges(table, []CellChange{
			{RowKey: "r3", ColumnName: "\"name\"", OldValue: "carol", NewValue: "carole"},
		})

		if result.Applied != 1 || result.Conflicts != 0 {
			t.Fatalf("expected clean apply via fuzzy column match, got %+v", result)
		}
		if table.Rows[2][1] != "carole" {
			t.Fatalf("expected cell updated, got %s", table.Rows[2][1])
		}
	})

	t.Run("values compare exactly so quoting differences are conflicts", func(t *testing.T) {
		table := testTable()

		table.Rows[0][1] = "\"alice\""

		result := applyCellChanges(table, []CellChange{
			{RowKey: "r1", ColumnName: "Name", OldValue: "alice", NewValue: "al"},
		})

		if result.Conflicts != 1 || result.Applied != 1 {
			t.Fatalf("a raw mismatch must be flagged and still applied, got %+v", result)
		}
		if table.Rows[0][1] != "al" {
			t.Fatalf("conflicting change must still win, got %s", table.Rows[0][1])
		}
	})

	t.Run("mixed batch counts every bucket", func(t *testing.T) {
		table := testTable()

		result := applyCellChanges(table, []CellChange{
			{RowKey: "r1", ColumnName: "Name", OldValue: "alice", NewValue: "a2"},
			{RowKey: "r2", ColumnName: "Amount", OldValue: "stale", NewValue: "21"},
			{RowKey: "missing", ColumnName: "Name", OldValue: "x", NewValue: "y"},
		})

		if result.Total != 3 || result.Applied != 2 || result.Conflicts != 1 || result.Skipped != 1 {
			t.Fatalf("unexpected result: %+v", result)
		}
	})
}

func TestSaverSave(t *testing.T) {
	ctx := context.Background()

	newStorage := func(t *testing.T) *CSVStorage {
		t.Helper()

		storage, err := NewCSVStorage(t.TempDir())

		if err != nil {
			t.Fatalf("failed to create storage: %v", err)
		}
		return storage
	}

	t.Run("save rewrites the file and reports counts", func(t *testing.T) {
		storage := newStorage(t)

		if err := storage.WriteTable(ctx, "f1", testTable()); err != nil {
			t.Fatalf("seed write failed: %v", err)
		}
		saver := NewSaver(storage, nil, nil)

		result, err := saver.Save(ctx, "f1", []CellChange{
			{RowKey: "r1", ColumnName: "name", OldValue: "alice", NewValue: "alicia"},
		}, Identity{ID: "u1", Username: "alice"})

		if err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if result.Applied != 1 || result.Conflicts != 0 {
			t.Fatalf("unexpected result: %+v", result)
		}
		reread, err := storage.ReadTable(ctx, "f1")

		if err != nil {
			t.Fatalf("reread failed: %v", err)
		}
		if reread.Rows[0][1] != "alicia" {
			t.Fatalf("expected persisted value alicia, got %s", reread.Rows[0][1])
		}
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		saver := NewSaver(newStorage(t), nil, nil)

		result, err := saver.Save(ctx, "f1", nil, Identity{})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Total != 0 {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("missing file fails the whole batch", func(t *testing.T) {
		saver := NewSaver(newStorage(t), nil, nil)

		_, err := saver.Save(ctx, "missing", []CellChange{
			{RowKey: "r1", ColumnName: "name", OldValue: "a", NewValue: "b"},
		}, Identity{})

		if err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}
