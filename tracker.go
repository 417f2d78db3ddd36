// This file contains the ChangeTracker, the client-side accumulator of
// uncommitted cell edits. Edits coalesce per cell: the first observed value
// is kept as the conflict baseline and the latest value wins, so a batch
// never carries two entries for the same cell.
package gridsync

import "sync"

// ChangeTracker accumulates pending cell edits between saves. All methods
// are safe for concurrent use. At most one flushed batch may be in flight
// at a time; BeginSave and EndSave guard that window.
type ChangeTracker struct {
	pending  map[string]*CellChange
	order    []string
	inFlight bool
	mutex    sync.Mutex
}

// NewChangeTracker returns an empty tracker.
func NewChangeTracker() *ChangeTracker {
	return &ChangeTracker{
		pending: make(map[string]*CellChange),
	}
}

func changeKey(rowKey, columnName string) string {
	return rowKey + "-" + columnName
}

// RecordEdit registers one cell edit. An edit whose old and new values are
// equal is ignored. For repeated edits of the same cell the original
// oldValue is preserved and the newValue replaced; an edit that returns a
// cell to its original value drops the entry entirely.
func (t *ChangeTracker) RecordEdit(rowKey, columnName, oldValue, newValue string) {
	if oldValue == newValue {
		return
	}
	t.mutex.Lock()

	defer t.mutex.Unlock()

	key := changeKey(rowKey, columnName)

	if existing, ok := t.pending[key]; ok {
		if existing.OldValue == newValue {
			delete(t.pending, key)

			t.dropKey(key)

			return
		}
		existing.NewValue = newValue
		return
	}
	t.pending[key] = &CellChange{
		RowKey:     rowKey,
		ColumnName: columnName,
		OldValue:   oldValue,
		NewValue:   newValue,
	}
	t.order = append(t.order, key)
}

func (t *ChangeTracker) dropKey(key string) {
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)

			return
		}
	}
}

// Pending returns the number of uncommitted edits.
func (t *ChangeTracker) Pending() int {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	return len(t.pending)
}

// HasPending reports whether any edits are waiting to be saved.
func (t *ChangeTracker) HasPending() bool {
	return t.Pending() > 0
}

// Flush returns a snapshot of the pending edits in the order the cells
// were first touched. The tracker is NOT cleared; a failed save must leave
// the edits in place so they can be retried.
func (t *ChangeTracker) Flush() []CellChange {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	out := make([]CellChange, 0, len(t.pending))

	for _, key := range t.order {
		if change, ok := t.pending[key]; ok {
			out = append(out, *change)
		}
	}
	return out
}

// Clear discards all pending edits. Called only after the server confirms
// a save.
func (t *ChangeTracker) Clear() {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	t.pending = make(map[string]*CellChange)

	t.order = nil
}

// BeginSave marks a save as in flight. It returns false if another save
// is already running, in which case the caller must not proceed.
func (t *ChangeTracker) BeginSave() bool {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	if t.inFlight {
		return false
	}
	t.inFlight = true
	return true
}

// EndSave releases the in-flight gate. Safe to call when no save is
// running.
func (t *ChangeTracker) EndSave() {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	t.inFlight = false
}
