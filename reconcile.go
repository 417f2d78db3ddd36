// This file contains the save reconciliation logic. A batch of pending cell
// changes is applied against a fresh read of the stored table, conflicts
// are detected and flagged but never block the write, and the whole file is
// rewritten in one pass.
package gridsync

import (
	"context"
)

// applyCellChanges applies a batch of changes to a table in order. Rows are
// located by exact column-0 match on RowKey, columns case-insensitively by
// name. A change whose row or column cannot be found is skipped and
// counted. A change whose stored value no longer exactly matches the
// client's recorded oldValue is a conflict: it is still applied (last
// write wins) and counted.
func applyCellChanges(table *Table, changes []CellChange) SaveResult {
	result := SaveResult{Total: len(changes)}

	for _, change := range changes {
		rowIdx := table.FindRow(change.RowKey)

		if rowIdx < 0 {
			result.Skipped++

			continue
		}
		colIdx := table.FindColumn(change.ColumnName)

		if colIdx < 0 {
			result.Skipped++

			continue
		}
		current := table.Rows[rowIdx][colIdx]

		if current != change.OldValue {
			result.Conflicts++
		}
		table.Rows[rowIdx][colIdx] = change.NewValue

		result.Applied++

		result.Changes = append(result.Changes, change)
	}
	return result
}

// Saver reconciles pending change batches against row storage and relays
// each applied change to the file's room.
type Saver struct {
	storage RowStorage
	gateway *Gateway
	hooks   *Hooks
}

// NewSaver builds a Saver. The gateway may be nil, in which case applied
// changes are not relayed. Hooks may be nil.
func NewSaver(storage RowStorage, gateway *Gateway, hooks *Hooks) *Saver {
	return &Saver{
		storage: storage,
		gateway: gateway,
		hooks:   hooks,
	}
}

// Save re-reads the file from storage, applies the batch, rewrites the
// whole file, and relays one file-updated event per applied change on
// behalf of the given user. The relayed events carry the saving user's
// identity so other members attribute the edits correctly.
func (s *Saver) Save(ctx context.Context, fileId string, changes []CellChange, by Identity) (SaveResult, error) {
	if len(changes) == 0 {
		return SaveResult{}, nil
	}
	table, err := s.storage.ReadTable(ctx, fileId)

	if err != nil {
		return SaveResult{}, wrapF(err, "failed to load %s for save", fileId)
	}
	result := applyCellChanges(table, changes)

	if result.Applied > 0 {
		if err := s.storage.WriteTable(ctx, fileId, table); err != nil {
			return SaveResult{}, wrapF(err, "failed to persist %s", fileId)
		}
	}
	if s.hooks != nil && s.hooks.Metrics != nil {
		s.hooks.Metrics.SaveApplied(fileId, result.Applied, result.Conflicts, result.Skipped)
	}
	s.relayApplied(fileId, result.Changes, by)

	return result, nil
}

func (s *Saver) relayApplied(fileId string, applied []CellChange, by Identity) {
	if s.gateway == nil {
		return
	}
	for _, change := range applied {
		update := FileUpdate{
			FileID:   fileId,
			UserID:   by.ID,
			Username: by.Username,
			Action:   ActionUpdate,
			RowKey:   change.RowKey,
			Data: &CellData{
				ColumnName: change.ColumnName,
				OldValue:   change.OldValue,
				NewValue:   change.NewValue,
			},
			Timestamp: isoNow(),
		}
		if err := s.gateway.EmitToFileRoomExcept(fileId, by.ID, fileUpdatedEvent, update); err != nil {
			s.reportError(err)
		}
	}
}

func (s *Saver) reportError(err error) {
	if err == nil || s.hooks == nil || s.hooks.Metrics == nil {
		return
	}
	s.hooks.Metrics.Error("saver", err)
}
