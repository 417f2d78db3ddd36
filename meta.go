// This file contains the file metadata store, a small bbolt database that
// tracks which datasets exist alongside the raw files on disk.
package gridsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var metaBucket = []byte("files")

// FileMeta describes one uploaded dataset.
type FileMeta struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	RowCount     int    `json:"rowCount"`
	ColumnCount  int    `json:"columnCount"`
	UploadedBy   string `json:"uploadedBy"`
	UploadedAt   string `json:"uploadedAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// MetaStore persists FileMeta records in a bbolt database.
type MetaStore struct {
	db *bolt.DB
}

// OpenMetaStore opens (or creates) the metadata database at path.
func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})

	if err != nil {
		return nil, wrapF(err, "failed to open metadata store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})

	if err != nil {
		_ = db.Close()

		return nil, wrapF(err, "failed to initialize metadata store")
	}
	return &MetaStore{db: db}, nil
}

// Close releases the underlying database.
func (m *MetaStore) Close() error {
	return m.db.Close()
}

// Put writes or replaces a record.
func (m *MetaStore) Put(meta FileMeta) error {
	raw, err := json.Marshal(meta)

	if err != nil {
		return wrapF(err, "failed to encode metadata for %s", meta.ID)
	}
	err = m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(meta.ID), raw)
	})

	if err != nil {
		return wrapF(err, "failed to store metadata for %s", meta.ID)
	}
	return nil
}

// Get returns the record for id, or a not-found error.
func (m *MetaStore) Get(id string) (FileMeta, error) {

	var meta FileMeta
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get([]byte(id))

		if raw == nil {
			return notFound(string(storageEntity), fmt.Sprintf("file %s not found", id))
		}
		return json.Unmarshal(raw, &meta)
	})

	if err != nil {
		return FileMeta{}, err
	}
	return meta, nil
}

// List returns every record sorted by upload time, newest first.
func (m *MetaStore) List() ([]FileMeta, error) {
	out := make([]FileMeta, 0)

	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(_, raw []byte) error {

			var meta FileMeta
			if err := json.Unmarshal(raw, &meta); err != nil {
				return err
			}
			out = append(out, meta)

			return nil
		})
	})

	if err != nil {
		return nil, wrapF(err, "failed to list metadata")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt != out[j].UploadedAt {
			return out[i].UploadedAt > out[j].UploadedAt
		}
		return out[i].ID < out[j].ID
	})

	return out, nil
}

// Touch refreshes the record's updated-at stamp after a save. A
// non-negative rowCount also replaces the stored row count.
func (m *MetaStore) Touch(id string, rowCount int) error {
	meta, err := m.Get(id)

	if err != nil {
		return err
	}
	if rowCount >= 0 {
		meta.RowCount = rowCount
	}
	meta.UpdatedAt = isoNow()

	return m.Put(meta)
}

// Delete removes the record for id.
func (m *MetaStore) Delete(id string) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete([]byte(id))
	})

	if err != nil {
		return wrapF(err, "failed to delete metadata for %s", id)
	}
	return nil
}
