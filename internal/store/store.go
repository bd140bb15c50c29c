// Package store implements the durable persistence layer for upload state
// and queued chunks, backed by an embedded go.etcd.io/bbolt database.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/streamvault/upload-worker/internal/errs"
	"github.com/streamvault/upload-worker/internal/uploadmodel"
)

const (
	bucketUploads  = "uploads"
	bucketChunks   = "chunks"
	bucketMetadata = "metadata"

	schemaVersionKey     = "schemaVersion"
	currentSchemaVersion = 1
)

// Store is the persistence store described in the data model: three
// collections (uploads, chunks, metadata) with atomic single-record writes
// and full-scan reads.
type Store struct {
	path string
	db   *bbolt.DB
	once sync.Once
	err  error
}

// New returns a Store bound to path. The database file is not opened until
// Open is called.
func New(path string) *Store {
	return &Store{path: path}
}

// Open opens the underlying database file, creates the top-level buckets on
// first run, and runs the schema migration exactly once. Safe to call
// concurrently; only the first call does the work.
func (s *Store) Open() error {
	s.once.Do(func() {
		db, err := bbolt.Open(s.path, 0o600, nil)
		if err != nil {
			s.err = fmt.Errorf("open store %q: %w", s.path, err)
			return
		}
		s.db = db

		s.err = db.Update(func(tx *bbolt.Tx) error {
			for _, name := range []string{bucketUploads, bucketChunks, bucketMetadata} {
				if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
					return fmt.Errorf("create bucket %q: %w", name, err)
				}
			}
			return migrate(tx)
		})
	})
	return s.err
}

func migrate(tx *bbolt.Tx) error {
	meta := tx.Bucket([]byte(bucketMetadata))
	raw := meta.Get([]byte(schemaVersionKey))
	if raw != nil {
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, currentSchemaVersion)
	return meta.Put([]byte(schemaVersionKey), buf)
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveUploadState upserts state by ContentID in a single transaction.
func (s *Store) SaveUploadState(state *uploadmodel.UploadState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errs.Wrap(errs.Storage, fmt.Errorf("marshal upload state: %w", err))
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUploads)).Put([]byte(state.ContentID), data)
	})
	if err != nil {
		return errs.Wrap(errs.Storage, fmt.Errorf("save upload state %q: %w", state.ContentID, err))
	}
	return nil
}

// LoadUploadState returns the record for id, or errs.ErrNotFound if absent.
func (s *Store) LoadUploadState(id string) (*uploadmodel.UploadState, error) {
	var state uploadmodel.UploadState
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketUploads)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &state)
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, fmt.Errorf("load upload state %q: %w", id, err))
	}
	if !found {
		return nil, errs.ErrNotFound
	}
	return &state, nil
}

// LoadAllUploadStates performs a full scan; ordering is unspecified.
func (s *Store) LoadAllUploadStates() ([]*uploadmodel.UploadState, error) {
	var states []*uploadmodel.UploadState

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUploads)).ForEach(func(_, raw []byte) error {
			var state uploadmodel.UploadState
			if err := json.Unmarshal(raw, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, fmt.Errorf("load all upload states: %w", err))
	}
	return states, nil
}

// DeleteUploadState removes the record for id. Idempotent.
func (s *Store) DeleteUploadState(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUploads)).Delete([]byte(id))
	})
	if err != nil {
		return errs.Wrap(errs.Storage, fmt.Errorf("delete upload state %q: %w", id, err))
	}
	return nil
}
