package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/streamvault/upload-worker/internal/errs"
	"github.com/streamvault/upload-worker/internal/uploadmodel"
)

// chunkKey composes the secondary index key uploadId/chunkId so a cursor
// prefix seek over one upload's chunks stays a single bucket scan.
func chunkKey(uploadID, chunkID string) []byte {
	return []byte(uploadID + "/" + chunkID)
}

func chunkPrefix(uploadID string) []byte {
	return []byte(uploadID + "/")
}

// SaveChunk upserts a chunk keyed by its composite uploadId/id index.
func (s *Store) SaveChunk(chunk *uploadmodel.UploadChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return errs.Wrap(errs.Storage, fmt.Errorf("marshal chunk: %w", err))
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketChunks)).Put(chunkKey(chunk.UploadID, chunk.ID), data)
	})
	if err != nil {
		return errs.Wrap(errs.Storage, fmt.Errorf("save chunk %q: %w", chunk.ID, err))
	}
	return nil
}

// LoadChunks returns every chunk whose secondary index matches uploadID.
func (s *Store) LoadChunks(uploadID string) ([]*uploadmodel.UploadChunk, error) {
	var chunks []*uploadmodel.UploadChunk
	prefix := chunkPrefix(uploadID)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketChunks)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var chunk uploadmodel.UploadChunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			chunks = append(chunks, &chunk)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, fmt.Errorf("load chunks for upload %q: %w", uploadID, err))
	}
	return chunks, nil
}

// DeleteChunks deletes every chunk whose secondary index matches uploadID.
func (s *Store) DeleteChunks(uploadID string) error {
	prefix := chunkPrefix(uploadID)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketChunks))
		c := bucket.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			// copy: cursor keys are only valid for the life of the transaction
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}
		for _, key := range keys {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.Storage, fmt.Errorf("delete chunks for upload %q: %w", uploadID, err))
	}
	return nil
}
