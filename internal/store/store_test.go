package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamvault/upload-worker/internal/errs"
	"github.com/streamvault/upload-worker/internal/uploadmodel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "uploadserviceworker.db"))
	require.NoError(t, s.Open())
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSaveAndLoadUploadState(t *testing.T) {
	s := newTestStore(t)

	state := &uploadmodel.UploadState{
		ContentID: "content-1",
		UploadID:  "upload-1",
		FileSize:  100,
		PartSize:  10,
		Status:    uploadmodel.StatusInProgress,
	}
	require.NoError(t, s.SaveUploadState(state))

	loaded, err := s.LoadUploadState("content-1")
	require.NoError(t, err)
	require.Equal(t, state.UploadID, loaded.UploadID)
	require.Equal(t, state.Status, loaded.Status)
}

func TestLoadUploadStateNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadUploadState("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLoadAllUploadStates(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveUploadState(&uploadmodel.UploadState{ContentID: "a"}))
	require.NoError(t, s.SaveUploadState(&uploadmodel.UploadState{ContentID: "b"}))

	all, err := s.LoadAllUploadStates()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDeleteUploadStateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveUploadState(&uploadmodel.UploadState{ContentID: "a"}))
	require.NoError(t, s.DeleteUploadState("a"))
	require.NoError(t, s.DeleteUploadState("a"))

	_, err := s.LoadUploadState("a")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestChunksSecondaryIndex(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveChunk(&uploadmodel.UploadChunk{ID: "c1", UploadID: "u1", PartNumber: 1}))
	require.NoError(t, s.SaveChunk(&uploadmodel.UploadChunk{ID: "c2", UploadID: "u1", PartNumber: 2}))
	require.NoError(t, s.SaveChunk(&uploadmodel.UploadChunk{ID: "c3", UploadID: "u2", PartNumber: 1}))

	chunks, err := s.LoadChunks("u1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	require.NoError(t, s.DeleteChunks("u1"))

	chunks, err = s.LoadChunks("u1")
	require.NoError(t, err)
	require.Empty(t, chunks)

	chunks, err = s.LoadChunks("u2")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestOpenIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Open())
	require.NoError(t, s.Open())
}
