package uploadmodel

import "time"

// ChunkStatus is the durability state of a queued chunk.
type ChunkStatus string

const (
	ChunkQueued   ChunkStatus = "queued"
	ChunkUploaded ChunkStatus = "uploaded"
	ChunkFailed   ChunkStatus = "failed"
)

// UploadChunk persists queued-but-not-yet-uploaded part bytes so a part
// admitted before a cold restart is not lost when the source file handle
// is unavailable. See DESIGN.md for the file-handle-across-restart
// decision; the engine does not write chunk records, and resume re-reads
// FilePath instead.
type UploadChunk struct {
	ID          string      `json:"id"`
	UploadID    string      `json:"uploadId"`
	PartNumber  int         `json:"partNumber"`
	Size        int64       `json:"size"`
	Data        []byte      `json:"data,omitempty"`
	Status      ChunkStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastAttempt time.Time   `json:"lastAttempt"`
	Error       string      `json:"error,omitempty"`
}
