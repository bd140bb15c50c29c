// Package uploadmodel defines the durable data model for one upload:
// UploadState, its parts, and the source file abstraction that lets the
// engine slice byte ranges on demand.
package uploadmodel

import (
	"math"
	"time"
)

// Status is the upload's lifecycle status. Every switch over Status in this
// module must be exhaustive; add a case here before adding a new value.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
	StatusNotFound   Status = "not_found"
)

// Part is one completed, acknowledged part of a multipart upload.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
	Size       int64  `json:"size"`
}

// UploadState is the persisted record for one upload, keyed by ContentID.
type UploadState struct {
	ContentID            string    `json:"contentId"`
	UploadID             string    `json:"uploadId"`
	Key                  string    `json:"key"`
	FileName             string    `json:"fileName"`
	FileSize             int64     `json:"fileSize"`
	FileType             string    `json:"fileType"`
	FilePath             string    `json:"filePath"`
	PartSize             int64     `json:"partSize"`
	MaxConcurrentUploads int       `json:"maxConcurrentUploads"`
	RetryAttempts        int       `json:"retryAttempts"`
	Parts                []Part    `json:"parts"`
	Progress             int       `json:"progress"`
	Status               Status    `json:"status"`
	StartTime            time.Time `json:"startTime"`
	Accelerated          bool      `json:"accelerated"`
	AccelerationEndpoint string    `json:"accelerationEndpoint,omitempty"`
	FileURL              string    `json:"fileUrl,omitempty"`
	Error                string    `json:"error,omitempty"`
}

// TotalParts returns ceil(fileSize / partSize).
func (s *UploadState) TotalParts() int {
	if s.PartSize <= 0 {
		return 0
	}
	n := s.FileSize / s.PartSize
	if s.FileSize%s.PartSize != 0 {
		n++
	}
	return int(n)
}

// PartRange returns the byte range [start, end) for a 1-based part number.
func (s *UploadState) PartRange(partNumber int) (start, end int64) {
	start = int64(partNumber-1) * s.PartSize
	end = start + s.PartSize
	if end > s.FileSize {
		end = s.FileSize
	}
	return start, end
}

// CompletedPartNumbers returns the set of part numbers already present in
// Parts.
func (s *UploadState) CompletedPartNumbers() map[int]bool {
	set := make(map[int]bool, len(s.Parts))
	for _, p := range s.Parts {
		set[p.PartNumber] = true
	}
	return set
}

// BytesUploaded sums the size of every completed part, clamped to
// FileSize. This resolves the "completedParts * partSize overcounts the
// final short part" note in favor of the byte-accurate form.
func (s *UploadState) BytesUploaded() int64 {
	var sum int64
	for _, p := range s.Parts {
		sum += p.Size
	}
	if sum > s.FileSize {
		sum = s.FileSize
	}
	return sum
}

// RecomputeProgress sets Progress from the completed-part-count ratio
// completedParts/TotalParts as an integer percentage in [0, 100], rounded
// to the nearest whole percent. This is a part-count ratio, not a
// byte-count ratio: when the final part is short, bytesUploaded/fileSize
// runs ahead of it (40, 80, 100 instead of 33, 67, 100 for a 25 MiB file
// in 10 MiB parts).
func (s *UploadState) RecomputeProgress() {
	total := s.TotalParts()
	if total <= 0 {
		s.Progress = 0
		return
	}
	pct := int(math.Round(float64(len(s.Parts)) / float64(total) * 100))
	if pct > 100 {
		pct = 100
	}
	s.Progress = pct
}

// AddPart appends or replaces a completed part and recomputes progress.
func (s *UploadState) AddPart(p Part) {
	for i, existing := range s.Parts {
		if existing.PartNumber == p.PartNumber {
			s.Parts[i] = p
			s.RecomputeProgress()
			return
		}
	}
	s.Parts = append(s.Parts, p)
	s.RecomputeProgress()
}

// IsComplete reports whether every part number in [1, TotalParts] has been
// recorded.
func (s *UploadState) IsComplete() bool {
	total := s.TotalParts()
	if total == 0 {
		return false
	}
	done := s.CompletedPartNumbers()
	for i := 1; i <= total; i++ {
		if !done[i] {
			return false
		}
	}
	return true
}
