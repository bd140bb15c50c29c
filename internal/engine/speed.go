package engine

import (
	"sync"
	"time"
)

// emaWeight is the exponential-moving-average weight given to each new
// sample, per the optional speed-tracking enhancement (EMA_WEIGHT=0.3).
const emaWeight = 0.3

// speedTracker maintains an EMA of upload throughput for one upload,
// populating UPLOAD_PROGRESS.uploadSpeed / timeRemaining, fields the part
// driver never wired up in the reference source.
type speedTracker struct {
	mu          sync.Mutex
	bytesPerSec float64
	initialized bool
}

func newSpeedTracker() *speedTracker {
	return &speedTracker{}
}

// Record folds one completed part's throughput into the running average.
func (t *speedTracker) Record(bytes int64, took time.Duration) {
	if took <= 0 {
		return
	}
	sample := float64(bytes) / took.Seconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		t.bytesPerSec = sample
		t.initialized = true
		return
	}
	t.bytesPerSec = emaWeight*sample + (1-emaWeight)*t.bytesPerSec
}

// Estimate returns the current speed (bytes/sec) and the projected time
// remaining (seconds) given remainingBytes still to upload.
func (t *speedTracker) Estimate(remainingBytes int64) (speedBytesPerSec, timeRemainingSeconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bytesPerSec <= 0 {
		return 0, 0
	}
	return t.bytesPerSec, float64(remainingBytes) / t.bytesPerSec
}
