// Package telemetry enqueues structured records describing upload
// lifecycle events, independent of the LOG events broadcast over the
// message bus.
package telemetry

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// InstanceIDEnvKey names the environment variable that identifies this
// worker process instance, the domain analogue of the step execution ID
// the original tracker keyed on.
const InstanceIDEnvKey = "UPLOAD_WORKER_INSTANCE_ID"

// Tracker enqueues per-upload analytics events.
type Tracker struct {
	tracker analytics.Tracker
}

// New builds a Tracker tagged with the worker instance ID read from
// envRepo.
func New(envRepo env.Repository, logger log.Logger) Tracker {
	properties := analytics.Properties{
		"instance_id": envRepo.Get(InstanceIDEnvKey),
	}
	return Tracker{tracker: analytics.NewDefaultTracker(logger, properties)}
}

// LogUploadStarted records that an upload was admitted.
func (t Tracker) LogUploadStarted(contentID string, fileSize int64, totalParts int) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("upload_worker_upload_started", analytics.Properties{
		"content_id":  contentID,
		"file_size":   fileSize,
		"total_parts": totalParts,
	})
}

// LogPartUploaded records a single completed part.
func (t Tracker) LogPartUploaded(contentID string, partNumber int, took time.Duration, size int64) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("upload_worker_part_uploaded", analytics.Properties{
		"content_id":  contentID,
		"part_number": partNumber,
		"took_ms":     took.Milliseconds(),
		"size_bytes":  size,
	})
}

// LogUploadCompleted records a finished upload.
func (t Tracker) LogUploadCompleted(contentID string, totalTime time.Duration, totalBytes int64, averageSpeed float64) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("upload_worker_upload_completed", analytics.Properties{
		"content_id":    contentID,
		"total_time_s":  totalTime.Truncate(time.Second).Seconds(),
		"total_bytes":   totalBytes,
		"average_speed": averageSpeed,
	})
}

// LogUploadFailed records a terminal failure.
func (t Tracker) LogUploadFailed(contentID string, reason string) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("upload_worker_upload_failed", analytics.Properties{
		"content_id": contentID,
		"reason":     reason,
	})
}

// Wait blocks until every enqueued event has been flushed.
func (t Tracker) Wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
