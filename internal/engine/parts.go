package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/go-units"

	"github.com/streamvault/upload-worker/internal/bus"
	"github.com/streamvault/upload-worker/internal/controlplane"
	"github.com/streamvault/upload-worker/internal/errs"
	"github.com/streamvault/upload-worker/internal/uploadmodel"
)

// driveParts is the part-driving algorithm: reconcile with the server,
// upload every outstanding part with bounded concurrency, then finalize.
// Adapted from the teacher's chunkuploader.Uploader.Upload semaphore +
// result-channel pattern, generalized from a fixed pre-chunked file to the
// still-outstanding part numbers of one UploadState.
func (e *Engine) driveParts(ctx context.Context, upload *activeUpload) {
	defer upload.file.Close()

	state := upload.state
	completed := e.reconcile(ctx, state)

	totalParts := state.TotalParts()
	pending := make([]int, 0, totalParts)
	for n := 1; n <= totalParts; n++ {
		if !completed[n] {
			pending = append(pending, n)
		}
	}

	if len(pending) > 0 {
		if !e.uploadParts(ctx, upload, pending) {
			return
		}
	}

	e.finishUpload(ctx, upload)
}

// reconcile computes the authoritative set of already-complete part
// numbers as the union of the server's list and the locally persisted
// list. On reconcile failure it falls back to the local list alone.
func (e *Engine) reconcile(ctx context.Context, state *uploadmodel.UploadState) map[int]bool {
	local := state.CompletedPartNumbers()

	remoteParts, err := e.cp.ListUploadedParts(ctx, state.Key, state.UploadID)
	if err != nil {
		e.logger.Warnf("engine: reconcile %s: list-parts failed, using local state: %v", state.ContentID, err)
		return local
	}

	for _, p := range remoteParts {
		if !local[p.PartNumber] {
			state.AddPart(uploadmodel.Part{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
		}
	}
	return state.CompletedPartNumbers()
}

type partResult struct {
	partNumber int
	err        error
}

// uploadParts drives pending to completion with up to
// state.MaxConcurrentUploads parts in flight at once. Returns false if the
// upload was cancelled or entered the error state, in which case the
// caller must not proceed to finishUpload.
func (e *Engine) uploadParts(ctx context.Context, upload *activeUpload, pending []int) bool {
	state := upload.state
	semaphore := make(chan struct{}, state.MaxConcurrentUploads)
	resultChan := make(chan partResult, len(pending))

	for _, partNumber := range pending {
		go func(partNumber int) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			resultChan <- e.uploadOnePart(ctx, upload, partNumber)
		}(partNumber)
	}

	for range pending {
		result := <-resultChan
		if result.err == nil {
			continue
		}
		if errs.Is(result.err, errs.Cancelled) {
			// PAUSE_UPLOAD / CANCEL_UPLOAD already persisted state, emitted
			// the outcome event, and removed the registry entry.
			return false
		}
		e.failUpload(upload, result.err)
		return false
	}
	return true
}

// uploadOnePart drives the retry loop for a single part: slice the byte
// range, sign, PUT, and on a retryable error sleep for the computed
// backoff before trying again. Cancellation is never retried.
func (e *Engine) uploadOnePart(ctx context.Context, upload *activeUpload, partNumber int) partResult {
	state := upload.state
	maxAttempts := state.RetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.config.Retry.Attempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return partResult{partNumber, errs.New(errs.Cancelled, partNumber, ctx.Err())}
		default:
		}

		etag, size, err := e.attemptPart(ctx, upload, partNumber)
		if err == nil {
			e.recordPartSuccess(upload, partNumber, etag, size)
			return partResult{partNumber, nil}
		}

		if ctx.Err() != nil {
			return partResult{partNumber, errs.New(errs.Cancelled, partNumber, ctx.Err())}
		}

		kind := errs.KindOf(err)
		if kind == errs.Cancelled || kind != errs.Retryable || attempt == maxAttempts {
			return partResult{partNumber, err}
		}

		delay := e.cp.Backoff(attempt)
		e.bus.Broadcast(bus.NewEvent(bus.EventRetryingChunk, map[string]interface{}{
			"contentId":        state.ContentID,
			"partNumber":       partNumber,
			"attempt":          attempt,
			"nextAttemptDelay": delay.Milliseconds(),
		}))

		select {
		case <-ctx.Done():
			return partResult{partNumber, errs.New(errs.Cancelled, partNumber, ctx.Err())}
		case <-time.After(delay):
		}
	}

	return partResult{partNumber, errs.New(errs.Retryable, partNumber, fmt.Errorf("exhausted %d retry attempts", maxAttempts))}
}

func (e *Engine) attemptPart(ctx context.Context, upload *activeUpload, partNumber int) (etag string, size int64, err error) {
	state := upload.state

	start, end := state.PartRange(partNumber)
	data, err := upload.file.ReadRange(start, end-start)
	if err != nil {
		return "", 0, errs.New(errs.Fatal, partNumber, err)
	}

	signedURL, err := e.cp.GetSignedURL(ctx, state.Key, state.UploadID, partNumber, state.Accelerated)
	if err != nil {
		return "", 0, err
	}
	if state.Accelerated {
		signedURL, err = controlplane.RewriteForAcceleration(signedURL, state.AccelerationEndpoint)
		if err != nil {
			return "", 0, errs.New(errs.Protocol, partNumber, err)
		}
	}

	select {
	case e.globalSem <- struct{}{}:
		defer func() { <-e.globalSem }()
	case <-ctx.Done():
		return "", 0, errs.New(errs.Cancelled, partNumber, ctx.Err())
	}

	partStart := time.Now()
	etag, err = e.cp.UploadPart(ctx, signedURL, data, partNumber)
	if err != nil {
		return "", 0, err
	}
	upload.speed.Record(int64(len(data)), time.Since(partStart))

	return etag, int64(len(data)), nil
}

func (e *Engine) recordPartSuccess(upload *activeUpload, partNumber int, etag string, size int64) {
	state := upload.state

	upload.partsMu.Lock()
	state.AddPart(uploadmodel.Part{PartNumber: partNumber, ETag: etag, Size: size})
	progress := state.Progress
	uploadedBytes := state.BytesUploaded()
	totalBytes := state.FileSize
	upload.partsMu.Unlock()

	if err := e.store.SaveUploadState(state); err != nil {
		e.logger.Warnf("engine: persist part %d for %s failed: %v", partNumber, state.ContentID, err)
	}

	e.tracker.LogPartUploaded(state.ContentID, partNumber, 0, size)
	e.bus.Broadcast(bus.NewEvent(bus.EventChunkUploaded, map[string]interface{}{
		"contentId":  state.ContentID,
		"partNumber": partNumber,
		"eTag":       etag,
	}))

	speed, remaining := upload.speed.Estimate(totalBytes - uploadedBytes)
	e.bus.Broadcast(bus.NewEvent(bus.EventUploadProgress, map[string]interface{}{
		"contentId":         state.ContentID,
		"progress":          progress,
		"uploadedBytes":     uploadedBytes,
		"totalBytes":        totalBytes,
		"uploadSpeed":       speed,
		"timeRemaining":     remaining,
		"activeConnections": 0,
	}))
}

func (e *Engine) failUpload(upload *activeUpload, err error) {
	upload.partsMu.Lock()
	upload.state.Status = uploadmodel.StatusError
	upload.state.Error = err.Error()
	state := upload.state
	upload.partsMu.Unlock()

	e.finalizeFailure(state, err)
}

// finishUpload calls completeMultipartUpload once every part is present.
// A failure here leaves the upload in_progress from the server's
// perspective; the next RESUME_UPLOAD reconciles via list-parts and
// re-attempts completion.
func (e *Engine) finishUpload(ctx context.Context, upload *activeUpload) {
	state := upload.state

	parts := make([]controlplane.CompleteRequestPart, len(state.Parts))
	for i, p := range state.Parts {
		parts[i] = controlplane.CompleteRequestPart{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	location, err := e.cp.CompleteMultipartUpload(ctx, state.Key, state.UploadID, state.ContentID, parts, state.Accelerated)

	e.mu.Lock()
	delete(e.active, state.ContentID)
	e.mu.Unlock()

	if err != nil {
		e.emitLog("error", fmt.Sprintf("complete failed for %s, will retry on next resume: %v", state.ContentID, err))
		return
	}

	state.Status = uploadmodel.StatusCompleted
	state.FileURL = location
	if serr := e.store.SaveUploadState(state); serr != nil {
		e.logger.Warnf("engine: persist completed state for %s failed: %v", state.ContentID, serr)
	}

	duration := time.Since(state.StartTime)
	var averageSpeed float64
	if duration.Seconds() > 0 {
		averageSpeed = float64(state.FileSize) / duration.Seconds()
	}

	e.tracker.LogUploadCompleted(state.ContentID, duration, state.FileSize, averageSpeed)
	e.logger.Infof("engine: %s completed, %s in %s (%s/s)",
		state.ContentID,
		units.HumanSizeWithPrecision(float64(state.FileSize), 3),
		duration.Truncate(time.Millisecond),
		units.HumanSizeWithPrecision(averageSpeed, 3))
	e.bus.Broadcast(bus.NewEvent(bus.EventUploadComplete, map[string]interface{}{
		"contentId":    state.ContentID,
		"fileUrl":      location,
		"duration":     duration.Milliseconds(),
		"totalBytes":   state.FileSize,
		"averageSpeed": averageSpeed,
	}))
}
