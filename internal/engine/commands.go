package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"

	"github.com/streamvault/upload-worker/internal/bus"
	"github.com/streamvault/upload-worker/internal/errs"
	"github.com/streamvault/upload-worker/internal/uploadmodel"
)

// HandleCommand dispatches one decoded inbound command. Command handling
// is exhaustive over the inbound sum; an unrecognized type reaches the
// default arm and is logged as a warning, never a Go error.
func (e *Engine) HandleCommand(clientID, commandType string, raw []byte) {
	switch commandType {
	case bus.CommandStartUpload:
		e.handleStartUpload(raw)
	case bus.CommandResumeUpload:
		e.handleResumeUpload(raw)
	case bus.CommandPauseUpload:
		e.handlePauseUpload(raw)
	case bus.CommandCancelUpload:
		e.handleCancelUpload(raw)
	case bus.CommandGetUploadStatus:
		e.handleGetUploadStatus(raw)
	case bus.CommandGetActiveUploads:
		e.handleGetActiveUploads()
	case bus.CommandHeartbeat:
		// no state to mutate; presence of the connection is enough
	default:
		e.logger.Warnf("engine: unknown command type %q from client %s", commandType, clientID)
		e.emitLog("warning", "unknown command type: "+commandType)
	}
}

func (e *Engine) handleStartUpload(raw []byte) {
	var payload bus.StartUploadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.emitLog("error", "malformed START_UPLOAD: "+err.Error())
		return
	}

	fileInfo, err := os.Stat(payload.FilePath)
	if err != nil {
		e.emitLog("error", fmt.Sprintf("cannot stat file %q: %v", payload.FilePath, err))
		return
	}

	partSize := e.config.PartSizeBytes
	maxConcurrent := e.config.MaxConcurrentUploads
	if payload.ChunkConfig != nil {
		if payload.ChunkConfig.PartSize > 0 {
			partSize = payload.ChunkConfig.PartSize
		}
		if payload.ChunkConfig.MaxConcurrentUploads > 0 {
			maxConcurrent = payload.ChunkConfig.MaxConcurrentUploads
		}
	}

	retryAttempts := e.config.Retry.Attempts
	if payload.RetryConfig != nil && payload.RetryConfig.Attempts > 0 {
		retryAttempts = payload.RetryConfig.Attempts
	}

	useAcceleration := e.config.Acceleration.Enabled && fileInfo.Size() >= e.config.Acceleration.MinSizeBytes

	ctx := context.Background()
	result, err := e.cp.InitiateMultipartUpload(ctx, filepath.Base(payload.FilePath), payload.FileType, fileInfo.Size(), payload.Duration, useAcceleration)
	if err != nil {
		e.bus.Broadcast(bus.NewEvent(bus.EventUploadError, map[string]interface{}{
			"error":     err.Error(),
			"retryable": false,
		}))
		return
	}

	e.bus.Broadcast(bus.NewEvent(bus.EventInitiateUploadResponse, map[string]interface{}{
		"contentId": result.ContentID,
		"uploadId":  result.UploadID,
		"key":       result.Key,
	}))

	state := &uploadmodel.UploadState{
		ContentID:            result.ContentID,
		UploadID:             result.UploadID,
		Key:                  result.Key,
		FileName:             filepath.Base(payload.FilePath),
		FileSize:             fileInfo.Size(),
		FileType:             payload.FileType,
		FilePath:             payload.FilePath,
		PartSize:             partSize,
		MaxConcurrentUploads: maxConcurrent,
		RetryAttempts:        retryAttempts,
		Status:               uploadmodel.StatusInProgress,
		StartTime:            time.Now(),
		Accelerated:          useAcceleration && result.AccelerationEndpoint != "",
		AccelerationEndpoint: result.AccelerationEndpoint,
	}

	e.tracker.LogUploadStarted(state.ContentID, state.FileSize, state.TotalParts())
	e.logger.Infof("engine: %s file size: %s", state.ContentID, units.HumanSizeWithPrecision(float64(state.FileSize), 3))

	if err := e.registerAndDrive(state); err != nil {
		e.emitLog("error", fmt.Sprintf("START_UPLOAD %s: %v", state.ContentID, err))
	}
}

func (e *Engine) handleResumeUpload(raw []byte) {
	var payload bus.ContentIDPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.emitLog("error", "malformed RESUME_UPLOAD: "+err.Error())
		return
	}

	if err := e.Resume(payload.ContentID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			e.emitLog("error", "RESUME_UPLOAD: no such upload: "+payload.ContentID)
			return
		}
		e.emitLog("error", fmt.Sprintf("RESUME_UPLOAD %s: %v", payload.ContentID, err))
	}
}

func (e *Engine) handlePauseUpload(raw []byte) {
	var payload bus.ContentIDPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.emitLog("error", "malformed PAUSE_UPLOAD: "+err.Error())
		return
	}

	e.mu.Lock()
	upload, exists := e.active[payload.ContentID]
	if exists {
		delete(e.active, payload.ContentID)
	}
	e.mu.Unlock()

	if !exists {
		e.emitLog("warning", "PAUSE_UPLOAD: not active: "+payload.ContentID)
		return
	}

	upload.cancel()

	upload.partsMu.Lock()
	upload.state.Status = uploadmodel.StatusPaused
	upload.partsMu.Unlock()

	if err := e.store.SaveUploadState(upload.state); err != nil {
		e.logger.Warnf("engine: persist paused state for %s failed: %v", payload.ContentID, err)
	}

	e.bus.Broadcast(bus.NewEvent(bus.EventUploadPaused, map[string]interface{}{
		"contentId": payload.ContentID,
	}))
}

// PauseAll pauses every currently active upload, persisting each as
// paused before returning. Used at shutdown so a restart's Activate pass
// picks every one of them back up.
func (e *Engine) PauseAll() {
	e.mu.Lock()
	uploads := make([]*activeUpload, 0, len(e.active))
	for id, upload := range e.active {
		uploads = append(uploads, upload)
		delete(e.active, id)
	}
	e.mu.Unlock()

	for _, upload := range uploads {
		upload.cancel()

		upload.partsMu.Lock()
		upload.state.Status = uploadmodel.StatusPaused
		state := upload.state
		upload.partsMu.Unlock()

		if err := e.store.SaveUploadState(state); err != nil {
			e.logger.Warnf("engine: persist paused state for %s during shutdown failed: %v", state.ContentID, err)
		}
		e.bus.Broadcast(bus.NewEvent(bus.EventUploadPaused, map[string]interface{}{
			"contentId": state.ContentID,
		}))
	}
}

func (e *Engine) handleCancelUpload(raw []byte) {
	var payload bus.ContentIDPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.emitLog("error", "malformed CANCEL_UPLOAD: "+err.Error())
		return
	}

	e.mu.Lock()
	upload, wasActive := e.active[payload.ContentID]
	if wasActive {
		delete(e.active, payload.ContentID)
	}
	e.mu.Unlock()

	if wasActive {
		upload.cancel()
	}

	state, err := e.store.LoadUploadState(payload.ContentID)
	if err == nil {
		if cerr := e.cp.CancelUpload(context.Background(), state.Key, state.UploadID, state.ContentID, state.Accelerated); cerr != nil {
			e.emitLog("warning", fmt.Sprintf("server-side cancel failed for %s: %v", payload.ContentID, cerr))
		}
	}

	if err := e.store.DeleteUploadState(payload.ContentID); err != nil {
		e.logger.Warnf("engine: delete upload state %s failed: %v", payload.ContentID, err)
	}
	if err == nil {
		if derr := e.store.DeleteChunks(state.UploadID); derr != nil {
			e.logger.Warnf("engine: delete chunks for %s failed: %v", payload.ContentID, derr)
		}
	}

	e.bus.Broadcast(bus.NewEvent(bus.EventUploadCancelled, map[string]interface{}{
		"contentId": payload.ContentID,
	}))
}

func (e *Engine) handleGetUploadStatus(raw []byte) {
	var payload bus.ContentIDPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.emitLog("error", "malformed GET_UPLOAD_STATUS: "+err.Error())
		return
	}

	state, err := e.store.LoadUploadState(payload.ContentID)
	if err != nil {
		e.bus.Broadcast(bus.NewEvent(bus.EventUploadStatus, map[string]interface{}{
			"contentId": payload.ContentID,
			"status":    string(uploadmodel.StatusNotFound),
		}))
		return
	}

	e.bus.Broadcast(bus.NewEvent(bus.EventUploadStatus, map[string]interface{}{
		"contentId": state.ContentID,
		"status":    string(state.Status),
		"progress":  state.Progress,
	}))
}

func (e *Engine) handleGetActiveUploads() {
	states, err := e.store.LoadAllUploadStates()
	if err != nil {
		e.emitLog("error", "GET_ACTIVE_UPLOADS: "+err.Error())
		return
	}

	count := 0
	for _, state := range states {
		if state.Status != uploadmodel.StatusInProgress && state.Status != uploadmodel.StatusPaused {
			continue
		}
		count++

		if err := e.Resume(state.ContentID); err != nil {
			e.logger.Warnf("engine: resume %s during GET_ACTIVE_UPLOADS failed: %v", state.ContentID, err)
		}

		e.bus.Broadcast(bus.NewEvent(bus.EventUploadStatus, map[string]interface{}{
			"contentId": state.ContentID,
			"status":    string(state.Status),
			"progress":  state.Progress,
		}))
	}

	e.bus.Broadcast(bus.NewEvent(bus.EventUploadsUpdate, map[string]interface{}{
		"count": count,
	}))
}

// Resume loads a persisted upload and (re)admits it to the in-memory
// registry. A no-op if the upload is already active, matching the
// idempotent-through-the-registry-guard contract of the lifecycle
// controller.
func (e *Engine) Resume(contentID string) error {
	e.mu.Lock()
	if _, exists := e.active[contentID]; exists {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	state, err := e.store.LoadUploadState(contentID)
	if err != nil {
		return err
	}

	state.Status = uploadmodel.StatusInProgress
	if err := e.store.SaveUploadState(state); err != nil {
		e.logger.Warnf("engine: persist resumed state for %s failed: %v", contentID, err)
	}

	return e.registerAndDrive(state)
}

// registerAndDrive admits state to the in-memory registry and starts its
// part driver. A failure to reopen the source file — the "moved or
// deleted source file on cold restart" case — is not merely logged: the
// upload is flipped to error and UPLOAD_ERROR is broadcast, so it never
// sits in the store forever claiming to be in_progress with no active
// driver behind it.
func (e *Engine) registerAndDrive(state *uploadmodel.UploadState) error {
	e.mu.Lock()
	if _, exists := e.active[state.ContentID]; exists {
		e.mu.Unlock()
		return errs.ErrAlreadyActive
	}
	e.mu.Unlock()

	file, err := uploadmodel.OpenSourceFile(state.FilePath)
	if err != nil {
		openErr := errs.New(errs.Fatal, 0, fmt.Errorf("open source file: %w", err))
		state.Status = uploadmodel.StatusError
		state.Error = openErr.Error()
		e.finalizeFailure(state, openErr)
		return openErr
	}

	e.mu.Lock()
	if _, exists := e.active[state.ContentID]; exists {
		e.mu.Unlock()
		file.Close()
		return errs.ErrAlreadyActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	upload := &activeUpload{
		state:  state,
		file:   file,
		cancel: cancel,
		speed:  newSpeedTracker(),
	}
	e.active[state.ContentID] = upload
	e.mu.Unlock()

	if err := e.store.SaveUploadState(state); err != nil {
		e.logger.Warnf("engine: persist %s failed: %v", state.ContentID, err)
	}

	go e.driveParts(ctx, upload)
	return nil
}

// finalizeFailure persists state (which the caller has already flipped to
// StatusError) and broadcasts the terminal UPLOAD_ERROR event. Shared by
// registerAndDrive's open-file failure path and parts.go's failUpload so
// there is exactly one place an upload leaves the registry in error.
func (e *Engine) finalizeFailure(state *uploadmodel.UploadState, err error) {
	if serr := e.store.SaveUploadState(state); serr != nil {
		e.logger.Warnf("engine: persist error state for %s failed: %v", state.ContentID, serr)
	}

	e.mu.Lock()
	delete(e.active, state.ContentID)
	e.mu.Unlock()

	e.tracker.LogUploadFailed(state.ContentID, err.Error())
	e.bus.Broadcast(bus.NewEvent(bus.EventUploadError, map[string]interface{}{
		"contentId": state.ContentID,
		"error":     err.Error(),
		"retryable": false,
	}))
}
