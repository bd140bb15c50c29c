// Package engine owns the in-memory registry of active uploads, schedules
// part uploads with bounded concurrency, drives the multipart state
// machine per upload, and reconciles with the server's view of uploaded
// parts on resume.
package engine

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/streamvault/upload-worker/internal/bus"
	"github.com/streamvault/upload-worker/internal/config"
	"github.com/streamvault/upload-worker/internal/controlplane"
	"github.com/streamvault/upload-worker/internal/store"
	"github.com/streamvault/upload-worker/internal/telemetry"
	"github.com/streamvault/upload-worker/internal/uploadmodel"
)

// Broadcaster is the subset of *bus.Hub the engine needs. Modeled as an
// interface so tests can substitute a recording fake.
type Broadcaster interface {
	Broadcast(bus.Event)
}

// activeUpload is one entry of the in-memory registry: at most one per
// contentId, per the data model invariant.
type activeUpload struct {
	state   *uploadmodel.UploadState
	file    *uploadmodel.SourceFile
	cancel  context.CancelFunc
	speed   *speedTracker
	partsMu sync.Mutex
}

// Engine implements bus.CommandHandler.
type Engine struct {
	store     *store.Store
	cp        *controlplane.Client
	bus       Broadcaster
	tracker   telemetry.Tracker
	logger    log.Logger
	config    config.Config
	globalSem chan struct{}

	mu     sync.Mutex
	active map[string]*activeUpload
}

// New builds an Engine. globalSem, sized cfg.MaxGlobalConcurrentUploads,
// layers a process-wide admission cap over every upload's own per-upload
// concurrency ceiling.
func New(st *store.Store, cp *controlplane.Client, broadcaster Broadcaster, tracker telemetry.Tracker, logger log.Logger, cfg config.Config) *Engine {
	globalSem := make(chan struct{}, cfg.MaxGlobalConcurrentUploads)
	return &Engine{
		store:     st,
		cp:        cp,
		bus:       broadcaster,
		tracker:   tracker,
		logger:    logger,
		config:    cfg,
		globalSem: globalSem,
		active:    make(map[string]*activeUpload),
	}
}

// ActiveCount returns the number of uploads currently in the in-memory
// registry.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) emitLog(level, message string) {
	e.bus.Broadcast(bus.NewEvent(bus.EventLog, map[string]interface{}{
		"level":   level,
		"message": message,
	}))
}
