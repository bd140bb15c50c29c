// Package lifecycle sequences the worker's own startup phases, the daemon
// analogue of a browser service worker's install/activate/online events.
package lifecycle

import (
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/streamvault/upload-worker/internal/store"
	"github.com/streamvault/upload-worker/internal/uploadmodel"
)

// resumer is the subset of *engine.Engine the controller needs. Modeled as
// an interface to avoid an import cycle back into internal/engine and to
// let tests substitute a recording fake.
type resumer interface {
	Resume(contentID string) error
}

// Controller runs the boot-time resume passes described in the lifecycle
// controller design: Activate resumes work the process was in the middle
// of, Online additionally picks paused uploads back up once the daemon
// judges itself reachable.
type Controller struct {
	store  *store.Store
	engine resumer
	logger log.Logger
}

// New builds a Controller over an already-open store and the engine that
// will drive resumed uploads.
func New(st *store.Store, eng resumer, logger log.Logger) *Controller {
	return &Controller{store: st, engine: eng, logger: logger}
}

// Install opens the persistence store. Named to mirror the service worker
// install event; the store itself is idempotent to open twice, so a caller
// that already opened it elsewhere may call Install again harmlessly.
func (c *Controller) Install() error {
	return c.store.Open()
}

// Activate resumes every persisted upload still marked in_progress. Called
// once at process start, before the message bus accepts connections.
func (c *Controller) Activate() error {
	return c.resumeMatching(uploadmodel.StatusInProgress)
}

// Online additionally resumes paused uploads. Called once Activate has run
// and, in the browser original, once network connectivity is observed;
// here it doubles as the resume pass a reachability poller would trigger
// after a period offline.
func (c *Controller) Online() error {
	return c.resumeMatching(uploadmodel.StatusInProgress, uploadmodel.StatusPaused)
}

func (c *Controller) resumeMatching(statuses ...uploadmodel.Status) error {
	want := make(map[uploadmodel.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	states, err := c.store.LoadAllUploadStates()
	if err != nil {
		return err
	}

	for _, state := range states {
		if !want[state.Status] {
			continue
		}
		if err := c.engine.Resume(state.ContentID); err != nil {
			c.logger.Warnf("lifecycle: resume %s failed: %v", state.ContentID, err)
		}
	}
	return nil
}
