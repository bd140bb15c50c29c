package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	golog "github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/upload-worker/internal/bus"
	"github.com/streamvault/upload-worker/internal/config"
	"github.com/streamvault/upload-worker/internal/controlplane"
	"github.com/streamvault/upload-worker/internal/store"
	"github.com/streamvault/upload-worker/internal/telemetry"
)

// recordingBus captures every broadcast event for assertions and lets tests
// block until a given event type arrives.
type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
	waitCh chan bus.Event
}

func newRecordingBus() *recordingBus {
	return &recordingBus{waitCh: make(chan bus.Event, 256)}
}

func (r *recordingBus) Broadcast(e bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.waitCh <- e
}

func (r *recordingBus) waitFor(t *testing.T, eventType string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.waitCh:
			if e["type"] == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", eventType)
		}
	}
}

// fakeServer implements the five control-plane endpoints and the part PUT
// target entirely in memory, tracking accepted parts per upload.
type fakeServer struct {
	mu           sync.Mutex
	partsSeen    map[int]bool
	putCalls     int
	failPartOnce map[int]int // remaining failures to inject before succeeding
}

func newFakeServer() *fakeServer {
	return &fakeServer{partsSeen: make(map[int]bool), failPartOnce: make(map[int]int)}
}

func (f *fakeServer) router(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/multipart/initiate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"uploadId": "upload-1",
			"key":      "key-1",
			"content":  map[string]string{"id": "content-1"},
		})
	})
	mux.HandleFunc("/upload/multipart/signed-url", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PartNumber int `json:"partNumber"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"partNumber": req.PartNumber,
			"signedUrl":  fmt.Sprintf("%s/parts/%d", testServerURL, req.PartNumber),
		})
	})
	mux.HandleFunc("/upload/multipart/list-parts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"parts": []any{}})
	})
	mux.HandleFunc("/upload/multipart/complete", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"location": "https://cdn.example.com/key-1"})
	})
	mux.HandleFunc("/upload/multipart/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/parts/", func(w http.ResponseWriter, r *http.Request) {
		var partNumber int
		fmt.Sscanf(r.URL.Path, "/parts/%d", &partNumber)

		f.mu.Lock()
		f.putCalls++
		remaining := f.failPartOnce[partNumber]
		if remaining > 0 {
			f.failPartOnce[partNumber] = remaining - 1
			f.mu.Unlock()
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.partsSeen[partNumber] = true
		f.mu.Unlock()

		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, partNumber))
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// testServerURL is set once the httptest server starts so the signed-url
// handler above can reference it; a package-level var is the simplest way
// to thread it through the closures defined in router().
var testServerURL string

func newTestEngine(t *testing.T, fake *fakeServer) (*Engine, *recordingBus, string) {
	t.Helper()

	server := httptest.NewServer(fake.router(t))
	t.Cleanup(server.Close)
	testServerURL = server.URL

	cpConfig := controlplane.DefaultConfig()
	cpConfig.APIBaseURL = server.URL
	cpConfig.AccessToken = "token"
	cpConfig.RetryDelay = 10 * time.Millisecond
	cp := controlplane.New(cpConfig, golog.NewLogger())

	st := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, st.Open())
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.PartSizeBytes = 10
	cfg.MaxConcurrentUploads = 2
	cfg.MaxGlobalConcurrentUploads = 4
	cfg.Retry.Attempts = 3
	cfg.Retry.DelayMS = 10
	cfg.Acceleration.Enabled = false

	tracker := telemetry.Tracker{}

	b := newRecordingBus()
	eng := New(st, cp, b, tracker, golog.NewLogger(), cfg)

	return eng, b, server.URL
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestHappyPathSmallFile(t *testing.T) {
	fake := newFakeServer()
	eng, b, _ := newTestEngine(t, fake)

	path := writeTempFile(t, 25) // 25 bytes, part size 10 -> 3 parts

	start := map[string]interface{}{
		"type":     bus.CommandStartUpload,
		"file":     path,
		"fileType": "video/mp4",
	}
	raw, _ := json.Marshal(start)
	eng.HandleCommand("client-1", bus.CommandStartUpload, raw)

	b.waitFor(t, bus.EventInitiateUploadResponse)
	b.waitFor(t, bus.EventUploadComplete)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.partsSeen, 3)
}

func TestTransientFailureRetriesPart(t *testing.T) {
	fake := newFakeServer()
	fake.failPartOnce[2] = 2
	eng, b, _ := newTestEngine(t, fake)

	path := writeTempFile(t, 25)
	raw, _ := json.Marshal(map[string]interface{}{"file": path, "fileType": "video/mp4"})
	eng.HandleCommand("client-1", bus.CommandStartUpload, raw)

	retries := 0
	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case e := <-b.waitCh:
			if e["type"] == bus.EventRetryingChunk {
				retries++
			}
			if e["type"] == bus.EventUploadComplete {
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}
	require.Equal(t, 2, retries)
}

func TestPauseThenResumeUploadsOnlyRemainingParts(t *testing.T) {
	fake := newFakeServer()
	eng, b, _ := newTestEngine(t, fake)

	path := writeTempFile(t, 50) // 5 parts of size 10

	raw, _ := json.Marshal(map[string]interface{}{"file": path, "fileType": "video/mp4"})
	eng.HandleCommand("client-1", bus.CommandStartUpload, raw)

	initiate := b.waitFor(t, bus.EventInitiateUploadResponse)
	contentID := initiate["contentId"].(string)

	pauseRaw, _ := json.Marshal(map[string]interface{}{"contentId": contentID})
	eng.HandleCommand("client-1", bus.CommandPauseUpload, pauseRaw)
	b.waitFor(t, bus.EventUploadPaused)

	require.Eventually(t, func() bool { return eng.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)

	eng.HandleCommand("client-1", bus.CommandResumeUpload, pauseRaw)
	b.waitFor(t, bus.EventUploadComplete)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.partsSeen, 5)
}

func TestCancelUploadPurgesPersistedState(t *testing.T) {
	fake := newFakeServer()
	eng, b, _ := newTestEngine(t, fake)

	path := writeTempFile(t, 50)
	raw, _ := json.Marshal(map[string]interface{}{"file": path, "fileType": "video/mp4"})
	eng.HandleCommand("client-1", bus.CommandStartUpload, raw)

	initiate := b.waitFor(t, bus.EventInitiateUploadResponse)
	contentID := initiate["contentId"].(string)

	cancelRaw, _ := json.Marshal(map[string]interface{}{"contentId": contentID})
	eng.HandleCommand("client-1", bus.CommandCancelUpload, cancelRaw)
	b.waitFor(t, bus.EventUploadCancelled)

	_, err := eng.store.LoadUploadState(contentID)
	require.Error(t, err)
}

func TestGetActiveUploadsResumesPausedUploadExactlyOnce(t *testing.T) {
	fake := newFakeServer()
	eng, b, _ := newTestEngine(t, fake)

	path := writeTempFile(t, 50) // 5 parts of size 10
	raw, _ := json.Marshal(map[string]interface{}{"file": path, "fileType": "video/mp4"})
	eng.HandleCommand("client-1", bus.CommandStartUpload, raw)

	initiate := b.waitFor(t, bus.EventInitiateUploadResponse)
	contentID := initiate["contentId"].(string)

	pauseRaw, _ := json.Marshal(map[string]interface{}{"contentId": contentID})
	eng.HandleCommand("client-1", bus.CommandPauseUpload, pauseRaw)
	b.waitFor(t, bus.EventUploadPaused)
	require.Eventually(t, func() bool { return eng.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)

	eng.HandleCommand("client-1", bus.CommandGetActiveUploads, nil)
	status := b.waitFor(t, bus.EventUploadStatus)
	require.Equal(t, contentID, status["contentId"])
	update := b.waitFor(t, bus.EventUploadsUpdate)
	require.EqualValues(t, 1, update["count"])

	// A second GET_ACTIVE_UPLOADS arriving while the resumed drive is
	// still in flight must not start a second concurrent drive for the
	// same upload: Resume no-ops once the content ID is back in the
	// active registry.
	eng.HandleCommand("client-1", bus.CommandGetActiveUploads, nil)
	update2 := b.waitFor(t, bus.EventUploadsUpdate)
	require.EqualValues(t, 1, update2["count"])

	b.waitFor(t, bus.EventUploadComplete)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.partsSeen, 5)
	require.Equal(t, 5, fake.putCalls, "each part must be PUT exactly once across both GET_ACTIVE_UPLOADS calls")
}

func TestGetUploadStatusNotFound(t *testing.T) {
	fake := newFakeServer()
	eng, b, _ := newTestEngine(t, fake)

	raw, _ := json.Marshal(map[string]interface{}{"contentId": "missing"})
	eng.HandleCommand("client-1", bus.CommandGetUploadStatus, raw)

	status := b.waitFor(t, bus.EventUploadStatus)
	require.Equal(t, "not_found", status["status"])
}
