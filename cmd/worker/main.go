// Command worker runs the resumable multipart upload daemon: a WebSocket
// message bus for foreground clients, an in-memory upload engine, and a
// durable bbolt-backed store that survives process restarts.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"

	"github.com/streamvault/upload-worker/internal/bus"
	"github.com/streamvault/upload-worker/internal/config"
	"github.com/streamvault/upload-worker/internal/controlplane"
	"github.com/streamvault/upload-worker/internal/engine"
	"github.com/streamvault/upload-worker/internal/lifecycle"
	"github.com/streamvault/upload-worker/internal/store"
	"github.com/streamvault/upload-worker/internal/telemetry"
)

// reachabilityPollInterval mirrors the one-second cadence of the teacher's
// detectHungUpload ticker, but at a coarser period since it's polling a
// whole API host rather than one in-flight request.
const reachabilityPollInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the worker YAML config file")
	flag.Parse()

	logger := log.NewLogger()
	envRepo := env.NewRepository()

	cfg, err := config.Load(*configPath, envRepo)
	if err != nil {
		logger.Errorf("worker: load config: %v", err)
		os.Exit(1)
	}

	st := store.New(cfg.StorePath)
	if err := st.Open(); err != nil {
		logger.Errorf("worker: open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	cp := controlplane.New(controlplane.Config{
		APIBaseURL:    cfg.APIBaseURL,
		AccessToken:   cfg.APIAccessToken,
		Timeout:       cfg.APITimeout,
		RetryAttempts: cfg.Retry.Attempts,
		RetryDelay:    time.Duration(cfg.Retry.DelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		JitterFactor:  cfg.Retry.JitterFactor,
		StatusCodes: map[int]bool{
			408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
		},
		Acceleration: controlplane.AccelerationConfig{
			Enabled:      cfg.Acceleration.Enabled,
			MinSizeBytes: cfg.Acceleration.MinSizeBytes,
		},
	}, logger)

	tracker := telemetry.New(envRepo, logger)
	defer tracker.Wait()

	var hub *bus.Hub
	eng := engine.New(st, cp, hubBroadcaster{&hub}, tracker, logger, cfg)
	hub = bus.NewHub(logger, eng)

	lc := lifecycle.New(st, eng, logger)
	if err := lc.Install(); err != nil {
		logger.Errorf("worker: lifecycle install: %v", err)
		os.Exit(1)
	}
	if err := lc.Activate(); err != nil {
		logger.Warnf("worker: lifecycle activate: %v", err)
	}

	shutdownCtx, stopPoller := context.WithCancel(context.Background())
	defer stopPoller()
	go pollReachability(shutdownCtx, cfg.APIBaseURL, lc, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", func(c *gin.Context) { hub.ServeHTTP(c.Writer, c.Request) })
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "activeUploads": eng.ActiveCount()})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	go func() {
		logger.Infof("worker: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("worker: listen: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("worker: shutdown signal received, pausing active uploads")

	eng.PauseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("worker: server shutdown: %v", err)
	}
}

// onliner is the subset of *lifecycle.Controller pollReachability needs.
type onliner interface {
	Online() error
}

// pollReachability is the daemon's network-online signal: the browser
// original reacts to the window "online" event, so here a ticker dials the
// API host every reachabilityPollInterval, and Online fires once on every
// offline-to-online edge.
func pollReachability(ctx context.Context, apiBaseURL string, lc onliner, logger log.Logger) {
	host := apiHost(apiBaseURL)
	if host == "" {
		return
	}

	ticker := time.NewTicker(reachabilityPollInterval)
	defer ticker.Stop()

	wasReachable := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reachable := isReachable(host)
			if reachable && !wasReachable {
				logger.Infof("worker: network reachable again, resuming paused uploads")
				if err := lc.Online(); err != nil {
					logger.Warnf("worker: lifecycle online: %v", err)
				}
			}
			wasReachable = reachable
		}
	}
}

// apiHost resolves apiBaseURL to a dialable host:port, defaulting the port
// from the scheme when the URL doesn't name one explicitly. Returns "" for
// a relative or unparsable base URL, in which case pollReachability never
// fires and the daemon relies on Activate's boot-time resume alone.
func apiHost(apiBaseURL string) string {
	parsed, err := url.Parse(apiBaseURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	if parsed.Port() != "" {
		return parsed.Host
	}
	port := "80"
	if parsed.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(parsed.Hostname(), port)
}

func isReachable(host string) bool {
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// hubBroadcaster defers to the hub pointer assigned after New returns,
// breaking the construction cycle between Engine (needs a Broadcaster) and
// Hub (needs a CommandHandler, which the Engine is).
type hubBroadcaster struct {
	hub **bus.Hub
}

func (h hubBroadcaster) Broadcast(event bus.Event) {
	(*h.hub).Broadcast(event)
}
