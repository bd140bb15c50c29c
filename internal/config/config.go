// Package config loads and validates the worker's configuration: a YAML
// file layered with environment variable overrides, exactly as the
// original cache steps read Bitrise secrets through an injected
// env.Repository rather than os.Getenv directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"gopkg.in/yaml.v3"
)

// RetryConfig mirrors the RETRY.* configuration options.
type RetryConfig struct {
	Attempts     int     `yaml:"attempts"`
	DelayMS      int     `yaml:"delayMs"`
	MaxDelayMS   int     `yaml:"maxDelayMs"`
	JitterFactor float64 `yaml:"jitterFactor"`
}

// AccelerationConfig mirrors the S3_TRANSFER_ACCELERATION.* options.
type AccelerationConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MinSizeBytes    int64  `yaml:"minSizeBytes"`
	DefaultEndpoint string `yaml:"defaultEndpoint"`
}

// Config is the fully resolved worker configuration.
type Config struct {
	PartSizeBytes        int64              `yaml:"partSizeBytes"`
	MaxConcurrentUploads int                `yaml:"maxConcurrentUploads"`
	APIBaseURL           string             `yaml:"apiBaseUrl"`
	APIAccessToken       string             `yaml:"-"`
	APITimeout           time.Duration      `yaml:"-"`
	APITimeoutSeconds    int                `yaml:"apiTimeoutSeconds"`
	MaxFileSizeBytes     int64              `yaml:"maxFileSizeBytes"`
	AllowedFileTypes     []string           `yaml:"allowedFileTypes"`
	Retry                RetryConfig        `yaml:"retry"`
	Acceleration         AccelerationConfig `yaml:"acceleration"`

	// Daemon-only additions, not present in the browser-worker source.
	ListenAddr string `yaml:"listenAddr"`
	StorePath  string `yaml:"storePath"`

	MaxGlobalConcurrentUploads int `yaml:"maxGlobalConcurrentUploads"`
}

// Default returns the configuration table's documented defaults.
func Default() Config {
	return Config{
		PartSizeBytes:        10 * 1024 * 1024,
		MaxConcurrentUploads: 5,
		APIBaseURL:           "/api",
		APITimeoutSeconds:    180,
		APITimeout:           180 * time.Second,
		MaxFileSizeBytes:     10 * 1024 * 1024 * 1024,
		AllowedFileTypes:     []string{"video/mp4", "video/quicktime", "video/x-msvideo"},
		Retry: RetryConfig{
			Attempts:     3,
			DelayMS:      1000,
			MaxDelayMS:   30000,
			JitterFactor: 0.2,
		},
		Acceleration: AccelerationConfig{
			Enabled:      true,
			MinSizeBytes: 512 * 1024 * 1024,
		},
		ListenAddr:                 ":8080",
		StorePath:                  "uploadserviceworker.db",
		MaxGlobalConcurrentUploads: 20,
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment overrides through envRepo, and validates the result.
func Load(path string, envRepo env.Repository) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg, envRepo)
	cfg.APITimeout = time.Duration(cfg.APITimeoutSeconds) * time.Second

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, envRepo env.Repository) {
	if v := envRepo.Get("UPLOAD_WORKER_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := envRepo.Get("UPLOAD_WORKER_API_ACCESS_TOKEN"); v != "" {
		cfg.APIAccessToken = v
	}
	if v := envRepo.Get("UPLOAD_WORKER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := envRepo.Get("UPLOAD_WORKER_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := envRepo.Get("UPLOAD_WORKER_PART_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.PartSizeBytes = n
		}
	}
	if v := envRepo.Get("UPLOAD_WORKER_MAX_CONCURRENT_UPLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentUploads = n
		}
	}
}

// Validate checks that apiBaseUrl and the API access token are set and
// that partSizeBytes, maxConcurrentUploads and retry.attempts are
// positive. Other fields are not checked.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("apiBaseUrl must not be empty")
	}
	if c.APIAccessToken == "" {
		return fmt.Errorf("the environment variable UPLOAD_WORKER_API_ACCESS_TOKEN is not defined")
	}
	if c.PartSizeBytes <= 0 {
		return fmt.Errorf("partSizeBytes must be positive")
	}
	if c.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("maxConcurrentUploads must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive")
	}
	return nil
}
