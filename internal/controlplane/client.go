// Package controlplane implements the thin request layer over the app
// server's multipart-upload endpoints and the object store's part PUT
// endpoint: timeout, retry classification, and acceleration URL rewriting.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/streamvault/upload-worker/internal/errs"
)

// Config configures the client's retry and timeout behavior, matching the
// RETRY.* and API_* options of the worker configuration.
type Config struct {
	APIBaseURL  string
	AccessToken string
	Timeout     time.Duration

	RetryAttempts int
	RetryDelay    time.Duration
	MaxDelay      time.Duration
	JitterFactor  float64
	StatusCodes   map[int]bool

	Acceleration AccelerationConfig
}

// DefaultConfig mirrors the defaults listed in the configuration table.
func DefaultConfig() Config {
	return Config{
		Timeout:       180 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1000 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterFactor:  0.2,
		StatusCodes: map[int]bool{
			408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
		},
		Acceleration: DefaultAccelerationConfig(),
	}
}

// Client is the control-plane HTTP client. One instance is shared across
// all uploads.
type Client struct {
	http   *retryablehttp.Client
	config Config
	logger log.Logger
}

// New builds a Client whose retry policy matches the status-code set and
// transport/timeout classification of the configured retry policy.
func New(config Config, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = config.RetryAttempts
	httpClient.RetryWaitMin = config.RetryDelay
	httpClient.RetryWaitMax = config.MaxDelay
	httpClient.CheckRetry = retryPolicy(config, logger)
	// Backstop in case a caller ever does construct a request without a
	// deadline of its own; every call site below still derives its own
	// per-request context.WithTimeout(ctx, config.Timeout).
	httpClient.HTTPClient.Timeout = config.Timeout

	return &Client{http: httpClient, config: config, logger: logger}
}

func retryPolicy(config Config, logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			logger.Debugf("controlplane: transport error, retrying: %v", err)
			return true, nil
		}
		if resp != nil && config.StatusCodes[resp.StatusCode] {
			logger.Debugf("controlplane: status %d is retryable", resp.StatusCode)
			return true, nil
		}
		return false, nil
	}
}

// Backoff returns the delay before attempt k (1-based), matching
// min(RETRY.DELAY * 2^(k-1), MAX_DELAY).
func (c *Client) Backoff(attempt int) time.Duration {
	delay := c.config.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > c.config.MaxDelay {
		delay = c.config.MaxDelay
	}
	return delay
}

type fileMeta struct {
	FileName        string `json:"fileName"`
	FileType        string `json:"fileType"`
	Size            int64  `json:"size"`
	Duration        int    `json:"duration"`
	UseAcceleration bool   `json:"useAcceleration"`
}

// InitiateResult is the response from initiateMultipartUpload.
type InitiateResult struct {
	UploadID             string
	Key                  string
	ContentID            string
	AccelerationEndpoint string
}

type initiateResponse struct {
	UploadID             string  `json:"uploadId"`
	Key                  string  `json:"key"`
	Content              content `json:"content"`
	AccelerationEndpoint *string `json:"accelerationEndpoint,omitempty"`
}

type content struct {
	ID string `json:"id"`
}

// InitiateMultipartUpload starts a multipart upload session. A failure is
// always Fatal: no local state is created and the command fails outright.
func (c *Client) InitiateMultipartUpload(ctx context.Context, fileName, fileType string, size int64, duration int, useAcceleration bool) (*InitiateResult, error) {
	var resp initiateResponse
	err := c.post(ctx, "/upload/multipart/initiate", fileMeta{
		FileName:        fileName,
		FileType:        fileType,
		Size:            size,
		Duration:        duration,
		UseAcceleration: useAcceleration,
	}, &resp)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, fmt.Errorf("initiate multipart upload: %w", err))
	}

	return &InitiateResult{
		UploadID:             resp.UploadID,
		Key:                  resp.Key,
		ContentID:            resp.Content.ID,
		AccelerationEndpoint: aws.ToString(resp.AccelerationEndpoint),
	}, nil
}

type signedURLRequest struct {
	PartNumber      int    `json:"partNumber"`
	UploadID        string `json:"uploadId"`
	Key             string `json:"key"`
	UseAcceleration bool   `json:"useAcceleration"`
}

type signedURLResponse struct {
	PartNumber int    `json:"partNumber"`
	SignedURL  string `json:"signedUrl"`
}

// GetSignedURL returns a pre-signed PUT URL for one part.
func (c *Client) GetSignedURL(ctx context.Context, key, uploadID string, partNumber int, useAcceleration bool) (string, error) {
	var resp signedURLResponse
	err := c.post(ctx, "/upload/multipart/signed-url", signedURLRequest{
		PartNumber:      partNumber,
		UploadID:        uploadID,
		Key:             key,
		UseAcceleration: useAcceleration,
	}, &resp)
	if err != nil {
		return "", errs.Wrap(errs.Retryable, fmt.Errorf("get signed url for part %d: %w", partNumber, err))
	}
	return resp.SignedURL, nil
}

type completeRequest struct {
	Key             string     `json:"key"`
	UploadID        string     `json:"uploadId"`
	ContentID       string     `json:"contentId"`
	Parts           []partJSON `json:"parts"`
	UseAcceleration bool       `json:"useAcceleration"`
}

type partJSON struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
	Size       int64  `json:"size,omitempty"`
}

type completeResponse struct {
	Location string `json:"location"`
}

// CompleteRequestPart is the wire shape of one completed part passed to
// CompleteMultipartUpload.
type CompleteRequestPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// CompleteMultipartUpload finalizes the upload. Failure is Fatal; on
// failure the upload remains in_progress from the server's perspective and
// the next resume reconciles via ListUploadedParts.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID, contentID string, parts []CompleteRequestPart, useAcceleration bool) (string, error) {
	wireParts := make([]partJSON, len(parts))
	for i, p := range parts {
		wireParts[i] = partJSON{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
	}

	var resp completeResponse
	err := c.post(ctx, "/upload/multipart/complete", completeRequest{
		Key:             key,
		UploadID:        uploadID,
		ContentID:       contentID,
		Parts:           wireParts,
		UseAcceleration: useAcceleration,
	}, &resp)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, fmt.Errorf("complete multipart upload: %w", err))
	}
	return resp.Location, nil
}

type cancelRequest struct {
	Key             string `json:"key"`
	UploadID        string `json:"uploadId"`
	ContentID       string `json:"contentId"`
	UseAcceleration bool   `json:"useAcceleration"`
}

// CancelUpload aborts server-side. Best-effort: callers should log failure
// without treating it as fatal to local teardown.
func (c *Client) CancelUpload(ctx context.Context, key, uploadID, contentID string, useAcceleration bool) error {
	err := c.post(ctx, "/upload/multipart/cancel", cancelRequest{
		Key:             key,
		UploadID:        uploadID,
		ContentID:       contentID,
		UseAcceleration: useAcceleration,
	}, nil)
	if err != nil {
		return errs.Wrap(errs.Retryable, fmt.Errorf("cancel upload: %w", err))
	}
	return nil
}

type listPartsRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

type listPartsResponse struct {
	Parts []partJSON `json:"parts"`
}

// ListUploadedParts returns the parts the server has accepted so far.
func (c *Client) ListUploadedParts(ctx context.Context, key, uploadID string) ([]CompleteRequestPart, error) {
	var resp listPartsResponse
	err := c.post(ctx, "/upload/multipart/list-parts", listPartsRequest{Key: key, UploadID: uploadID}, &resp)
	if err != nil {
		return nil, errs.Wrap(errs.Retryable, fmt.Errorf("list uploaded parts: %w", err))
	}

	parts := make([]CompleteRequestPart, len(resp.Parts))
	for i, p := range resp.Parts {
		parts[i] = CompleteRequestPart{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
	}
	return parts, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	url := c.config.APIBaseURL + path
	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, url, data)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("request to %s timed out after %s: %w", path, c.config.Timeout, err)
		}
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	c.logDump(path, req.Request, resp, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errBody)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) logDump(path string, req *http.Request, resp *http.Response, elapsed time.Duration) {
	c.logger.Debugf("controlplane: %s %s -> %d in %s", req.Method, path, resp.StatusCode, elapsed.Round(time.Millisecond))
	if dump, err := httputil.DumpResponse(resp, false); err == nil {
		c.logger.Debugf("controlplane: response headers: %s", bytes.TrimSpace(dump))
	}
}
