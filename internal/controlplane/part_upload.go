package controlplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/streamvault/upload-worker/internal/errs"
)

// UploadPart PUTs chunk bytes to a signed URL and returns the ETag with
// surrounding quotes stripped. This is a single attempt; the caller (the
// upload engine's part driver) owns the retry/backoff loop and the
// RETRYING_CHUNK event emission, since only it knows the part number's
// remaining attempt budget. Each attempt runs under its own
// context.WithTimeout(ctx, config.Timeout) so a hung server response
// cannot block a part forever without ever reaching a retry decision.
func (c *Client) UploadPart(ctx context.Context, signedURL string, chunk []byte, partNumber int) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, signedURL, bytes.NewReader(chunk))
	if err != nil {
		return "", errs.New(errs.Fatal, partNumber, fmt.Errorf("build part request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(chunk))

	// The plain underlying client, not StandardClient(): the latter would
	// run retryablehttp's own retry loop and hide retryable statuses from
	// the caller.
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The upload's own context was cancelled or paused; the
			// per-request deadline above is irrelevant here.
			return "", errs.New(errs.Cancelled, partNumber, ctx.Err())
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return "", errs.New(errs.Retryable, partNumber, fmt.Errorf("part %d timed out after %s: %w", partNumber, c.config.Timeout, err))
		}
		return "", errs.New(errs.Retryable, partNumber, fmt.Errorf("put part: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := errs.Fatal
		if c.config.StatusCodes[resp.StatusCode] {
			kind = errs.Retryable
		}
		return "", errs.New(kind, partNumber, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, body))
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", errs.New(errs.Protocol, partNumber, fmt.Errorf("no ETag in response"))
	}
	return etag, nil
}
