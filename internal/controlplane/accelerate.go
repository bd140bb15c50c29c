package controlplane

import (
	"net/url"
	"regexp"
)

// AccelerationConfig controls whether the transfer-acceleration endpoint
// substitution described in the control-plane component is applied.
type AccelerationConfig struct {
	Enabled         bool
	MinSizeBytes    int64
	DefaultEndpoint string
}

const bytesPerMiB = 1024 * 1024

// DefaultAccelerationConfig matches S3_TRANSFER_ACCELERATION defaults.
func DefaultAccelerationConfig() AccelerationConfig {
	return AccelerationConfig{
		Enabled:      true,
		MinSizeBytes: 512 * bytesPerMiB,
	}
}

var s3HostPattern = regexp.MustCompile(`^s3[.-][a-z0-9-]+\.amazonaws\.com$`)

// ShouldAccelerate reports whether part PUT URLs should be rewritten to
// target endpoint, per the rule: acceleration must be enabled, the server
// must have granted an endpoint, and fileSize must meet the threshold.
func (c AccelerationConfig) ShouldAccelerate(fileSize int64, grantedEndpoint string) bool {
	return c.Enabled && grantedEndpoint != "" && fileSize >= c.MinSizeBytes
}

// RewriteForAcceleration substitutes the standard s3.<region>.amazonaws.com
// host component of rawURL with endpoint. Idempotent: an already-rewritten
// URL either no longer matches s3HostPattern and is returned unchanged, or
// (as with s3-accelerate.amazonaws.com, which the pattern also matches) has
// its host set to the same endpoint again.
func RewriteForAcceleration(rawURL, endpoint string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if !s3HostPattern.MatchString(parsed.Host) {
		return rawURL, nil
	}
	parsed.Host = endpoint
	return parsed.String(), nil
}
