// Package errs defines the tagged error kinds shared by every layer of the
// upload worker, from the control-plane client down to the part driver.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions. Never compare Kind values
// with anything other than ==; the set is closed.
type Kind int

const (
	// Fatal errors are non-recoverable at the current layer.
	Fatal Kind = iota
	// Retryable errors are transport, timeout, or retry-status-coded.
	Retryable
	// Protocol errors are malformed or missing data in an otherwise
	// successful response (a missing ETag, an unparsable body).
	Protocol
	// Storage errors come from the persistence store.
	Storage
	// Cancelled distinguishes cancel-token cancellation from failure.
	// Never retried, never surfaced as UPLOAD_ERROR.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case Retryable:
		return "retryable"
	case Protocol:
		return "protocol"
	case Storage:
		return "storage"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// UploadError is a part-specific failure. PartNumber is 0 when the failure
// is not attributable to a single part.
type UploadError struct {
	Kind       Kind
	PartNumber int
	Err        error
}

func (e *UploadError) Error() string {
	if e.PartNumber > 0 {
		return fmt.Sprintf("part %d: %s: %v", e.PartNumber, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind. A nil err returns nil.
func New(kind Kind, partNumber int, err error) error {
	if err == nil {
		return nil
	}
	return &UploadError{Kind: kind, PartNumber: partNumber, Err: err}
}

// Wrap is New without a part number.
func Wrap(kind Kind, err error) error {
	return New(kind, 0, err)
}

// KindOf extracts the Kind from err, defaulting to Fatal for errors that
// were never classified.
func KindOf(err error) Kind {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return Fatal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ErrNotFound is returned by the persistence store for loads that miss.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyActive is returned when a command targets an upload already
// present in the in-memory registry.
var ErrAlreadyActive = errors.New("upload already active")
