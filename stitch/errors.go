package stitch

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Sentinel errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested object does not exist.
	ErrNotFound = errNotFound{}

	// ErrPathExists indicates a conditional write found the key already taken.
	ErrPathExists = errPathExists{}

	// ErrAlreadyClaimed indicates another watch cycle already claimed the batch.
	ErrAlreadyClaimed = errAlreadyClaimed{}

	// ErrQueueClosed indicates a Dispatch on a closed Queue.
	ErrQueueClosed = errQueueClosed{}
)

// ErrInvalidPath indicates an empty key or one that escapes the bucket root.
var ErrInvalidPath = errors.New("invalid path: escapes storage root")

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errPathExists struct{}

func (errPathExists) Error() string { return "path exists" }

type errAlreadyClaimed struct{}

func (errAlreadyClaimed) Error() string { return "batch already claimed" }

type errQueueClosed struct{}

func (errQueueClosed) Error() string { return "queue closed" }

// -----------------------------------------------------------------------------
// Error taxonomy
// -----------------------------------------------------------------------------

// CatalogError reports a listing or pagination failure.
type CatalogError struct {
	Prefix string
	Err    error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("stitch: catalog %q: %v", e.Prefix, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// ConfigError reports an invalid ceiling, configuration value, or
// malformed manifest.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("stitch: config: %v", e.Err)
	}
	return fmt.Sprintf("stitch: config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// ManifestError reports a manifest that could not be read, written, or moved.
type ManifestError struct {
	Key string
	Op  string
	Err error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("stitch: manifest %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// AssemblyError reports a failed assembly: a copy, download, upload, or
// multipart session failure.
//
// UploadID is empty when no multipart session was open. Orphaned is set
// when the session could not be aborted; the upload then still exists in
// the store and must be reconciled externally.
type AssemblyError struct {
	Destination string
	UploadID    string
	Orphaned    bool
	Err         error
}

func (e *AssemblyError) Error() string {
	switch {
	case e.Orphaned:
		return fmt.Sprintf("stitch: assemble %q: upload %s orphaned: %v", e.Destination, e.UploadID, e.Err)
	case e.UploadID != "":
		return fmt.Sprintf("stitch: assemble %q (upload %s): %v", e.Destination, e.UploadID, e.Err)
	default:
		return fmt.Sprintf("stitch: assemble %q: %v", e.Destination, e.Err)
	}
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// DispatchError reports downstream work that failed to enqueue.
type DispatchError struct {
	Destination string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("stitch: dispatch %q: %v", e.Destination, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
