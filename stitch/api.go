// Package stitch assembles large objects from many small fragments stored
// in an object store.
//
// Fragments arrive asynchronously under a source prefix. A small JSON
// manifest declares how many fragments a batch expects and where the
// assembled object should land. Once every fragment is present, the batch
// is chunked into groups that fit the store's multipart limits and each
// group is assembled with a multipart upload: fragments large enough to be
// referenced in place are copied server-side, the remainder are downloaded,
// merged, and uploaded as the trailing part.
//
// When one pass cannot produce a single output, stitch writes a new
// manifest for the intermediate outputs and the next watch cycle assembles
// those, with an escalated size ceiling.
package stitch

import (
	"context"
	"io"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// Part is one object-store object holding a contiguous slice of the
// eventual final file.
//
// In job payloads a Part is encoded as a two-element JSON array
// ["key", size].
type Part struct {
	// Key is the object key within the store's bucket.
	Key string

	// Size is the object size in bytes.
	Size int64
}

// ChunkGroup is an ordered run of parts that is assembled into one output
// object.
type ChunkGroup []Part

// Size returns the total byte size of the group.
func (g ChunkGroup) Size() int64 {
	var n int64
	for _, p := range g {
		n += p.Size
	}
	return n
}

// Manifest describes an expected batch of parts.
//
// Manifests are read once per watch cycle and are never rewritten in
// place; recursion writes a new manifest for the next iteration.
type Manifest struct {
	// FileCount is the exact number of parts expected under Source.
	FileCount int `json:"fileCount"`

	// Source is the key prefix the parts arrive under (without trailing slash).
	Source string `json:"source"`

	// Target is the key of the final assembled object. It never changes
	// across iterations.
	Target string `json:"target"`

	// MaxFileSize is the ceiling for one assembled output in this pass.
	// Zero means the configured default (1 GiB).
	MaxFileSize int64 `json:"maxFileSize,omitempty"`

	// Iteration counts recursion levels. Zero for a seeded batch.
	Iteration int `json:"iteration,omitempty"`
}

// CompletedPart records one registered part of a multipart upload.
type CompletedPart struct {
	ETag       string
	PartNumber int32
}

// UploadSession tracks an in-progress multipart upload.
type UploadSession struct {
	UploadID string
	Bucket   string
	Key      string

	// Parts holds registered parts in part-number order (1-indexed, contiguous).
	Parts []CompletedPart
}

// NextPartNumber returns the part number the next registered part receives.
func (s *UploadSession) NextPartNumber() int32 {
	return int32(len(s.Parts)) + 1
}

// Job is the executor dispatch payload: assemble Parts, in order, into
// Destination.
type Job struct {
	Destination string `json:"destination"`
	Parts       []Part `json:"parts"`
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Page is one page of a prefix listing.
type Page struct {
	// Parts holds the listed objects in lexicographic key order.
	Parts []Part

	// Truncated reports whether more objects follow the last one in Parts.
	Truncated bool
}

// Store abstracts the object store that holds fragments, manifests, and
// assembled outputs. A Store is bound to a single bucket.
//
// Implementations: NewMemory (in-process) and the s3 subpackage.
type Store interface {
	// Bucket returns the bucket name the store operates on.
	Bucket() string

	// ListPage returns one page of objects under prefix whose keys sort
	// strictly after startAfter. An empty startAfter starts at the beginning.
	ListPage(ctx context.Context, prefix, startAfter string) (*Page, error)

	// Get retrieves the object at key. Returns ErrNotFound if missing.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put writes the object at key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error

	// PutIfAbsent writes the object at key only if no object exists there.
	// Returns ErrPathExists if the key is already taken.
	PutIfAbsent(ctx context.Context, key string, r io.Reader) error

	// Copy performs a store-side copy of srcKey to dstKey.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CreateMultipartUpload opens a multipart upload for key and returns its id.
	CreateMultipartUpload(ctx context.Context, key string) (string, error)

	// UploadPartCopy registers srcKey, whole, as part partNumber of the upload.
	UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int32, srcKey string) (string, error)

	// UploadPart uploads size bytes from r as part partNumber of the upload.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, r io.ReadSeeker, size int64) (string, error)

	// CompleteMultipartUpload finalizes the object from parts, in part-number order.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error

	// AbortMultipartUpload discards the upload and any registered parts.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// -----------------------------------------------------------------------------
// Dispatcher interface
// -----------------------------------------------------------------------------

// Dispatcher hands assembly jobs to whatever executes them: an in-process
// worker pool (Queue) or a remote invocation substrate (see the lambda
// subpackage). Dispatch must not block until the job completes.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}
