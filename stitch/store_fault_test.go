package stitch

import (
	"context"
	"io"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Fault-Injection Store Wrapper (test-only)
// -----------------------------------------------------------------------------
//
// faultStore wraps a Store and enables deterministic fault injection:
//   - Error injection on specific operations, optionally by key substring
//   - Call observation
//   - Listing overrides

type faultStore struct {
	Store

	mu sync.Mutex

	listErr     error
	listPage    func(prefix, startAfter string) (*Page, bool) // override when ok
	getErr      error
	getErrMatch string
	putErr      error
	putErrMatch string
	claimErr    error
	copyErr     error
	deleteErr   error
	createErr   error
	partCopyErr error
	partErr     error
	completeErr error
	abortErr    error

	listCalls     int
	putCalls      []string
	claimCalls    []string
	abortCalls    int
	completeCalls int
	partCopies    int
	partUploads   int
}

func newFaultStore(inner Store) *faultStore {
	return &faultStore{Store: inner}
}

func matches(key, match string) bool {
	return match == "" || strings.Contains(key, match)
}

func (f *faultStore) ListPage(ctx context.Context, prefix, startAfter string) (*Page, error) {
	f.mu.Lock()
	f.listCalls++
	err, override := f.listErr, f.listPage
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if override != nil {
		if page, ok := override(prefix, startAfter); ok {
			return page, nil
		}
	}
	return f.Store.ListPage(ctx, prefix, startAfter)
}

func (f *faultStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	err, match := f.getErr, f.getErrMatch
	f.mu.Unlock()

	if err != nil && matches(key, match) {
		return nil, err
	}
	return f.Store.Get(ctx, key)
}

func (f *faultStore) Put(ctx context.Context, key string, r io.Reader) error {
	f.mu.Lock()
	f.putCalls = append(f.putCalls, key)
	err, match := f.putErr, f.putErrMatch
	f.mu.Unlock()

	if err != nil && matches(key, match) {
		return err
	}
	return f.Store.Put(ctx, key, r)
}

func (f *faultStore) PutIfAbsent(ctx context.Context, key string, r io.Reader) error {
	f.mu.Lock()
	f.claimCalls = append(f.claimCalls, key)
	err := f.claimErr
	f.mu.Unlock()

	if err != nil {
		return err
	}
	return f.Store.PutIfAbsent(ctx, key, r)
}

func (f *faultStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	return f.Store.Copy(ctx, srcKey, dstKey)
}

func (f *faultStore) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.Delete(ctx, key)
}

func (f *faultStore) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.Store.CreateMultipartUpload(ctx, key)
}

func (f *faultStore) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int32, srcKey string) (string, error) {
	f.mu.Lock()
	f.partCopies++
	f.mu.Unlock()

	if f.partCopyErr != nil {
		return "", f.partCopyErr
	}
	return f.Store.UploadPartCopy(ctx, key, uploadID, partNumber, srcKey)
}

func (f *faultStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, r io.ReadSeeker, size int64) (string, error) {
	f.mu.Lock()
	f.partUploads++
	f.mu.Unlock()

	if f.partErr != nil {
		return "", f.partErr
	}
	return f.Store.UploadPart(ctx, key, uploadID, partNumber, r, size)
}

func (f *faultStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	f.mu.Lock()
	f.completeCalls++
	f.mu.Unlock()

	if f.completeErr != nil {
		return f.completeErr
	}
	return f.Store.CompleteMultipartUpload(ctx, key, uploadID, parts)
}

func (f *faultStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	f.mu.Lock()
	f.abortCalls++
	f.mu.Unlock()

	if f.abortErr != nil {
		return f.abortErr
	}
	return f.Store.AbortMultipartUpload(ctx, key, uploadID)
}
