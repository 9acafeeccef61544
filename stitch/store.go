package stitch

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
)

// defaultPageSize matches the S3 ListObjectsV2 page limit.
const defaultPageSize = 1000

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memoryUpload tracks an in-progress multipart upload.
type memoryUpload struct {
	key   string
	parts map[int32][]byte
}

// MemoryStore implements Store using in-memory maps, including multipart
// uploads and conditional writes.
//
// Consistency: Immediate.
// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	bucket   string
	data     map[string][]byte
	uploads  map[string]*memoryUpload
	uploadID int
	pageSize int
}

// NewMemory creates an empty in-memory Store named "memory".
func NewMemory() *MemoryStore {
	return &MemoryStore{
		bucket:   "memory",
		data:     make(map[string][]byte),
		uploads:  make(map[string]*memoryUpload),
		pageSize: defaultPageSize,
	}
}

// SetPageSize sets the maximum number of objects ListPage returns.
// Values below 1 restore the default.
func (m *MemoryStore) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 1 {
		n = defaultPageSize
	}
	m.pageSize = n
}

// Uploads returns the ids of multipart uploads that are still open.
func (m *MemoryStore) Uploads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.uploads))
	for id := range m.uploads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *MemoryStore) Bucket() string { return m.bucket }

func (m *MemoryStore) ListPage(_ context.Context, prefix, startAfter string) (*Page, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, normalized) && key > startAfter {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	page := &Page{}
	if len(keys) > m.pageSize {
		keys = keys[:m.pageSize]
		page.Truncated = true
	}
	for _, key := range keys {
		page.Parts = append(page.Parts, Part{Key: key, Size: int64(len(m.data[key]))})
	}
	return page, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	normalized, valid := normalizePathForFile(key)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader) error {
	return m.put(key, r, false)
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, key string, r io.Reader) error {
	return m.put(key, r, true)
}

func (m *MemoryStore) put(key string, r io.Reader, ifAbsent bool) error {
	normalized, valid := normalizePathForFile(key)
	if !valid {
		return ErrInvalidPath
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[normalized]; exists && ifAbsent {
		return ErrPathExists
	}
	m.data[normalized] = data
	return nil
}

func (m *MemoryStore) Copy(_ context.Context, srcKey, dstKey string) error {
	src, valid := normalizePathForFile(srcKey)
	if !valid {
		return ErrInvalidPath
	}
	dst, valid := normalizePathForFile(dstKey)
	if !valid {
		return ErrInvalidPath
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.data[src]
	if !exists {
		return ErrNotFound
	}
	m.data[dst] = bytes.Clone(data)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	normalized, valid := normalizePathForFile(key)
	if !valid {
		return ErrInvalidPath
	}

	m.mu.Lock()
	delete(m.data, normalized)
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) CreateMultipartUpload(_ context.Context, key string) (string, error) {
	normalized, valid := normalizePathForFile(key)
	if !valid {
		return "", ErrInvalidPath
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploadID++
	id := fmt.Sprintf("upload-%d", m.uploadID)
	m.uploads[id] = &memoryUpload{key: normalized, parts: make(map[int32][]byte)}
	return id, nil
}

func (m *MemoryStore) UploadPartCopy(_ context.Context, key, uploadID string, partNumber int32, srcKey string) (string, error) {
	src, valid := normalizePathForFile(srcKey)
	if !valid {
		return "", ErrInvalidPath
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	upload, err := m.upload(key, uploadID, partNumber)
	if err != nil {
		return "", err
	}
	data, exists := m.data[src]
	if !exists {
		return "", ErrNotFound
	}
	upload.parts[partNumber] = bytes.Clone(data)
	return etagOf(data), nil
}

func (m *MemoryStore) UploadPart(_ context.Context, key, uploadID string, partNumber int32, r io.ReadSeeker, size int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("upload part %d: read %d bytes, want %d", partNumber, len(data), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	upload, err := m.upload(key, uploadID, partNumber)
	if err != nil {
		return "", err
	}
	upload.parts[partNumber] = data
	return etagOf(data), nil
}

func (m *MemoryStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	upload, exists := m.uploads[uploadID]
	if !exists || upload.key != key {
		return fmt.Errorf("complete %q: no such upload %s", key, uploadID)
	}
	if len(parts) == 0 {
		return fmt.Errorf("complete %q: no parts", key)
	}

	var assembled []byte
	for i, p := range parts {
		if p.PartNumber != int32(i+1) {
			return fmt.Errorf("complete %q: part %d out of order at position %d", key, p.PartNumber, i)
		}
		data, ok := upload.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("complete %q: part %d not uploaded", key, p.PartNumber)
		}
		if etagOf(data) != p.ETag {
			return fmt.Errorf("complete %q: part %d etag mismatch", key, p.PartNumber)
		}
		assembled = append(assembled, data...)
	}

	m.data[upload.key] = assembled
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStore) AbortMultipartUpload(_ context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	upload, exists := m.uploads[uploadID]
	if !exists || upload.key != key {
		return fmt.Errorf("abort %q: no such upload %s", key, uploadID)
	}
	delete(m.uploads, uploadID)
	return nil
}

// upload returns the open upload for key. Caller must hold m.mu.
func (m *MemoryStore) upload(key, uploadID string, partNumber int32) (*memoryUpload, error) {
	upload, exists := m.uploads[uploadID]
	if !exists || upload.key != key {
		return nil, fmt.Errorf("upload %s for %q not found", uploadID, key)
	}
	if partNumber < 1 || partNumber > 10000 {
		return nil, fmt.Errorf("part number %d out of range", partNumber)
	}
	return upload, nil
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func normalizePathForFile(p string) (string, bool) {
	if p == "" {
		return "", false
	}

	cleaned := strings.TrimPrefix(path.Clean(p), "/")
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." || cleaned == "" {
		return "", false
	}
	return cleaned, true
}

// normalizePathForPrefix validates a listing prefix. A trailing slash is
// kept, since "src/" and "src" select different keys.
func normalizePathForPrefix(p string) (string, bool) {
	if p == "" {
		return "", true
	}

	cleaned := strings.TrimPrefix(path.Clean(p), "/")
	if cleaned == "." || cleaned == "" {
		return "", true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	if strings.HasSuffix(p, "/") {
		cleaned += "/"
	}
	return cleaned, true
}
