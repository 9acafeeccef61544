package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// multipartUpload tracks an in-progress multipart upload.
type multipartUpload struct {
	key   string
	parts map[int32][]byte
	etags map[int32]string
}

// MockS3Client is an in-memory test double for API. It models a single
// bucket; the bucket name in requests is ignored except in CopySource.
type MockS3Client struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	uploads  map[string]*multipartUpload // uploadID -> upload
	uploadID int

	// Call counters for test assertions
	PutObjectCalls               int
	CopyObjectCalls              int
	ListObjectsV2Calls           int
	CreateMultipartUploadCalls   int
	UploadPartCopyCalls          int
	UploadPartCalls              int
	CompleteMultipartUploadCalls int
	AbortMultipartUploadCalls    int

	// MaxKeys caps listing pages when the request does not. Zero means 1000.
	MaxKeys int32

	// UploadPartFailOnCall causes UploadPart to fail on the Nth call.
	// Set to 0 to disable (default). Set to 1 to fail on first part, 2 for second, etc.
	UploadPartFailOnCall int

	// UploadPartCopyFailOnCall causes UploadPartCopy to fail on the Nth call.
	UploadPartCopyFailOnCall int

	// AbortErr, when set, is returned by AbortMultipartUpload, which then
	// leaves the upload open.
	AbortErr error
}

// NewMockS3Client creates a new mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects: make(map[string][]byte),
		uploads: make(map[string]*multipartUpload),
	}
}

// Seed stores data at key directly, bypassing counters.
func (m *MockS3Client) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = bytes.Clone(data)
}

// Object returns the stored bytes at key.
func (m *MockS3Client) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// OpenUploads returns the number of multipart uploads neither completed
// nor aborted.
func (m *MockS3Client) OpenUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

// ResetCounts resets call counters for test isolation.
func (m *MockS3Client) ResetCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalls = 0
	m.CopyObjectCalls = 0
	m.ListObjectsV2Calls = 0
	m.CreateMultipartUploadCalls = 0
	m.UploadPartCopyCalls = 0
	m.UploadPartCalls = 0
	m.CompleteMultipartUploadCalls = 0
	m.AbortMultipartUploadCalls = 0
}

// PutObject implements API.PutObject for testing.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PutObjectCalls++

	// Handle If-None-Match: "*" (conditional create)
	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[key]; exists {
			return nil, &smithyAPIError{code: "PreconditionFailed", message: "object already exists"}
		}
	}

	m.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

// GetObject implements API.GetObject for testing.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.RLock()
	data, exists := m.objects[key]
	m.mu.RUnlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// CopyObject implements API.CopyObject for testing.
func (m *MockS3Client) CopyObject(_ context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	src, err := parseCopySource(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CopyObjectCalls++
	data, exists := m.objects[src]
	if !exists {
		return nil, &types.NoSuchKey{}
	}
	m.objects[aws.ToString(params.Key)] = bytes.Clone(data)
	return &s3.CopyObjectOutput{}, nil
}

// DeleteObject implements API.DeleteObject for testing.
func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()

	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 implements API.ListObjectsV2 for testing. Keys are
// returned in lexicographic order, resuming after StartAfter.
func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	startAfter := aws.ToString(params.StartAfter)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListObjectsV2Calls++

	limit := int(aws.ToInt32(params.MaxKeys))
	if limit <= 0 {
		limit = int(m.MaxKeys)
	}
	if limit <= 0 {
		limit = 1000
	}

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && key > startAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	truncated := len(keys) > limit
	if truncated {
		keys = keys[:limit]
	}

	contents := make([]types.Object, len(keys))
	for i, key := range keys {
		contents[i] = types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(m.objects[key]))),
		}
	}

	return &s3.ListObjectsV2Output{
		Contents:    contents,
		KeyCount:    aws.Int32(int32(len(contents))),
		IsTruncated: aws.Bool(truncated),
	}, nil
}

// CreateMultipartUpload implements API.CreateMultipartUpload for testing.
func (m *MockS3Client) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateMultipartUploadCalls++
	m.uploadID++
	uploadID := fmt.Sprintf("upload-%d", m.uploadID)

	m.uploads[uploadID] = &multipartUpload{
		key:   aws.ToString(params.Key),
		parts: make(map[int32][]byte),
		etags: make(map[int32]string),
	}

	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String(uploadID),
	}, nil
}

// UploadPart implements API.UploadPart for testing.
func (m *MockS3Client) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	uploadID := aws.ToString(params.UploadId)
	partNum := aws.ToInt32(params.PartNumber)

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Simulate failure on Nth call (for testing abort path)
	m.UploadPartCalls++
	if m.UploadPartFailOnCall > 0 && m.UploadPartCalls >= m.UploadPartFailOnCall {
		return nil, &smithyAPIError{code: "InternalError", message: "simulated upload part failure"}
	}

	upload, exists := m.uploads[uploadID]
	if !exists {
		return nil, &smithyAPIError{code: "NoSuchUpload", message: "upload not found"}
	}

	etag := upload.put(partNum, data)
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

// UploadPartCopy implements API.UploadPartCopy for testing.
func (m *MockS3Client) UploadPartCopy(_ context.Context, params *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	uploadID := aws.ToString(params.UploadId)
	partNum := aws.ToInt32(params.PartNumber)
	src, err := parseCopySource(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.UploadPartCopyCalls++
	if m.UploadPartCopyFailOnCall > 0 && m.UploadPartCopyCalls >= m.UploadPartCopyFailOnCall {
		return nil, &smithyAPIError{code: "InternalError", message: "simulated upload part copy failure"}
	}

	upload, exists := m.uploads[uploadID]
	if !exists {
		return nil, &smithyAPIError{code: "NoSuchUpload", message: "upload not found"}
	}
	data, exists := m.objects[src]
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	etag := upload.put(partNum, bytes.Clone(data))
	return &s3.UploadPartCopyOutput{
		CopyPartResult: &types.CopyPartResult{ETag: aws.String(etag)},
	}, nil
}

// CompleteMultipartUpload implements API.CompleteMultipartUpload for testing.
// Parts must be listed in ascending order with the ETags the mock issued.
func (m *MockS3Client) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	uploadID := aws.ToString(params.UploadId)
	key := aws.ToString(params.Key)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteMultipartUploadCalls++

	upload, exists := m.uploads[uploadID]
	if !exists {
		return nil, &smithyAPIError{code: "NoSuchUpload", message: "upload not found"}
	}
	if params.MultipartUpload == nil || len(params.MultipartUpload.Parts) == 0 {
		return nil, &smithyAPIError{code: "MalformedXML", message: "no parts"}
	}

	var assembled []byte
	var last int32
	for _, p := range params.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		if n <= last {
			return nil, &smithyAPIError{code: "InvalidPartOrder", message: "parts out of order"}
		}
		last = n
		data, ok := upload.parts[n]
		if !ok || upload.etags[n] != aws.ToString(p.ETag) {
			return nil, &smithyAPIError{code: "InvalidPart", message: fmt.Sprintf("part %d not found", n)}
		}
		assembled = append(assembled, data...)
	}

	m.objects[key] = assembled
	delete(m.uploads, uploadID)

	return &s3.CompleteMultipartUploadOutput{}, nil
}

// AbortMultipartUpload implements API.AbortMultipartUpload for testing.
func (m *MockS3Client) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	uploadID := aws.ToString(params.UploadId)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.AbortMultipartUploadCalls++
	if m.AbortErr != nil {
		return nil, m.AbortErr
	}
	delete(m.uploads, uploadID)

	return &s3.AbortMultipartUploadOutput{}, nil
}

func (u *multipartUpload) put(n int32, data []byte) string {
	etag := fmt.Sprintf("\"%d-%d\"", n, len(data))
	u.parts[n] = data
	u.etags[n] = etag
	return etag
}

// parseCopySource extracts the key from a "bucket/key" CopySource value.
func parseCopySource(src string) (string, error) {
	unescaped, err := url.PathUnescape(src)
	if err != nil {
		return "", &smithyAPIError{code: "InvalidArgument", message: "bad copy source"}
	}
	_, key, ok := strings.Cut(strings.TrimPrefix(unescaped, "/"), "/")
	if !ok || key == "" {
		return "", &smithyAPIError{code: "InvalidArgument", message: "bad copy source"}
	}
	return key, nil
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return e.message
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
