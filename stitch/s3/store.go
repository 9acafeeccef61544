// Package s3 provides an S3-compatible Store for stitch.
//
// The adapter supports AWS S3, MinIO, LocalStack, and other S3-compatible
// object stores that implement multipart upload with part copies.
//
// # Operations
//
//   - ListPage: one ListObjectsV2 request resuming with StartAfter
//   - Put / PutIfAbsent: spooled to a temp file, then PutObject;
//     PutIfAbsent sends If-None-Match: * and maps the conditional failure
//     to stitch.ErrPathExists
//   - Copy: CopyObject within the bucket
//   - Multipart: CreateMultipartUpload, UploadPartCopy, UploadPart,
//     CompleteMultipartUpload, AbortMultipartUpload
//
// # S3 Limits
//
//   - CopyObject copies at most 5 GB; larger single parts must go through
//     a multipart copy
//   - Non-trailing multipart parts must be at least 5 MiB
//   - An upload holds at most 10,000 parts
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pithecene-io/stitch/stitch"
)

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing slash added if missing).
	Prefix string

	// MaxKeys limits the objects per listing page. Zero uses the service
	// default (1000).
	MaxKeys int32
}

// Store implements stitch.Store using an S3-compatible backend.
type Store struct {
	client     API
	bucket     string
	prefix     string
	maxKeys    int32
	createTemp func() (*os.File, error) // temp file factory for Put spooling
}

// New creates a new S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// Use github.com/aws/aws-sdk-go-v2/config to load configuration.
//
// Example:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := s3.NewFromConfig(cfg)
//	store, err := s3store.New(client, s3store.Config{Bucket: "my-bucket"})
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.MaxKeys < 0 {
		return nil, fmt.Errorf("s3: max keys must not be negative, got %d", cfg.MaxKeys)
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     prefix,
		maxKeys:    cfg.MaxKeys,
		createTemp: func() (*os.File, error) { return os.CreateTemp("", "stitch-s3-*") },
	}, nil
}

// Bucket returns the bucket the store operates on.
func (s *Store) Bucket() string { return s.bucket }

// ListPage returns one page of objects under prefix, in key order, that
// sort after startAfter. Returned keys are relative to the store prefix.
func (s *Store) ListPage(ctx context.Context, prefix, startAfter string) (*stitch.Page, error) {
	fullPrefix, err := s.validatePrefix(prefix)
	if err != nil {
		return nil, err
	}

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	}
	if startAfter != "" {
		in.StartAfter = aws.String(s.prefix + strings.TrimPrefix(startAfter, "/"))
	}
	if s.maxKeys > 0 {
		in.MaxKeys = aws.Int32(s.maxKeys)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("s3: list objects: %w", err)
	}

	page := &stitch.Page{
		Parts:     make([]stitch.Part, 0, len(out.Contents)),
		Truncated: aws.ToBool(out.IsTruncated),
	}
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		page.Parts = append(page.Parts, stitch.Part{
			Key:  strings.TrimPrefix(*obj.Key, s.prefix),
			Size: aws.ToInt64(obj.Size),
		})
	}
	return page, nil
}

// Get retrieves the object at key.
// Returns ErrNotFound if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, stitch.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get object: %w", err)
	}

	return out.Body, nil
}

// Put writes the object at key, replacing any existing object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	return s.put(ctx, key, r, false)
}

// PutIfAbsent writes the object at key with If-None-Match: *.
// Returns ErrPathExists when the key is already taken.
func (s *Store) PutIfAbsent(ctx context.Context, key string, r io.Reader) error {
	return s.put(ctx, key, r, true)
}

func (s *Store) put(ctx context.Context, key string, r io.Reader, ifAbsent bool) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	// Spool to a temp file so the SDK gets a seekable body with a known length.
	tmpFile, err := s.createTemp()
	if err != nil {
		return fmt.Errorf("s3: creating temp file: %w", err)
	}
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
	}()

	size, err := io.Copy(tmpFile, r)
	if err != nil {
		return fmt.Errorf("s3: writing temp file: %w", err)
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("s3: seeking temp file: %w", err)
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		Body:          tmpFile,
		ContentLength: aws.Int64(size),
	}
	if ifAbsent {
		in.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		if ifAbsent && isConditionalFailure(err) {
			return stitch.ErrPathExists
		}
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

// Copy copies srcKey to dstKey within the bucket.
// Returns ErrNotFound if srcKey does not exist.
func (s *Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := s.validateKey(srcKey)
	if err != nil {
		return err
	}
	dst, err := s.validateKey(dstKey)
	if err != nil {
		return err
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(s.copySource(src)),
	})
	if err != nil {
		if isNotFound(err) {
			return stitch.ErrNotFound
		}
		return fmt.Errorf("s3: copy object: %w", err)
	}
	return nil
}

// Delete removes the key if it exists.
// Safe to call on missing keys (idempotent).
func (s *Store) Delete(ctx context.Context, key string) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		// S3 DeleteObject is idempotent; it doesn't error on missing keys
		return fmt.Errorf("s3: delete object: %w", err)
	}
	return nil
}

// CreateMultipartUpload opens a multipart upload for key.
func (s *Store) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return "", err
	}

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return "", fmt.Errorf("s3: create multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPartCopy registers srcKey as part partNumber of the upload and
// returns the part ETag.
func (s *Store) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int32, srcKey string) (string, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return "", err
	}
	src, err := s.validateKey(srcKey)
	if err != nil {
		return "", err
	}

	out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(fullKey),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		CopySource: aws.String(s.copySource(src)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", stitch.ErrNotFound
		}
		return "", fmt.Errorf("s3: upload part copy %d: %w", partNumber, err)
	}
	if out.CopyPartResult == nil {
		return "", fmt.Errorf("s3: upload part copy %d: missing copy result", partNumber)
	}
	return aws.ToString(out.CopyPartResult.ETag), nil
}

// UploadPart uploads size bytes from r as part partNumber and returns the
// part ETag.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, r io.ReadSeeker, size int64) (string, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return "", err
	}

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("s3: upload part %d: %w", partNumber, err)
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipartUpload finalizes the upload from parts.
func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []stitch.CompletedPart) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(fullKey),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return fmt.Errorf("s3: complete multipart upload: %w", err)
	}
	return nil
}

// AbortMultipartUpload discards the upload.
func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(fullKey),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("s3: abort multipart upload: %w", err)
	}
	return nil
}

// copySource returns the CopySource header value for fullKey: the bucket
// and key, URL-escaped per path segment.
func (s *Store) copySource(fullKey string) string {
	segments := strings.Split(fullKey, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.bucket + "/" + strings.Join(segments, "/")
}

// validateKey validates and returns the full key for object operations.
func (s *Store) validateKey(key string) (string, error) {
	if key == "" {
		return "", stitch.ErrInvalidPath
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", stitch.ErrInvalidPath
	}
	// Remove leading slash
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", stitch.ErrInvalidPath
	}

	return s.prefix + cleaned, nil
}

// validatePrefix validates and returns the full prefix for list
// operations. A trailing slash is significant and kept.
func (s *Store) validatePrefix(prefix string) (string, error) {
	if prefix == "" {
		return s.prefix, nil
	}

	cleaned := path.Clean(prefix)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", stitch.ErrInvalidPath
	}
	if cleaned == "." || cleaned == "/" {
		return s.prefix, nil
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if strings.HasSuffix(prefix, "/") {
		cleaned += "/"
	}

	return s.prefix + cleaned, nil
}

// isNotFound checks if an error indicates the object was not found. A
// missing bucket is a configuration fault and is not matched.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

// isConditionalFailure reports whether err is a failed If-None-Match write.
func isConditionalFailure(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "412", "ConditionalRequestConflict", "409":
		return true
	}
	return false
}
