package stitch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Reserved names inside an FSStore root. Neither ever appears in a listing.
const (
	fsUploadsDir = ".stitch-uploads"
	fsTempPrefix = ".stitch-tmp-"
)

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// FSStore implements Store over a local directory: keys map to files
// below root. Multipart uploads are staged under a reserved directory and
// published with a rename on completion.
//
// Consistency: Immediate read-after-write on local filesystems.
type FSStore struct {
	root     string
	pageSize int
}

// NewFS creates a filesystem-backed Store rooted at the given directory.
// The directory must exist.
func NewFS(root string) (*FSStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("stitch: %s is not a directory", root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FSStore{root: abs, pageSize: defaultPageSize}, nil
}

// SetPageSize sets the maximum number of objects ListPage returns.
// Values below 1 restore the default.
func (f *FSStore) SetPageSize(n int) {
	if n < 1 {
		n = defaultPageSize
	}
	f.pageSize = n
}

// Bucket returns the base name of the root directory.
func (f *FSStore) Bucket() string { return filepath.Base(f.root) }

// Uploads returns the ids of multipart uploads that are still open.
func (f *FSStore) Uploads() []string {
	entries, err := os.ReadDir(filepath.Join(f.root, fsUploadsDir))
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids
}

func (f *FSStore) ListPage(_ context.Context, prefix, startAfter string) (*Page, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return nil, ErrInvalidPath
	}
	if strings.HasPrefix(normalized, fsUploadsDir) {
		return &Page{}, nil
	}

	// Walk the deepest directory that can hold matching keys.
	dir := normalized
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir)
	}
	walkRoot := filepath.Join(f.root, filepath.FromSlash(strings.TrimSuffix(dir, "/")))

	sizes := make(map[string]int64)
	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p == filepath.Join(f.root, fsUploadsDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), fsTempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, normalized) || key <= startAfter {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		sizes[key] = info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(sizes))
	for k := range sizes {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	page := &Page{}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		page.Truncated = true
	}
	for _, k := range keys {
		page.Parts = append(page.Parts, Part{Key: k, Size: sizes[k]})
	}
	return page, nil
}

func (f *FSStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info, err := file.Stat(); err != nil || info.IsDir() {
		_ = file.Close()
		return nil, ErrNotFound
	}
	return file, nil
}

// Put writes through a temp file and a rename, so readers never observe a
// partial object.
func (f *FSStore) Put(_ context.Context, key string, r io.Reader) error {
	full, err := f.safePath(key)
	if err != nil {
		return err
	}
	tmp, err := f.writeTemp(filepath.Dir(full), r, nil)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// PutIfAbsent publishes with a hard link, which fails when the key exists.
func (f *FSStore) PutIfAbsent(_ context.Context, key string, r io.Reader) error {
	full, err := f.safePath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); err == nil {
		return ErrPathExists
	}
	tmp, err := f.writeTemp(filepath.Dir(full), r, nil)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, full); err != nil {
		if os.IsExist(err) {
			return ErrPathExists
		}
		return err
	}
	return nil
}

func (f *FSStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	dst, err := f.safePath(dstKey)
	if err != nil {
		return err
	}
	src, err := f.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer closer(src)()

	tmp, err := f.writeTemp(filepath.Dir(dst), src, nil)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (f *FSStore) Delete(_ context.Context, key string) error {
	full, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Multipart
// -----------------------------------------------------------------------------

func (f *FSStore) CreateMultipartUpload(_ context.Context, key string) (string, error) {
	if _, err := f.safePath(key); err != nil {
		return "", err
	}
	normalized, _ := normalizePathForFile(key)

	id := uuid.NewString()
	dir := filepath.Join(f.root, fsUploadsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "key"), []byte(normalized), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return id, nil
}

func (f *FSStore) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int32, srcKey string) (string, error) {
	dir, err := f.upload(key, uploadID, partNumber)
	if err != nil {
		return "", err
	}
	src, err := f.Get(ctx, srcKey)
	if err != nil {
		return "", err
	}
	defer closer(src)()
	return f.writePart(dir, partNumber, src)
}

func (f *FSStore) UploadPart(_ context.Context, key, uploadID string, partNumber int32, r io.ReadSeeker, size int64) (string, error) {
	dir, err := f.upload(key, uploadID, partNumber)
	if err != nil {
		return "", err
	}
	cr := &countingReader{r: io.LimitReader(r, size)}
	etag, err := f.writePart(dir, partNumber, cr)
	if err != nil {
		return "", err
	}
	if cr.n != size {
		_ = os.Remove(filepath.Join(dir, strconv.Itoa(int(partNumber))))
		return "", fmt.Errorf("upload part %d: read %d bytes, want %d", partNumber, cr.n, size)
	}
	return etag, nil
}

func (f *FSStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []CompletedPart) error {
	dir, err := f.upload(key, uploadID, 1)
	if err != nil {
		return fmt.Errorf("complete %q: %w", key, err)
	}
	if len(parts) == 0 {
		return fmt.Errorf("complete %q: no parts", key)
	}
	full, err := f.safePath(key)
	if err != nil {
		return err
	}

	names := make([]string, len(parts))
	for i, p := range parts {
		if p.PartNumber != int32(i+1) {
			return fmt.Errorf("complete %q: part %d out of order at position %d", key, p.PartNumber, i)
		}
		names[i] = filepath.Join(dir, strconv.Itoa(int(p.PartNumber)))
		etag, err := fileETag(names[i])
		if err != nil {
			return fmt.Errorf("complete %q: part %d: %w", key, p.PartNumber, err)
		}
		if etag != p.ETag {
			return fmt.Errorf("complete %q: part %d etag mismatch", key, p.PartNumber)
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(full), fsTempPrefix+"*")
	if err != nil {
		return err
	}
	tmp := out.Name()
	for _, name := range names {
		if _, err := appendFile(out, name); err != nil {
			removeTemp(out)
			return fmt.Errorf("complete %q: %w", key, err)
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.RemoveAll(dir)
}

func (f *FSStore) AbortMultipartUpload(_ context.Context, key, uploadID string) error {
	dir, err := f.upload(key, uploadID, 1)
	if err != nil {
		return fmt.Errorf("abort %q: %w", key, err)
	}
	return os.RemoveAll(dir)
}

// upload returns the staging directory of an open upload for key.
func (f *FSStore) upload(key, uploadID string, partNumber int32) (string, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\.`) {
		return "", fmt.Errorf("upload %q for %q not found", uploadID, key)
	}
	dir := filepath.Join(f.root, fsUploadsDir, uploadID)
	owner, err := os.ReadFile(filepath.Join(dir, "key"))
	if err != nil {
		return "", fmt.Errorf("upload %s for %q not found", uploadID, key)
	}
	normalized, _ := normalizePathForFile(key)
	if string(owner) != normalized {
		return "", fmt.Errorf("upload %s for %q not found", uploadID, key)
	}
	if partNumber < 1 || partNumber > 10000 {
		return "", fmt.Errorf("part number %d out of range", partNumber)
	}
	return dir, nil
}

func (f *FSStore) writePart(dir string, partNumber int32, r io.Reader) (string, error) {
	h := md5.New()
	tmp, err := f.writeTemp(dir, r, h)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(dir, strconv.Itoa(int(partNumber)))); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}

// writeTemp copies r into a new temp file in dir, feeding h when non-nil,
// and returns the file name.
func (f *FSStore) writeTemp(dir string, r io.Reader, h hash.Hash) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, fsTempPrefix+"*")
	if err != nil {
		return "", err
	}
	var w io.Writer = tmp
	if h != nil {
		w = io.MultiWriter(tmp, h)
	}
	if _, err := io.Copy(w, r); err != nil {
		removeTemp(tmp)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// safePath maps key to its file below root, rejecting keys that escape
// root or address the reserved upload area.
func (f *FSStore) safePath(key string) (string, error) {
	normalized, valid := normalizePathForFile(key)
	if !valid {
		return "", ErrInvalidPath
	}
	if normalized == fsUploadsDir || strings.HasPrefix(normalized, fsUploadsDir+"/") {
		return "", ErrInvalidPath
	}
	return filepath.Join(f.root, filepath.FromSlash(normalized)), nil
}

func fileETag(name string) (string, error) {
	file, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer closer(file)()

	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
