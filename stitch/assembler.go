package stitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

// Assembler concatenates an ordered group of parts into one destination
// object.
//
// A single part is copied store-side. Several parts are assembled with a
// multipart upload: parts larger than the configured threshold are
// registered in place with part copies, and the remaining small parts are
// downloaded, merged, and uploaded as the trailing part, which the
// multipart protocol exempts from the minimum part size.
//
// The assembled object therefore holds the large parts in their relative
// order followed by the small parts in their relative order; small parts
// never interleave with large ones.
type Assembler struct {
	store      Store
	cfg        Config
	logger     *slog.Logger
	createTemp func() (*os.File, error)
}

// NewAssembler creates an Assembler writing through store.
func NewAssembler(store Store, cfg Config, opts ...Option) (*Assembler, error) {
	if store == nil {
		return nil, errors.New("stitch: store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)
	return &Assembler{
		store:      store,
		cfg:        cfg,
		logger:     o.logger,
		createTemp: func() (*os.File, error) { return os.CreateTemp("", "stitch-part-*") },
	}, nil
}

// Run executes a dispatched job.
func (a *Assembler) Run(ctx context.Context, job Job) error {
	if job.Destination == "" {
		return configErrorf("job.destination", "is required")
	}
	return a.Assemble(ctx, job.Destination, job.Parts)
}

// Assemble writes parts, concatenated, to destination.
//
// Zero parts is a logged no-op. Failures are returned as *AssemblyError;
// an open multipart upload is aborted before returning.
func (a *Assembler) Assemble(ctx context.Context, destination string, parts []Part) error {
	switch len(parts) {
	case 0:
		a.logger.WarnContext(ctx, "no parts to assemble", "destination", destination)
		return nil
	case 1:
		if err := a.store.Copy(ctx, parts[0].Key, destination); err != nil {
			return &AssemblyError{Destination: destination, Err: fmt.Errorf("copy %q: %w", parts[0].Key, err)}
		}
		a.logger.InfoContext(ctx, "copied single part",
			"source", parts[0].Key, "destination", destination, "size", units.HumanSize(float64(parts[0].Size)))
		return nil
	}
	return a.assembleMultipart(ctx, destination, parts)
}

func (a *Assembler) assembleMultipart(ctx context.Context, destination string, parts []Part) error {
	uploadID, err := a.store.CreateMultipartUpload(ctx, destination)
	if err != nil {
		return &AssemblyError{Destination: destination, Err: fmt.Errorf("create multipart upload: %w", err)}
	}
	session := &UploadSession{UploadID: uploadID, Bucket: a.store.Bucket(), Key: destination}
	logger := a.logger.With("destination", destination, "upload_id", uploadID)
	logger.InfoContext(ctx, "initiated multipart upload", "parts", len(parts))

	large, small := splitBySize(parts, a.cfg.LargePartThreshold)

	if err := a.copyLarge(ctx, session, large); err != nil {
		return a.fail(ctx, session, err)
	}
	if err := a.mergeSmall(ctx, session, small); err != nil {
		return a.fail(ctx, session, err)
	}

	if len(session.Parts) == 0 {
		if err := a.abort(ctx, session); err != nil {
			return &AssemblyError{
				Destination: destination,
				UploadID:    uploadID,
				Orphaned:    true,
				Err:         fmt.Errorf("abort empty upload: %w", err),
			}
		}
		logger.WarnContext(ctx, "aborted multipart upload with empty parts mapping")
		return nil
	}

	if err := a.store.CompleteMultipartUpload(ctx, destination, uploadID, session.Parts); err != nil {
		return a.fail(ctx, session, fmt.Errorf("complete multipart upload: %w", err))
	}
	logger.InfoContext(ctx, "completed multipart upload",
		"copied_parts", len(large), "merged_parts", len(small), "registered_parts", len(session.Parts))
	return nil
}

// copyLarge registers each large part as a part copy. Copies run
// concurrently; part numbers follow input order.
func (a *Assembler) copyLarge(ctx context.Context, session *UploadSession, large []Part) error {
	if len(large) == 0 {
		return nil
	}

	first := session.NextPartNumber()
	completed := make([]CompletedPart, len(large))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, p := range large {
		g.Go(func() error {
			n := first + int32(i)
			etag, err := a.store.UploadPartCopy(gctx, session.Key, session.UploadID, n, p.Key)
			if err != nil {
				return fmt.Errorf("copy part %d from %q: %w", n, p.Key, err)
			}
			completed[i] = CompletedPart{ETag: etag, PartNumber: n}
			a.logger.DebugContext(gctx, "registered part copy",
				"upload_id", session.UploadID, "part_number", n, "source", p.Key)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	session.Parts = append(session.Parts, completed...)
	return nil
}

// mergeSmall downloads the small parts, concatenates them in input order,
// and uploads the result as the next part. Nothing is uploaded when the
// merged bytes are empty.
func (a *Assembler) mergeSmall(ctx context.Context, session *UploadSession, small []Part) error {
	if len(small) == 0 {
		return nil
	}

	// Temp files are closed between download and merge so open descriptors
	// stay bounded by Concurrency.
	names := make([]string, len(small))
	defer func() {
		for _, name := range names {
			if name != "" {
				_ = os.Remove(name)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, p := range small {
		g.Go(func() error {
			f, err := a.createTemp()
			if err != nil {
				return fmt.Errorf("create temp file for %q: %w", p.Key, err)
			}
			names[i] = f.Name()
			err = a.download(gctx, p.Key, f)
			if cerr := f.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("close temp file for %q: %w", p.Key, cerr)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged, err := a.createTemp()
	if err != nil {
		return fmt.Errorf("create merge file: %w", err)
	}
	defer removeTemp(merged)

	var size int64
	for i, name := range names {
		n, err := appendFile(merged, name)
		if err != nil {
			return fmt.Errorf("merge %q: %w", small[i].Key, err)
		}
		size += n
		_ = os.Remove(name)
		names[i] = ""
	}

	if size == 0 {
		a.logger.DebugContext(ctx, "small parts are empty; no trailing part",
			"upload_id", session.UploadID, "parts", len(small))
		return nil
	}

	if _, err := merged.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind merge file: %w", err)
	}
	n := session.NextPartNumber()
	etag, err := a.store.UploadPart(ctx, session.Key, session.UploadID, n, merged, size)
	if err != nil {
		return fmt.Errorf("upload merged part %d: %w", n, err)
	}
	session.Parts = append(session.Parts, CompletedPart{ETag: etag, PartNumber: n})
	a.logger.InfoContext(ctx, "uploaded merged part",
		"upload_id", session.UploadID, "part_number", n, "parts", len(small), "size", units.HumanSize(float64(size)))
	return nil
}

func (a *Assembler) download(ctx context.Context, key string, w io.Writer) error {
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("download %q: %w", key, err)
	}
	defer closer(rc)()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("download %q: %w", key, err)
	}
	return nil
}

// fail aborts the session and wraps cause. When the abort fails too, both
// errors are reported and the upload is marked orphaned.
func (a *Assembler) fail(ctx context.Context, session *UploadSession, cause error) error {
	if abortErr := a.abort(ctx, session); abortErr != nil {
		a.logger.ErrorContext(ctx, "multipart upload orphaned",
			"destination", session.Key, "upload_id", session.UploadID, "error", abortErr)
		return &AssemblyError{
			Destination: session.Key,
			UploadID:    session.UploadID,
			Orphaned:    true,
			Err:         errors.Join(cause, fmt.Errorf("abort: %w", abortErr)),
		}
	}
	a.logger.WarnContext(ctx, "aborted multipart upload",
		"destination", session.Key, "upload_id", session.UploadID, "error", cause)
	return &AssemblyError{Destination: session.Key, UploadID: session.UploadID, Err: cause}
}

// abort runs detached from ctx cancellation so cleanup still happens when
// the assembly was canceled.
func (a *Assembler) abort(ctx context.Context, session *UploadSession) error {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.AbortTimeout)
	defer cancel()
	return a.store.AbortMultipartUpload(abortCtx, session.Key, session.UploadID)
}

// splitBySize partitions parts into those strictly above threshold and the
// rest, keeping each subset's relative order.
func splitBySize(parts []Part, threshold int64) (large, small []Part) {
	for _, p := range parts {
		if p.Size > threshold {
			large = append(large, p)
		} else {
			small = append(small, p)
		}
	}
	return large, small
}

// appendFile copies the file at name to the end of w.
func appendFile(w io.Writer, name string) (int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer closer(f)()
	return io.Copy(w, f)
}

func removeTemp(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}
