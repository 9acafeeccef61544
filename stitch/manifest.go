package stitch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// Manifest lifecycle folders under the watch prefix.
const (
	queueDir = "queue"
	runDir   = "run"
	doneDir  = "done"
)

// ManifestStore reads and moves manifests through their lifecycle:
//
//	<watch>/queue/<name>.json  pending, awaiting all parts
//	<watch>/run/<name>.json    claimed by one watch cycle
//	<watch>/done/<name>.json   dispatched
//
// Moves are copy-then-delete and are advisory bookkeeping, with one
// exception: Claim creates the run/ marker with a conditional write, so
// at most one cycle can claim a batch.
type ManifestStore struct {
	store Store
	root  string
	cfg   Config
}

// NewManifestStore creates a ManifestStore rooted at cfg.WatchPrefix.
func NewManifestStore(store Store, cfg Config) (*ManifestStore, error) {
	if store == nil {
		return nil, errors.New("stitch: store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ManifestStore{store: store, root: cfg.watchRoot(), cfg: cfg}, nil
}

// QueueKey returns the pending key for a manifest name.
func (s *ManifestStore) QueueKey(name string) string { return s.key(queueDir, name) }

// RunKey returns the claimed key for a manifest name.
func (s *ManifestStore) RunKey(name string) string { return s.key(runDir, name) }

// DoneKey returns the finished key for a manifest name.
func (s *ManifestStore) DoneKey(name string) string { return s.key(doneDir, name) }

func (s *ManifestStore) key(dir, name string) string {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return s.root + dir + "/" + name
}

// Name returns the manifest name (file name within its lifecycle folder).
func (s *ManifestStore) Name(key string) string {
	for _, dir := range []string{queueDir, runDir, doneDir} {
		if rest, ok := strings.CutPrefix(key, s.root+dir+"/"); ok {
			return rest
		}
	}
	return path.Base(key)
}

// NextName returns the name of the manifest written for iteration of the
// batch that name describes: "batch.json" becomes "batch_<iteration>.json".
func NextName(name string, iteration int) string {
	base := strings.TrimSuffix(name, ".json")
	return base + "_" + strconv.Itoa(iteration) + ".json"
}

// Queued lists the keys of pending manifests, skipping the folder
// placeholder object some consoles create.
func (s *ManifestStore) Queued(ctx context.Context) ([]string, error) {
	prefix := s.root + queueDir + "/"
	var keys []string
	var startAfter string
	for {
		page, err := s.store.ListPage(ctx, prefix, startAfter)
		if err != nil {
			return nil, &ManifestError{Key: prefix, Op: "list", Err: err}
		}
		for _, p := range page.Parts {
			if p.Key != prefix && strings.HasSuffix(p.Key, ".json") {
				keys = append(keys, p.Key)
			}
		}
		if !page.Truncated || len(page.Parts) == 0 {
			break
		}
		startAfter = page.Parts[len(page.Parts)-1].Key
	}
	return keys, nil
}

// Read loads and validates the manifest at key, returning it with its raw
// document. Store failures are *ManifestError; malformed or invalid
// manifests are *ConfigError.
func (s *ManifestStore) Read(ctx context.Context, key string) (*Manifest, []byte, error) {
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, nil, &ManifestError{Key: key, Op: "read", Err: err}
	}
	defer closer(rc)()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, &ManifestError{Key: key, Op: "read", Err: err}
	}

	m, err := DecodeManifest(raw)
	if err != nil {
		return nil, nil, err
	}
	if err := s.validate(m); err != nil {
		return nil, nil, err
	}
	return m, raw, nil
}

// Write stores m at key, replacing any existing document.
func (s *ManifestStore) Write(ctx context.Context, key string, m *Manifest) error {
	if err := s.validate(m); err != nil {
		return err
	}
	data, err := EncodeManifest(m)
	if err != nil {
		return &ManifestError{Key: key, Op: "encode", Err: err}
	}
	if err := s.store.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return &ManifestError{Key: key, Op: "write", Err: err}
	}
	return nil
}

// Claim moves the pending manifest at queueKey (whose document is raw) to
// run/. The run/ marker is created only if absent; if another cycle got
// there first, Claim returns ErrAlreadyClaimed and leaves queueKey alone.
//
// A cycle that finished the batch has already removed its run/ marker, so
// the marker alone does not exclude a late claimant. The claim therefore
// also requires queueKey to still exist and is withdrawn otherwise.
func (s *ManifestStore) Claim(ctx context.Context, queueKey string, raw []byte) (string, error) {
	runKey := s.RunKey(s.Name(queueKey))
	if err := s.store.PutIfAbsent(ctx, runKey, bytes.NewReader(raw)); err != nil {
		if errors.Is(err, ErrPathExists) {
			return "", ErrAlreadyClaimed
		}
		return "", &ManifestError{Key: runKey, Op: "claim", Err: err}
	}

	rc, err := s.store.Get(ctx, queueKey)
	if errors.Is(err, ErrNotFound) {
		if err := s.store.Delete(ctx, runKey); err != nil {
			return "", &ManifestError{Key: runKey, Op: "withdraw", Err: err}
		}
		return "", ErrAlreadyClaimed
	}
	if err != nil {
		return "", &ManifestError{Key: queueKey, Op: "claim", Err: err}
	}
	_ = rc.Close()

	if err := s.store.Delete(ctx, queueKey); err != nil {
		return "", &ManifestError{Key: queueKey, Op: "dequeue", Err: err}
	}
	return runKey, nil
}

// Finish moves the manifest at runKey to done/.
func (s *ManifestStore) Finish(ctx context.Context, runKey string) (string, error) {
	doneKey := s.DoneKey(s.Name(runKey))
	if err := s.move(ctx, runKey, doneKey); err != nil {
		return "", err
	}
	return doneKey, nil
}

// Requeue moves a claimed manifest back to queue/ so the next watch cycle
// re-evaluates it. Use it to reconcile a cycle that crashed after claiming.
func (s *ManifestStore) Requeue(ctx context.Context, name string) (string, error) {
	queueKey := s.QueueKey(name)
	if err := s.move(ctx, s.RunKey(name), queueKey); err != nil {
		return "", err
	}
	return queueKey, nil
}

func (s *ManifestStore) move(ctx context.Context, from, to string) error {
	if err := s.store.Copy(ctx, from, to); err != nil {
		return &ManifestError{Key: from, Op: "move", Err: fmt.Errorf("copy to %q: %w", to, err)}
	}
	if err := s.store.Delete(ctx, from); err != nil {
		return &ManifestError{Key: from, Op: "move", Err: fmt.Errorf("delete after copy to %q: %w", to, err)}
	}
	return nil
}

func (s *ManifestStore) validate(m *Manifest) error {
	switch {
	case m.FileCount < 0:
		return configErrorf("manifest.fileCount", "must not be negative, got %d", m.FileCount)
	case m.Source == "":
		return configErrorf("manifest.source", "is required")
	case m.Target == "":
		return configErrorf("manifest.target", "is required")
	case m.MaxFileSize < 0:
		return configErrorf("manifest.maxFileSize", "must not be negative, got %d", m.MaxFileSize)
	case m.Iteration < 0:
		return configErrorf("manifest.iteration", "must not be negative, got %d", m.Iteration)
	case m.Iteration > s.cfg.MaxIteration:
		return configErrorf("manifest.iteration", "%d exceeds limit %d", m.Iteration, s.cfg.MaxIteration)
	}
	return nil
}

// ceiling returns the manifest's size ceiling, or def when unset.
func (m *Manifest) ceiling(def int64) int64 {
	if m.MaxFileSize > 0 {
		return m.MaxFileSize
	}
	return def
}

// NextKey returns the pending key of the manifest written for iteration.
func (s *ManifestStore) NextKey(name string, iteration int) string {
	return s.QueueKey(NextName(name, iteration))
}

// DestinationKey returns the key of the index-th intermediate object under
// source: the decimal index with a ".json" suffix, left-padded with zeros
// to ten characters, so listing order matches index order.
func DestinationKey(source string, index int) string {
	name := strconv.Itoa(index) + ".json"
	if pad := 10 - len(name); pad > 0 {
		name = strings.Repeat("0", pad) + name
	}
	return source + "/" + name
}
