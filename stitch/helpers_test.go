package stitch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pithecene-io/stitch/internal/testutil"
)

func quiet() Option { return WithLogger(slog.New(slog.DiscardHandler)) }

// seed writes fragments of the given sizes under source and returns them
// as parts plus their in-order concatenation.
func seed(t *testing.T, store Store, source string, sizes []int) ([]Part, []byte) {
	t.Helper()
	keys, all, err := testutil.SeedParts(t.Context(), store, source, sizes)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	parts := make([]Part, len(keys))
	for i, k := range keys {
		parts[i] = Part{Key: k, Size: int64(sizes[i])}
	}
	return parts, all
}

func putString(t *testing.T, store Store, key, body string) {
	t.Helper()
	if err := store.Put(t.Context(), key, bytes.NewReader([]byte(body))); err != nil {
		t.Fatalf("Put %s: %v", key, err)
	}
}

func readAll(t *testing.T, store Store, key string) []byte {
	t.Helper()
	rc, err := store.Get(t.Context(), key)
	if err != nil {
		t.Fatalf("Get %s: %v", key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return data
}

func exists(t *testing.T, store Store, key string) bool {
	t.Helper()
	rc, err := store.Get(t.Context(), key)
	if err != nil {
		return false
	}
	_ = rc.Close()
	return true
}

// recordingDispatcher records jobs instead of running them.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []Job
	err  error
	// failAfter fails every dispatch after this many successes, when > 0.
	failAfter int
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil && (d.failAfter == 0 || len(d.jobs) >= d.failAfter) {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) Jobs() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Job(nil), d.jobs...)
}
