package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pithecene-io/stitch/internal/config"
	"github.com/pithecene-io/stitch/stitch"
)

// withMemoryBackend points the command at an in-memory store and a fixed
// environment for the duration of the test.
func withMemoryBackend(t *testing.T, vars map[string]string, lam *fakeLambda) *stitch.MemoryStore {
	t.Helper()
	store := stitch.NewMemory()

	origEnv, origOpen := getenv, openBackend
	t.Cleanup(func() { getenv, openBackend = origEnv, origOpen })

	getenv = func(k string) string {
		if k == "STITCH_BUCKET" {
			return "fragments"
		}
		return vars[k]
	}
	openBackend = func(context.Context, config.Config) (backend, error) {
		b := backend{store: store}
		if lam != nil {
			b.lambda = lam
		}
		return b, nil
	}
	return store
}

func put(t *testing.T, store stitch.Store, key, body string) {
	t.Helper()
	require.NoError(t, store.Put(t.Context(), key, strings.NewReader(body)))
}

func read(t *testing.T, store stitch.Store, key string) string {
	t.Helper()
	rc, err := store.Get(t.Context(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

type fakeLambda struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *fakeLambda) Invoke(_ context.Context, params *awslambda.InvokeInput, _ ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, params.Payload)
	return &awslambda.InvokeOutput{StatusCode: 202}, nil
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"stitch", "--help"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "Usage: stitch")
}

func TestRun_Unknown(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"stitch", "frobnicate"}, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestRun_NoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 2, Run([]string{"stitch"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: stitch")
}

func TestRun_Watch_MissingBucket(t *testing.T) {
	origEnv := getenv
	t.Cleanup(func() { getenv = origEnv })
	getenv = func(string) string { return "" }

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"stitch", "watch"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "STITCH_BUCKET")
}

func TestRun_Watch_InProcess(t *testing.T) {
	store := withMemoryBackend(t, nil, nil)
	put(t, store, "batch/0001.json", "one\n")
	put(t, store, "batch/0002.json", "two\n")
	put(t, store, "watch/queue/batch.json", `{"fileCount": 2, "source": "batch", "target": "out/batch.json"}`)

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"stitch", "watch"}, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "watch/queue/batch.json\tassembled")
	assert.Equal(t, "one\ntwo\n", read(t, store, "out/batch.json"))

	_, err := store.Get(t.Context(), "watch/done/batch.json")
	assert.NoError(t, err, "manifest should be finished")
}

func TestRun_Watch_Awaiting(t *testing.T) {
	store := withMemoryBackend(t, nil, nil)
	put(t, store, "batch/0001.json", "one\n")
	put(t, store, "watch/queue/batch.json", `{"fileCount": 2, "source": "batch", "target": "out/batch.json"}`)

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"stitch", "watch"}, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "awaiting")
	_, err := store.Get(t.Context(), "watch/queue/batch.json")
	assert.NoError(t, err, "incomplete manifest stays queued")
}

func TestRun_Watch_Lambda(t *testing.T) {
	lam := &fakeLambda{}
	store := withMemoryBackend(t, map[string]string{"STITCH_FUNCTION": "stitch-runner"}, lam)
	put(t, store, "batch/0001.json", "one\n")
	put(t, store, "watch/queue/batch.json", `{"fileCount": 1, "source": "batch", "target": "out/batch.json"}`)

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"stitch", "watch"}, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	require.Len(t, lam.payloads, 1)
	job, err := stitch.DecodeJob(lam.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, "out/batch.json", job.Destination)
	assert.Equal(t, []stitch.Part{{Key: "batch/0001.json", Size: 4}}, job.Parts)
}

func TestRun_Job_FromFile(t *testing.T) {
	store := withMemoryBackend(t, nil, nil)
	put(t, store, "src/a.json", "aa")
	put(t, store, "src/b.json", "bb")

	payload := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(payload,
		[]byte(`{"destination": "out.json", "parts": [["src/a.json", 2], ["src/b.json", 2]]}`), 0o600))

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"stitch", "run", "-payload", payload}, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	assert.Equal(t, "aabb", read(t, store, "out.json"))
	assert.Contains(t, stdout.String(), "assembled out.json from 2 parts")
}

func TestRun_Job_FromStdin(t *testing.T) {
	store := withMemoryBackend(t, nil, nil)
	put(t, store, "src/a.json", "aa")

	origStdin := stdin
	t.Cleanup(func() { stdin = origStdin })
	stdin = strings.NewReader(`{"destination": "copy.json", "parts": [["src/a.json", 2]]}`)

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"stitch", "run"}, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	assert.Equal(t, "aa", read(t, store, "copy.json"))
}

func TestRun_Job_InvalidPayload(t *testing.T) {
	withMemoryBackend(t, nil, nil)

	origStdin := stdin
	t.Cleanup(func() { stdin = origStdin })
	stdin = strings.NewReader(`{"parts": []}`)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"stitch", "run"}, &stdout, &stderr))
}

func TestRun_Requeue(t *testing.T) {
	store := withMemoryBackend(t, nil, nil)
	put(t, store, "watch/run/batch.json", `{"fileCount": 1, "source": "batch", "target": "out.json"}`)

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"stitch", "requeue", "batch.json"}, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "requeued watch/queue/batch.json")
	_, err := store.Get(t.Context(), "watch/run/batch.json")
	assert.ErrorIs(t, err, stitch.ErrNotFound)
}

func TestRun_Requeue_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"stitch", "requeue"}, &stdout, &stderr))
}

func TestRun_Watch_LocalRoot(t *testing.T) {
	root := t.TempDir()
	origEnv := getenv
	t.Cleanup(func() { getenv = origEnv })
	getenv = func(k string) string {
		if k == "STITCH_ROOT" {
			return root
		}
		return ""
	}

	write := func(key, body string) {
		full := filepath.Join(root, filepath.FromSlash(key))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
	}
	write("batch/0001.json", "one\n")
	write("batch/0002.json", "two\n")
	write("watch/queue/batch.json", `{"fileCount": 2, "source": "batch", "target": "out/batch.json"}`)

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"stitch", "watch"}, &stdout, &stderr)

	require.Equal(t, 0, exitCode, stderr.String())
	got, err := os.ReadFile(filepath.Join(root, "out", "batch.json"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(got))
	assert.FileExists(t, filepath.Join(root, "watch", "done", "batch.json"))
}
