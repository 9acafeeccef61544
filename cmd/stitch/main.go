// Command stitch watches manifests and assembles fragment batches.
//
// Usage:
//
//	stitch watch                   evaluate every queued manifest once
//	stitch serve [-interval d]     watch on a timer until interrupted
//	stitch run [-payload file|-]   execute one assembly job payload
//	stitch requeue <name>          move a claimed manifest back to the queue
//
// Configuration is read from STITCH_* environment variables. STITCH_ROOT
// points the command at a local directory instead of a bucket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/pithecene-io/stitch/internal/config"
	"github.com/pithecene-io/stitch/internal/logging"
	s3client "github.com/pithecene-io/stitch/internal/s3"
	"github.com/pithecene-io/stitch/stitch"
	"github.com/pithecene-io/stitch/stitch/lambda"
	"github.com/pithecene-io/stitch/stitch/s3"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Test seams.
var (
	getenv                = os.Getenv
	stdin       io.Reader = os.Stdin
	openBackend           = openDefaultBackend
)

// backend is the store plus, when jobs run remotely, the Lambda client.
type backend struct {
	store  stitch.Store
	lambda lambda.API
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "watch":
		return runWatch(args[2:], stdout, stderr)
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "run":
		return runJob(args[2:], stdout, stderr)
	case "requeue":
		return runRequeue(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: stitch <command> [arguments]")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  watch      Evaluate every queued manifest once")
	_, _ = fmt.Fprintln(w, "  serve      Watch on a timer until interrupted")
	_, _ = fmt.Fprintln(w, "  run        Execute one assembly job payload")
	_, _ = fmt.Fprintln(w, "  requeue    Move a claimed manifest back to the queue")
}

// env bundles what every command needs.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	backend backend
}

func setup(ctx context.Context, stderr io.Writer) (*env, error) {
	cfg, err := config.Load(getenv)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.Log, stderr)

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return &env{cfg: cfg, logger: logger, backend: b}, nil
}

// openDefaultBackend serves a local directory when STITCH_ROOT is set and
// S3 otherwise.
func openDefaultBackend(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.Root == "" {
		return openAWSBackend(ctx, cfg)
	}
	store, err := stitch.NewFS(cfg.Root)
	if err != nil {
		return backend{}, err
	}
	b := backend{store: store}
	if cfg.Function != "" {
		awsCfg, err := s3client.LoadAWSConfig(ctx, s3client.ClientConfig{Region: cfg.Region})
		if err != nil {
			return backend{}, fmt.Errorf("load AWS config: %w", err)
		}
		b.lambda = awslambda.NewFromConfig(awsCfg)
	}
	return b, nil
}

func openAWSBackend(ctx context.Context, cfg config.Config) (backend, error) {
	clientCfg := s3client.ClientConfig{
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.PathStyle,
	}
	awsCfg, err := s3client.LoadAWSConfig(ctx, clientCfg)
	if err != nil {
		return backend{}, fmt.Errorf("load AWS config: %w", err)
	}

	store, err := s3.New(s3client.NewClientFromConfig(awsCfg, clientCfg), s3.Config{Bucket: cfg.Bucket})
	if err != nil {
		return backend{}, err
	}

	b := backend{store: store}
	if cfg.Function != "" {
		b.lambda = awslambda.NewFromConfig(awsCfg)
	}
	return b, nil
}

// dispatcher returns the job dispatcher and a function that waits for
// in-process jobs and reports their failures.
func (e *env) dispatcher(ctx context.Context) (stitch.Dispatcher, func() error, error) {
	if e.cfg.Function != "" {
		if e.backend.lambda == nil {
			return nil, nil, errors.New("lambda client not configured")
		}
		d, err := lambda.New(e.backend.lambda, e.cfg.Function)
		if err != nil {
			return nil, nil, err
		}
		return d, func() error { return nil }, nil
	}

	asm, err := stitch.NewAssembler(e.backend.store, e.cfg.Engine, stitch.WithLogger(logging.Component(e.logger, "assembler")))
	if err != nil {
		return nil, nil, err
	}
	q, err := stitch.NewQueue(ctx, asm, e.cfg.Engine.Concurrency, e.cfg.Engine.Concurrency*4,
		stitch.WithLogger(logging.Component(e.logger, "queue")))
	if err != nil {
		return nil, nil, err
	}
	return q, q.Close, nil
}

func (e *env) coordinator(d stitch.Dispatcher) (*stitch.Coordinator, error) {
	return stitch.NewCoordinator(e.backend.store, d, e.cfg.Engine,
		stitch.WithLogger(logging.Component(e.logger, "coordinator")))
}

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	d, wait, err := e.dispatcher(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	coord, err := e.coordinator(d)
	if err != nil {
		_ = wait()
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}

	results, watchErr := coord.Watch(ctx)
	jobErr := wait()
	printResults(stdout, results)

	if err := errors.Join(watchErr, jobErr); err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	interval := fs.Duration("interval", 0, "poll interval (default STITCH_POLL_INTERVAL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	if *interval <= 0 {
		*interval = e.cfg.PollInterval
	}

	// Jobs already queued finish after a shutdown signal.
	d, wait, err := e.dispatcher(context.WithoutCancel(ctx))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	coord, err := e.coordinator(d)
	if err != nil {
		_ = wait()
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}

	e.logger.InfoContext(ctx, "serving", "bucket", e.backend.store.Bucket(), "interval", interval.String())
	serve(ctx, coord, *interval, stdout, e.logger)

	e.logger.InfoContext(ctx, "shutting down, waiting for queued jobs")
	if err := wait(); err != nil {
		e.logger.ErrorContext(ctx, "jobs failed", "error", err)
		return 1
	}
	return 0
}

// serve runs a watch cycle immediately and then every interval until ctx
// is done. Cycle failures are logged; the loop keeps going.
func serve(ctx context.Context, coord *stitch.Coordinator, interval time.Duration, stdout io.Writer, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		results, err := coord.Watch(ctx)
		printResults(stdout, results)
		if err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "watch cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runJob(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	payload := fs.String("payload", "-", "job payload file, or - for stdin")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	data, err := readPayload(*payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	job, err := stitch.DecodeJob(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	asm, err := stitch.NewAssembler(e.backend.store, e.cfg.Engine, stitch.WithLogger(logging.Component(e.logger, "assembler")))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	if err := asm.Run(ctx, job); err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "assembled %s from %d parts\n", job.Destination, len(job.Parts))
	return 0
}

func readPayload(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

func runRequeue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "usage: stitch requeue <name>")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	manifests, err := stitch.NewManifestStore(e.backend.store, e.cfg.Engine)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	key, err := manifests.Requeue(ctx, fs.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stitch: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "requeued %s\n", key)
	return 0
}

func printResults(w io.Writer, results []stitch.Result) {
	for _, r := range results {
		if r.Err != nil {
			_, _ = fmt.Fprintf(w, "%s\t%s\terror: %v\n", r.Key, r.Outcome, r.Err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", r.Key, r.Outcome)
	}
}
