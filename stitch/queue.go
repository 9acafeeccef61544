package stitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// maxQueueErrors bounds the job failures a Queue retains for Close.
const maxQueueErrors = 64

// Runner executes one assembly job. *Assembler is a Runner.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// Queue is an in-process Dispatcher: jobs are buffered and executed by a
// fixed pool of workers.
//
// Dispatch returns once the job is enqueued; job failures are logged and
// collected, and Close reports them. Only the first maxQueueErrors failures
// are kept; the rest are counted.
type Queue struct {
	runner Runner
	jobs   chan Job
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendMu sync.RWMutex
	closed bool

	errMu   sync.Mutex
	errs    []error
	dropped int
}

// NewQueue starts workers goroutines executing jobs through runner. Jobs
// run under ctx; canceling it abandons queued jobs.
func NewQueue(ctx context.Context, runner Runner, workers, buffer int, opts ...Option) (*Queue, error) {
	if runner == nil {
		return nil, errors.New("stitch: runner is required")
	}
	if workers <= 0 {
		return nil, configErrorf("workers", "must be positive, got %d", workers)
	}
	if buffer < 0 {
		return nil, configErrorf("buffer", "must not be negative, got %d", buffer)
	}
	o := resolveOptions(opts)

	qctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		runner: runner,
		jobs:   make(chan Job, buffer),
		logger: o.logger,
		ctx:    qctx,
		cancel: cancel,
	}
	q.wg.Add(workers)
	for range workers {
		go q.work()
	}
	return q, nil
}

// Dispatch enqueues job, blocking while the buffer is full.
func (q *Queue) Dispatch(ctx context.Context, job Job) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return q.ctx.Err()
	}
}

// Close stops accepting jobs, waits for queued jobs to finish, and returns
// the joined errors of failed jobs. Close is idempotent.
func (q *Queue) Close() error {
	q.sendMu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.sendMu.Unlock()

	q.wg.Wait()
	q.cancel()

	q.errMu.Lock()
	defer q.errMu.Unlock()
	errs := q.errs
	if q.dropped > 0 {
		errs = append(errs[:len(errs):len(errs)], fmt.Errorf("stitch: %d more job failures not retained", q.dropped))
	}
	return errors.Join(errs...)
}

func (q *Queue) work() {
	defer q.wg.Done()
	for job := range q.jobs {
		if q.ctx.Err() != nil {
			q.record(&DispatchError{Destination: job.Destination, Err: q.ctx.Err()})
			continue
		}
		if err := q.runner.Run(q.ctx, job); err != nil {
			q.logger.ErrorContext(q.ctx, "job failed", "destination", job.Destination, "error", err)
			q.record(err)
			continue
		}
		q.logger.DebugContext(q.ctx, "job finished", "destination", job.Destination, "parts", len(job.Parts))
	}
}

func (q *Queue) record(err error) {
	q.errMu.Lock()
	if len(q.errs) < maxQueueErrors {
		q.errs = append(q.errs, err)
	} else {
		q.dropped++
	}
	q.errMu.Unlock()
}
