// Package txworker serializes every mutation against the accounting store
// through a single goroutine, so a transaction never observes another
// transaction's partial state without needing row-level locking.
package txworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit/SubmitAndWait once the worker has
// been closed.
var ErrClosed = errors.New("transaction worker is closed")

// ErrQueueFull is returned by Submit/SubmitAndWait when the bounded
// submission queue has no room for another job.
var ErrQueueFull = errors.New("transaction worker queue is full")

// Job is a unit of mutating work submitted to the worker. It receives the
// context the caller submitted with and returns whatever the caller wants
// back through the Future.
type Job func(ctx context.Context) (any, error)

// Future resolves once the worker has run the Job it was returned from.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the job has run or ctx is done, whichever comes
// first.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type submission struct {
	ctx    context.Context
	fn     Job
	future *Future
}

// Worker runs submitted Jobs one at a time, in submission order, on a
// single goroutine.
type Worker struct {
	queue    chan submission
	logger   *zap.Logger
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds worker construction options.
type Config struct {
	QueueSize int
	Logger    *zap.Logger
}

// New starts a Worker and its single goroutine.
func New(cfg Config) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	w := &Worker{
		queue:    make(chan submission, cfg.QueueSize),
		logger:   cfg.Logger,
		stopChan: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	w.logger.Info("transaction worker started", zap.Int("queue_size", cfg.QueueSize))
	return w
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case s := <-w.queue:
			w.execute(s)
		case <-w.stopChan:
			w.drain()
			return
		}
	}
}

// drain runs every job already sitting in the queue before the worker
// exits, so Close's caller sees every accepted submission resolved.
func (w *Worker) drain() {
	for {
		select {
		case s := <-w.queue:
			w.execute(s)
		default:
			return
		}
	}
}

func (w *Worker) execute(s submission) {
	start := time.Now()
	result, err := w.safeRun(s)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&w.failed, 1)
		w.logger.Error("transaction failed", zap.Duration("duration", duration), zap.Error(err))
	} else {
		atomic.AddUint64(&w.completed, 1)
		w.logger.Debug("transaction committed", zap.Duration("duration", duration))
	}

	s.future.result = result
	s.future.err = err
	close(s.future.done)
}

func (w *Worker) safeRun(s submission) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction panicked: %v", r)
			w.logger.Error("transaction panic recovered", zap.Any("panic", r))
		}
	}()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return s.fn(ctx)
}

// Submit enqueues fn and returns a Future for its eventual result. It
// returns an error immediately, without running fn, if the worker is
// closed or its queue is full.
func (w *Worker) Submit(ctx context.Context, fn Job) (*Future, error) {
	select {
	case <-w.stopChan:
		atomic.AddUint64(&w.rejected, 1)
		return nil, ErrClosed
	default:
	}

	future := &Future{done: make(chan struct{})}
	select {
	case w.queue <- submission{ctx: ctx, fn: fn, future: future}:
		atomic.AddUint64(&w.submitted, 1)
		return future, nil
	default:
		atomic.AddUint64(&w.rejected, 1)
		return nil, ErrQueueFull
	}
}

// SubmitAndWait submits fn and blocks until it has run.
func (w *Worker) SubmitAndWait(ctx context.Context, fn Job) (any, error) {
	future, err := w.Submit(ctx, fn)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// Close stops accepting new submissions, drains whatever is already
// queued, and waits up to timeout for the worker goroutine to exit.
func (w *Worker) Close(timeout time.Duration) error {
	var err error
	w.stopOnce.Do(func() {
		w.logger.Info("stopping transaction worker")
		close(w.stopChan)

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			w.logger.Info("transaction worker drained")
		case <-time.After(timeout):
			err = fmt.Errorf("transaction worker close timeout after %v", timeout)
			w.logger.Warn("transaction worker close timed out")
		}
	})
	return err
}

// Stats reports counters useful for metrics export.
type Stats struct {
	QueueSize int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

func (w *Worker) Stats() Stats {
	return Stats{
		QueueSize: cap(w.queue),
		Queued:    len(w.queue),
		Submitted: atomic.LoadUint64(&w.submitted),
		Completed: atomic.LoadUint64(&w.completed),
		Failed:    atomic.LoadUint64(&w.failed),
		Rejected:  atomic.LoadUint64(&w.rejected),
	}
}
