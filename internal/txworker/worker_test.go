package txworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndWaitReturnsJobResult(t *testing.T) {
	w := New(Config{})
	defer w.Close(time.Second)

	result, err := w.SubmitAndWait(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestSubmitAndWaitPropagatesJobError(t *testing.T) {
	w := New(Config{})
	defer w.Close(time.Second)

	wantErr := errors.New("boom")
	_, err := w.SubmitAndWait(context.Background(), func(context.Context) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestJobsRunInSubmissionOrder(t *testing.T) {
	w := New(Config{QueueSize: 32})
	defer w.Close(time.Second)

	var mu sync.Mutex
	var order []int

	var futures []*Future
	for i := 0; i < 20; i++ {
		i := i
		f, err := w.Submit(context.Background(), func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSubmitAfterCloseReturnsErrClosed(t *testing.T) {
	w := New(Config{})
	require.NoError(t, w.Close(time.Second))

	_, err := w.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDrainsQueuedJobs(t *testing.T) {
	w := New(Config{QueueSize: 8})

	var ran atomicCounter
	for i := 0; i < 5; i++ {
		_, err := w.Submit(context.Background(), func(context.Context) (any, error) {
			ran.inc()
			return nil, nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, w.Close(time.Second))
	assert.Equal(t, 5, ran.get())
}

func TestSubmitAndWaitInterruptedByContext(t *testing.T) {
	w := New(Config{QueueSize: 1})
	defer w.Close(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	_, err := w.Submit(context.Background(), func(context.Context) (any, error) {
		close(started)
		<-block
		return nil, nil
	})
	require.NoError(t, err)
	// Wait until the worker has dequeued the blocking job, so the
	// one-slot queue has room for the second submission.
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = w.SubmitAndWait(ctx, func(context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
