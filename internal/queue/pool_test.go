package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/errs"
)

func TestPool(t *testing.T) {
	t.Run("Should run every enqueued job", func(t *testing.T) {
		var mu sync.Mutex
		seen := map[string]int{}
		p := New(Options{Concurrency: 3, Size: 10}, func(_ context.Context, job Job) error {
			mu.Lock()
			seen[job.TaskID] = job.Attempt
			mu.Unlock()
			return nil
		})
		p.Start(context.Background())
		defer p.Stop()

		for _, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, p.Enqueue(context.Background(), Job{TaskID: id}))
		}

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 4
		}, time.Second, 5*time.Millisecond)
		mu.Lock()
		assert.Equal(t, 1, seen["a"])
		mu.Unlock()
	})

	t.Run("Should redeliver retryable failures until success", func(t *testing.T) {
		var attempts []int
		var mu sync.Mutex
		p := New(Options{Concurrency: 1, MaxRetries: 3, Backoff: time.Millisecond}, func(_ context.Context, job Job) error {
			mu.Lock()
			attempts = append(attempts, job.Attempt)
			mu.Unlock()
			if job.Attempt < 3 {
				return Retry(errors.New("provider busy"))
			}
			return nil
		})
		p.Start(context.Background())
		defer p.Stop()

		require.NoError(t, p.Enqueue(context.Background(), Job{TaskID: "t1"}))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(attempts) == 3
		}, time.Second, 5*time.Millisecond)
		mu.Lock()
		assert.Equal(t, []int{1, 2, 3}, attempts)
		mu.Unlock()
	})

	t.Run("Should stop redelivering after the retry cap", func(t *testing.T) {
		var calls atomic.Int32
		p := New(Options{Concurrency: 1, MaxRetries: 2, Backoff: time.Millisecond}, func(context.Context, Job) error {
			calls.Add(1)
			return Retry(errors.New("still down"))
		})
		p.Start(context.Background())
		defer p.Stop()

		require.NoError(t, p.Enqueue(context.Background(), Job{TaskID: "t1"}))

		assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("Should hand exhausted jobs to the exhaustion hook", func(t *testing.T) {
		exhausted := make(chan Job, 1)
		var lastErr atomic.Value
		p := New(Options{
			Concurrency: 1,
			MaxRetries:  2,
			Backoff:     time.Millisecond,
			OnExhausted: func(_ context.Context, job Job, err error) {
				lastErr.Store(err)
				exhausted <- job
			},
		}, func(context.Context, Job) error {
			return Retry(errors.New("503 service unavailable"))
		})
		p.Start(context.Background())
		defer p.Stop()

		require.NoError(t, p.Enqueue(context.Background(), Job{TaskID: "t1", Subject: "Energy"}))

		select {
		case job := <-exhausted:
			assert.Equal(t, "t1", job.TaskID)
			assert.Equal(t, 3, job.Attempt)
			err, _ := lastErr.Load().(error)
			require.Error(t, err)
			assert.True(t, ShouldRetry(err))
			assert.Contains(t, err.Error(), "503")
		case <-time.After(time.Second):
			t.Fatal("exhaustion hook was not called")
		}
	})

	t.Run("Should not redeliver plain failures", func(t *testing.T) {
		var calls atomic.Int32
		var hooked atomic.Bool
		p := New(Options{
			Concurrency: 1,
			MaxRetries:  3,
			Backoff:     time.Millisecond,
			OnExhausted: func(context.Context, Job, error) { hooked.Store(true) },
		}, func(context.Context, Job) error {
			calls.Add(1)
			return errors.New("bad input")
		})
		p.Start(context.Background())
		defer p.Stop()

		require.NoError(t, p.Enqueue(context.Background(), Job{TaskID: "t1"}))
		assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		assert.EqualValues(t, 1, calls.Load())
		assert.False(t, hooked.Load())
	})

	t.Run("Should survive a panicking handler", func(t *testing.T) {
		var done atomic.Bool
		p := New(Options{Concurrency: 1}, func(_ context.Context, job Job) error {
			if job.TaskID == "boom" {
				panic("nil map")
			}
			done.Store(true)
			return nil
		})
		p.Start(context.Background())
		defer p.Stop()

		require.NoError(t, p.Enqueue(context.Background(), Job{TaskID: "boom"}))
		require.NoError(t, p.Enqueue(context.Background(), Job{TaskID: "ok"}))
		assert.Eventually(t, done.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("Should bound each attempt with the timeout", func(t *testing.T) {
		result := make(chan error, 1)
		p := New(Options{Concurrency: 1, Timeout: 20 * time.Millisecond}, func(ctx context.Context, _ Job) error {
			<-ctx.Done()
			result <- ctx.Err()
			return ctx.Err()
		})
		p.Start(context.Background())
		defer p.Stop()

		require.NoError(t, p.Enqueue(context.Background(), Job{TaskID: "slow"}))
		select {
		case err := <-result:
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		case <-time.After(time.Second):
			t.Fatal("handler was never cancelled")
		}
	})

	t.Run("Should reject jobs after stop", func(t *testing.T) {
		p := New(Options{}, func(context.Context, Job) error { return nil })
		p.Start(context.Background())
		p.Stop()

		err := p.Enqueue(context.Background(), Job{TaskID: "late"})
		assert.True(t, errs.Is(err, errs.Unavailable))
	})

	t.Run("Should compute quadratic backoff", func(t *testing.T) {
		p := New(Options{Backoff: 500 * time.Millisecond}, nil)
		assert.Equal(t, 500*time.Millisecond, p.backoff(1))
		assert.Equal(t, 2*time.Second, p.backoff(2))
		assert.Equal(t, 4500*time.Millisecond, p.backoff(3))
	})
}
