// Package queue is the in-process execution backend: a bounded job channel
// drained by a fixed set of workers. Delivery is at-least-once; a handler asks
// for redelivery by returning an error wrapped with Retry, and the job comes
// back after a quadratic backoff until the retry cap is reached.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"riskwatch/internal/errs"
)

// Job is one delivery of a task execution
type Job struct {
	TaskID  string
	Subject string
	Attempt int // 1 for the first delivery
}

// Handler executes a job
type Handler func(ctx context.Context, job Job) error

// RetryError asks the pool to redeliver the job after backoff
type RetryError struct{ Err error }

func (e *RetryError) Error() string { return e.Err.Error() }
func (e *RetryError) Unwrap() error { return e.Err }

// Retry marks err as a request for redelivery
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &RetryError{Err: err}
}

// ShouldRetry reports whether err asks for redelivery
func ShouldRetry(err error) bool { return errors.As(err, new(*RetryError)) }

// Options configures a Pool
type Options struct {
	Concurrency int
	Size        int
	MaxRetries  int
	Backoff     time.Duration // base delay; attempt n waits Backoff*n*n
	Timeout     time.Duration // per attempt; zero disables
	// OnExhausted is called when a job still asks for redelivery after
	// MaxRetries redeliveries. The handler's owner settles the job there.
	OnExhausted func(ctx context.Context, job Job, err error)
}

// Pool runs jobs on a fixed number of workers
type Pool struct {
	opts    Options
	handler Handler
	jobs    chan Job
	quit    chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	timers  map[*time.Timer]struct{}
	group   *errgroup.Group
}

// New creates a pool. Jobs may be enqueued before Start.
func New(opts Options, handler Handler) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Size <= 0 {
		opts.Size = 64
	}
	return &Pool{
		opts:    opts,
		handler: handler,
		jobs:    make(chan Job, opts.Size),
		quit:    make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		worker := i + 1
		g.Go(func() error {
			p.work(gctx, worker)
			return nil
		})
	}
	p.group = g
	log.Printf("Worker pool started: workers=%d queue=%d max_retries=%d", p.opts.Concurrency, p.opts.Size, p.opts.MaxRetries)
}

// Stop cancels pending redeliveries and waits for running jobs to return.
// Jobs still queued are dropped; their tasks remain in the store for recovery.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	for t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	g := p.group
	p.mu.Unlock()

	if g != nil {
		_ = g.Wait()
	}
	log.Println("Worker pool stopped")
}

// Len returns the number of jobs waiting for a worker
func (p *Pool) Len() int { return len(p.jobs) }

// Enqueue adds a job, blocking while the queue is full
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	select {
	case <-p.quit:
		return errs.Ef(errs.Unavailable, "enqueue", "worker pool is stopped")
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-p.quit:
		return errs.Ef(errs.Unavailable, "enqueue", "worker pool is stopped")
	case <-ctx.Done():
		return errs.E(errs.Unavailable, "enqueue", ctx.Err())
	}
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case job := <-p.jobs:
			err := p.run(ctx, job)
			if err == nil {
				continue
			}
			if ShouldRetry(err) && job.Attempt <= p.opts.MaxRetries {
				p.redeliver(job, err)
				continue
			}
			log.Printf("[%s] worker %d: attempt %d failed, not retrying: %v", job.TaskID, worker, job.Attempt, err)
			if ShouldRetry(err) && p.opts.OnExhausted != nil {
				p.opts.OnExhausted(ctx, job, err)
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] handler panic recovered: %v", job.TaskID, r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	return p.handler(ctx, job)
}

// backoff returns the delay before redelivering after the given attempt
func (p *Pool) backoff(attempt int) time.Duration {
	return p.opts.Backoff * time.Duration(attempt*attempt)
}

func (p *Pool) redeliver(job Job, cause error) {
	delay := p.backoff(job.Attempt)
	next := job
	next.Attempt++
	log.Printf("[%s] retry %d/%d in %v: %v", job.TaskID, job.Attempt, p.opts.MaxRetries, delay, cause)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		if err := p.Enqueue(context.Background(), next); err != nil {
			log.Printf("[%s] WARNING: redelivery dropped: %v", next.TaskID, err)
		}
	})
	p.timers[t] = struct{}{}
}
