package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/linen/pkg/lg"
)

const (
	TotalMaxWorkers    = 10
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

var ErrPoolStopped = errors.New("worker pool is stopped")

type JobFunc[T any] func(context.Context, T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

type Pool[T any] struct {
	slots         chan struct{}
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}

	mu      sync.Mutex
	stopped bool

	maxAttempts int
	retryDelay  time.Duration
	logger      lg.Logger
}

type Option func(*poolOptions)

type poolOptions struct {
	maxAttempts int
	retryDelay  time.Duration
	logger      lg.Logger
}

// WithRetry sets how often a failing job is attempted and the base delay;
// attempt n waits n*delay before the next one.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(o *poolOptions) {
		o.maxAttempts = maxAttempts
		o.retryDelay = delay
	}
}

func WithLogger(l lg.Logger) Option {
	return func(o *poolOptions) { o.logger = l }
}

func NewPool[T any](maxWorkers int, opts ...Option) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	o := poolOptions{maxAttempts: DefaultMaxAttempts, retryDelay: DefaultRetryDelay, logger: lg.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 1
	}
	return &Pool[T]{
		slots:       make(chan struct{}, maxWorkers),
		quit:        make(chan struct{}),
		maxAttempts: o.maxAttempts,
		retryDelay:  o.retryDelay,
		logger:      o.logger,
	}
}

// Submit blocks until a worker slot is free, then runs job in its own goroutine.
// It fails with ErrPoolStopped after Stop, or with the job's context error.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}

	select {
	case p.slots <- struct{}{}:
	case <-p.quit:
		return ErrPoolStopped
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	atomic.AddInt32(&p.activeWorkers, 1)
	go p.worker(job)
	return nil
}

// Stop rejects new jobs and waits for running ones to finish.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()

	logger := lg.FromContextOr(job.Ctx, p.logger)
	logger.Debug("worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	if err := p.run(job); err != nil {
		logger.Error("job failed", lg.Err(err))
		return
	}
	logger.Debug("worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) run(job Job[T]) error {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = job.Fn(job.Ctx, job.Payload); err == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-job.Ctx.Done():
			return fmt.Errorf("canceled after %d attempts: %w", attempt, job.Ctx.Err())
		case <-time.After(time.Duration(attempt) * p.retryDelay):
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.maxAttempts, err)
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}
