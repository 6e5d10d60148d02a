// Package workerpool runs jobs on a fixed number of goroutines fed by a
// bounded queue. Submit never blocks: a full queue rejects the job.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	// ErrFull is returned by Submit when the queue is at capacity.
	ErrFull = errors.New("workerpool: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("workerpool: closed")
)

var poolJobs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kf_workerpool_jobs_total",
		Help: "Jobs seen by worker pools by outcome (queued, rejected, done, panicked).",
	},
	[]string{"pool", "outcome"},
)

func init() {
	prometheus.MustRegister(poolJobs)
}

// Pool processes jobs of type J with a fixed set of workers.
type Pool[J any] struct {
	name   string
	handle func(context.Context, J)
	jobs   chan J

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines reading from a queue of the given capacity.
// Non-positive sizes fall back to one worker and a one-slot queue.
func New[J any](name string, workers, queue int, handle func(context.Context, J)) *Pool[J] {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[J]{
		name:   name,
		handle: handle,
		jobs:   make(chan J, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(i)
	}
	log.Info().Str("pool", name).Int("workers", workers).Int("queue", queue).Msg("worker pool started")
	return p
}

// Submit queues job without blocking.
func (p *Pool[J]) Submit(job J) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		poolJobs.WithLabelValues(p.name, "queued").Inc()
		return nil
	default:
		poolJobs.WithLabelValues(p.name, "rejected").Inc()
		return ErrFull
	}
}

// Len is the number of queued jobs not yet picked up.
func (p *Pool[J]) Len() int { return len(p.jobs) }

// Close stops accepting jobs and waits for queued jobs to finish. When ctx
// ends first, running jobs see their context cancelled and Close returns
// ctx.Err() without waiting further.
func (p *Pool[J]) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *Pool[J]) run(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.safeHandle(id, job)
	}
}

func (p *Pool[J]) safeHandle(id int, job J) {
	defer func() {
		if r := recover(); r != nil {
			poolJobs.WithLabelValues(p.name, "panicked").Inc()
			log.Error().Interface("panic", r).Str("pool", p.name).Int("worker", id).Msg("job panicked")
		}
	}()
	p.handle(p.ctx, job)
	poolJobs.WithLabelValues(p.name, "done").Inc()
}
