// Package worker runs lifecycle ingestion on a bounded pool. Events for the
// same entity always land on the same worker, so they are applied in the
// order they were submitted.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keboola/docloop/internal/metrics"
	"github.com/keboola/docloop/pkg/config"
	"github.com/keboola/docloop/pkg/messages"
)

var (
	ErrPoolStopped = errors.New("worker pool is stopped")
	ErrQueueFull   = errors.New("ingestion queue is full")
)

// Pool manages a fixed set of ingestion workers
type Pool struct {
	workers []*Worker
	metrics *metrics.Metrics
	queued  atomic.Int64
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of n workers, each with its own queue
func NewPool(handler Handler, n, queueSize int) *Pool {
	if n <= 0 {
		n = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Pool{metrics: metrics.NewMetrics()}
	perWorker := queueSize / n
	if perWorker < 1 {
		perWorker = 1
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, newWorker(fmt.Sprintf("ingest-%d", i), perWorker, handler, p.jobDone))
	}
	return p
}

// FromConfig sizes a pool from the ingest configuration section
func FromConfig(handler Handler, cfg config.IngestConfig) *Pool {
	return NewPool(handler, cfg.Workers, cfg.QueueSize)
}

// Start launches the workers
func (p *Pool) Start() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run()
		}(w)
	}
	log.Printf("[Worker] Started %d ingestion workers", len(p.workers))
}

func entityKey(ev *messages.LifecycleEvent) string {
	return string(ev.EntityType) + ":" + strconv.Itoa(ev.Number)
}

func (p *Pool) shard(ev *messages.LifecycleEvent) *Worker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityKey(ev)))
	return p.workers[h.Sum32()%uint32(len(p.workers))]
}

func (p *Pool) jobDone(_ *job, _ error, _ time.Duration) {
	p.metrics.IngestQueueDepth.Set(float64(p.queued.Add(-1)))
}

func (p *Pool) enqueue(ctx context.Context, j *job, block bool) error {
	if err := j.event.Validate(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	w := p.shard(j.event)
	if block {
		select {
		case w.queue <- j:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		select {
		case w.queue <- j:
		default:
			return ErrQueueFull
		}
	}
	p.metrics.IngestQueueDepth.Set(float64(p.queued.Add(1)))
	return nil
}

// Submit queues ev, waiting for room. The handler runs with a background
// context since the caller does not wait for it.
func (p *Pool) Submit(ctx context.Context, ev *messages.LifecycleEvent) error {
	return p.enqueue(ctx, &job{ctx: context.WithoutCancel(ctx), event: ev}, true)
}

// TrySubmit queues ev or fails with ErrQueueFull
func (p *Pool) TrySubmit(ctx context.Context, ev *messages.LifecycleEvent) error {
	return p.enqueue(ctx, &job{ctx: context.WithoutCancel(ctx), event: ev}, false)
}

// SubmitAndWait queues ev and returns the handler's result
func (p *Pool) SubmitAndWait(ctx context.Context, ev *messages.LifecycleEvent) error {
	j := &job{ctx: ctx, event: ev, done: make(chan error, 1)}
	if err := p.enqueue(ctx, j, true); err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListWorkers returns a snapshot of every worker
func (p *Pool) ListWorkers() []WorkerInfo {
	infos := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, w.GetInfo())
	}
	return infos
}

// PoolStats contains statistics about the worker pool
type PoolStats struct {
	TotalWorkers   int   `json:"total_workers"`
	IdleWorkers    int   `json:"idle_workers"`
	WorkingWorkers int   `json:"working_workers"`
	StoppedWorkers int   `json:"stopped_workers"`
	Queued         int64 `json:"queued"`
	Processed      int64 `json:"processed"`
	Failed         int64 `json:"failed"`
}

// GetPoolStats returns statistics about the pool
func (p *Pool) GetPoolStats() PoolStats {
	stats := PoolStats{TotalWorkers: len(p.workers), Queued: p.queued.Load()}
	for _, info := range p.ListWorkers() {
		switch info.Status {
		case WorkerStatusIdle:
			stats.IdleWorkers++
		case WorkerStatusWorking:
			stats.WorkingWorkers++
		case WorkerStatusStopped:
			stats.StoppedWorkers++
		}
		stats.Processed += info.Processed
		stats.Failed += info.Failed
	}
	return stats
}

// Stop stops accepting events, drains the queues and waits for workers
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, w := range p.workers {
		close(w.queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
	log.Println("[Worker] Stopped all ingestion workers")
}
