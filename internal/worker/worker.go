package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/keboola/docloop/pkg/messages"
)

// WorkerStatus represents the status of a worker
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// Handler applies one lifecycle event
type Handler func(ctx context.Context, ev *messages.LifecycleEvent) error

type job struct {
	ctx   context.Context
	event *messages.LifecycleEvent
	done  chan error // nil for fire-and-forget submissions
}

// Worker drains one shard of the ingestion queue in order
type Worker struct {
	id        string
	queue     chan *job
	handler   Handler
	onDone    func(*job, error, time.Duration)
	mu        sync.RWMutex
	status    WorkerStatus
	current   string
	processed int64
	failed    int64
	lastError string
	lastAct   time.Time
}

// WorkerInfo is a point-in-time view of a worker
type WorkerInfo struct {
	ID           string       `json:"id"`
	Status       WorkerStatus `json:"status"`
	CurrentEvent string       `json:"current_event,omitempty"`
	Queued       int          `json:"queued"`
	Processed    int64        `json:"processed"`
	Failed       int64        `json:"failed"`
	LastError    string       `json:"last_error,omitempty"`
	LastActive   time.Time    `json:"last_active"`
}

func newWorker(id string, queueSize int, handler Handler, onDone func(*job, error, time.Duration)) *Worker {
	return &Worker{
		id:      id,
		queue:   make(chan *job, queueSize),
		handler: handler,
		onDone:  onDone,
		status:  WorkerStatusIdle,
		lastAct: time.Now(),
	}
}

// run processes jobs until the queue is closed
func (w *Worker) run() {
	for j := range w.queue {
		w.process(j)
	}
	w.mu.Lock()
	w.status = WorkerStatusStopped
	w.mu.Unlock()
	log.Printf("[Worker] %s stopped", w.id)
}

func (w *Worker) process(j *job) {
	key := j.event.Key()
	w.mu.Lock()
	w.status = WorkerStatusWorking
	w.current = key
	w.mu.Unlock()

	start := time.Now()
	var err error
	if ctxErr := j.ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else {
		err = w.handler(j.ctx, j.event)
	}
	took := time.Since(start)

	w.mu.Lock()
	w.status = WorkerStatusIdle
	w.current = ""
	w.lastAct = time.Now()
	if err != nil {
		w.failed++
		w.lastError = err.Error()
	} else {
		w.processed++
	}
	w.mu.Unlock()

	if err != nil && j.done == nil {
		log.Printf("[Worker] %s failed to apply %s: %v", w.id, key, err)
	}
	if w.onDone != nil {
		w.onDone(j, err, took)
	}
	if j.done != nil {
		j.done <- err
	}
}

// GetStatus returns the worker status
func (w *Worker) GetStatus() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// GetInfo returns a snapshot of the worker
func (w *Worker) GetInfo() WorkerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerInfo{
		ID:           w.id,
		Status:       w.status,
		CurrentEvent: w.current,
		Queued:       len(w.queue),
		Processed:    w.processed,
		Failed:       w.failed,
		LastError:    w.lastError,
		LastActive:   w.lastAct,
	}
}
