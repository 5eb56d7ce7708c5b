package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MemQueue is an in-memory queue for tests and single-process setups.
// In Sync mode Enqueue runs the handler inline before returning, which
// makes tests deterministic.
type MemQueue struct {
	// Sync runs each job inside the Enqueue call.
	Sync bool

	mu      sync.Mutex
	handler Handler
	pending []Job
	wg      sync.WaitGroup
	closed  bool
}

// NewMemQueue creates an in-memory queue.
func NewMemQueue(sync bool) *MemQueue {
	return &MemQueue{Sync: sync}
}

// Enqueue runs or schedules the job. Jobs enqueued before Start are held
// and delivered when the handler is registered.
func (q *MemQueue) Enqueue(ctx context.Context, name string, payload []byte) (string, error) {
	job := Job{ID: uuid.NewString(), Name: name, Payload: payload, Attempt: 1}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errors.New("queue: closed")
	}
	handler := q.handler
	if handler == nil {
		q.pending = append(q.pending, job)
		q.mu.Unlock()
		return job.ID, nil
	}
	q.mu.Unlock()

	q.deliver(ctx, handler, job)
	return job.ID, nil
}

// Start registers the handler and flushes jobs enqueued before it.
func (q *MemQueue) Start(handler Handler) error {
	if handler == nil {
		return errors.New("queue: handler is required")
	}
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return errors.New("queue: already started")
	}
	q.handler = handler
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, job := range pending {
		q.deliver(context.Background(), handler, job)
	}
	return nil
}

// Close waits for async jobs to finish.
func (q *MemQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

func (q *MemQueue) deliver(ctx context.Context, handler Handler, job Job) {
	if q.Sync {
		_ = handler(ctx, job)
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_ = handler(context.Background(), job)
	}()
}

// Compile-time interface check.
var _ Queue = (*MemQueue)(nil)
