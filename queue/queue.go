// Package queue provides the workflow job queue: a durable SQLite-backed
// implementation for production and an in-memory one for tests. Workers
// are concurrency-bounded and dispatch is rate-limited to protect
// downstream services.
package queue

import "context"

// Job is one unit of queued work. Payload is an opaque envelope the
// handler decodes.
type Job struct {
	ID      string
	Name    string
	Payload []byte
	Attempt int
}

// Handler processes one job. A returned error marks the attempt failed;
// the queue decides whether to retry.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs and feeds them to a single registered handler.
type Queue interface {
	// Enqueue adds a job and returns its id.
	Enqueue(ctx context.Context, name string, payload []byte) (string, error)

	// Start registers the handler and begins dispatching. It must be
	// called exactly once before jobs are consumed.
	Start(handler Handler) error

	// Close stops dispatching and waits for in-flight jobs to finish.
	Close() error
}
