package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	payload BLOB,
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TEXT NOT NULL,
	claimed_at TEXT,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, seq);`

const (
	jobPending = "PENDING"
	jobClaimed = "CLAIMED"
	jobDone    = "DONE"
	jobFailed  = "FAILED"
)

const (
	defaultWorkers       = 4
	maxWorkers           = 10
	defaultRatePerSecond = 20
	maxRatePerSecond     = 100
	defaultPollInterval  = 100 * time.Millisecond
	defaultMaxAttempts   = 3
)

// SQLiteConfig configures the durable queue.
type SQLiteConfig struct {
	// DB is an open database handle, typically shared with the store.
	DB *sql.DB

	// Workers bounds concurrent handler invocations (default 4, max 10).
	Workers int

	// RatePerSecond caps dispatches per second (default 20, max 100).
	RatePerSecond int

	// PollInterval is the idle poll period (default 100ms).
	PollInterval time.Duration

	// MaxAttempts retries a failing job this many times before it is
	// marked FAILED (default 3).
	MaxAttempts int

	Logger *slog.Logger
}

// SQLiteQueue is a durable FIFO job queue on top of SQLite. Jobs survive
// restarts; on Start, jobs left CLAIMED by a dead process are reset to
// PENDING and redelivered, so handlers must be idempotent.
type SQLiteQueue struct {
	db      *sql.DB
	cfg     SQLiteConfig
	log     *slog.Logger
	handler Handler

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewSQLiteQueue prepares the jobs table on the given database.
func NewSQLiteQueue(cfg SQLiteConfig) (*SQLiteQueue, error) {
	if cfg.DB == nil {
		return nil, errors.New("queue: database handle is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Workers > maxWorkers {
		cfg.Workers = maxWorkers
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSecond
	}
	if cfg.RatePerSecond > maxRatePerSecond {
		cfg.RatePerSecond = maxRatePerSecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if _, err := cfg.DB.Exec(jobsSchema); err != nil {
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	return &SQLiteQueue{
		db:   cfg.DB,
		cfg:  cfg,
		log:  cfg.Logger,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Enqueue persists a job in PENDING state.
func (q *SQLiteQueue) Enqueue(ctx context.Context, name string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := q.db.ExecContext(ctx, `
INSERT INTO jobs (id, name, payload, status, created_at)
VALUES (?, ?, ?, ?, ?)`,
		id, name, payload, jobPending, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Start recovers orphaned jobs and begins the dispatch loop.
func (q *SQLiteQueue) Start(handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue: already started")
	}
	if handler == nil {
		return errors.New("queue: handler is required")
	}
	q.started = true
	q.handler = handler

	// Jobs claimed by a previous process never finished; redeliver them.
	if _, err := q.db.Exec(`
UPDATE jobs SET status = ?, claimed_at = NULL WHERE status = ?`,
		jobPending, jobClaimed); err != nil {
		return fmt.Errorf("queue: recover claimed jobs: %w", err)
	}

	go q.dispatchLoop()
	return nil
}

// Close stops the dispatch loop and waits for in-flight handlers.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	close(q.stop)
	if started {
		<-q.done
	}
	q.wg.Wait()
	return nil
}

func (q *SQLiteQueue) dispatchLoop() {
	defer close(q.done)

	minGap := time.Second / time.Duration(q.cfg.RatePerSecond)
	rate := time.NewTicker(minGap)
	defer rate.Stop()

	sem := make(chan struct{}, q.cfg.Workers)

	for {
		select {
		case <-q.stop:
			return
		case <-rate.C:
		}

		job, ok, err := q.claimNext()
		if err != nil {
			q.log.Error("queue claim failed", "error", err)
			continue
		}
		if !ok {
			select {
			case <-q.stop:
				return
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-q.stop:
			// Shutting down; put the claim back.
			q.requeue(job.ID, "shutdown before execution")
			return
		}

		q.wg.Add(1)
		go func(job Job) {
			defer q.wg.Done()
			defer func() { <-sem }()
			q.run(job)
		}(job)
	}
}

func (q *SQLiteQueue) claimNext() (Job, bool, error) {
	row := q.db.QueryRow(`
UPDATE jobs SET status = ?, claimed_at = ?, attempts = attempts + 1
WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY seq ASC LIMIT 1)
RETURNING id, name, payload, attempts`,
		jobClaimed, time.Now().UTC().Format(time.RFC3339Nano), jobPending)

	var job Job
	if err := row.Scan(&job.ID, &job.Name, &job.Payload, &job.Attempt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("queue: claim: %w", err)
	}
	return job, true, nil
}

func (q *SQLiteQueue) run(job Job) {
	err := q.handler(context.Background(), job)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if err == nil {
		if _, dbErr := q.db.Exec(`
UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?`,
			jobDone, now, job.ID); dbErr != nil {
			q.log.Error("queue mark done failed", "jobId", job.ID, "error", dbErr)
		}
		return
	}

	q.log.Warn("queue job failed", "jobId", job.ID, "name", job.Name,
		"attempt", job.Attempt, "error", err)

	if job.Attempt < q.cfg.MaxAttempts {
		q.requeue(job.ID, err.Error())
		return
	}
	if _, dbErr := q.db.Exec(`
UPDATE jobs SET status = ?, finished_at = ?, last_error = ? WHERE id = ?`,
		jobFailed, now, err.Error(), job.ID); dbErr != nil {
		q.log.Error("queue mark failed failed", "jobId", job.ID, "error", dbErr)
	}
}

func (q *SQLiteQueue) requeue(jobID, reason string) {
	if _, err := q.db.Exec(`
UPDATE jobs SET status = ?, claimed_at = NULL, last_error = ? WHERE id = ?`,
		jobPending, reason, jobID); err != nil {
		q.log.Error("queue requeue failed", "jobId", jobID, "error", err)
	}
}

// Compile-time interface check.
var _ Queue = (*SQLiteQueue)(nil)
