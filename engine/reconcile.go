package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/core"
)

// ReconcilerConfig tunes the stuck-batch recovery loop.
type ReconcilerConfig struct {
	// Schedule is a cron expression for reconciliation passes
	// (default "@every 1m").
	Schedule string

	// StaleAfter is how long a batch may run before the reconciler
	// declares its worker dead (default 10m).
	StaleAfter time.Duration

	Logger *slog.Logger
}

// Reconciler recovers batches whose worker died between task completion
// and batch finalization: batches with every task terminal are finalized
// and their successors promoted; batches stuck mid-task past StaleAfter
// have their remaining tasks failed first.
type Reconciler struct {
	engine *Engine
	cfg    ReconcilerConfig
	log    *slog.Logger
	cron   *cron.Cron
}

// NewReconciler builds a reconciler around the engine.
func NewReconciler(engine *Engine, cfg ReconcilerConfig) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{engine: engine, cfg: cfg, log: cfg.Logger}
}

// Start schedules the reconciliation loop.
func (r *Reconciler) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if err := r.Reconcile(context.Background()); err != nil {
			r.log.Error("reconcile pass failed", "error", err)
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Reconcile runs a single recovery pass. Exported for testing and for
// a pass at startup.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)
	stuck, err := r.engine.store.StuckBatches(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, batch := range stuck {
		tasks, err := r.engine.store.ListTasks(ctx, batch.ID)
		if err != nil {
			r.log.Error("listing tasks of stuck batch", "batchId", batch.ID, "error", err)
			continue
		}

		if !allTerminal(tasks) {
			now := time.Now().UTC()
			n, err := r.engine.store.FailRunningTasks(ctx, batch.ID, now,
				&core.TaskError{Message: "Task abandoned by dead worker"})
			if err != nil {
				r.log.Error("failing abandoned tasks", "batchId", batch.ID, "error", err)
				continue
			}
			r.log.Warn("failed abandoned tasks", "batchId", batch.ID, "count", n)
		}

		if err := r.engine.finishBatch(ctx, batch.ID, batch.CanvasID); err != nil {
			r.log.Error("finalizing stuck batch", "batchId", batch.ID, "error", err)
			continue
		}
		r.log.Info("reconciled stuck batch", "batchId", batch.ID, "canvasId", batch.CanvasID)
	}
	return nil
}

func allTerminal(tasks []*core.Task) bool {
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}
