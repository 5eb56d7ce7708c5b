package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	iriscore "github.com/petal-labs/iris/core"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/queue"
	"github.com/loomworks/loom/storage"
	"github.com/loomworks/loom/store"
)

// JobProcessNode is the queue job name for batch execution envelopes.
const JobProcessNode = "process-node"

// JobEnvelope is the serialized dispatch payload for one batch. It is
// what lands on the queue; until a dispatch claim wins it also sits
// parked in the batch row's pendingJobData, where the finisher of the
// running batch can find it for promotion.
type JobEnvelope struct {
	BatchID      string          `json:"batchId"`
	CanvasID     string          `json:"canvasId"`
	TaskSequence []string        `json:"taskSequence"`
	SelectionMap map[string]bool `json:"selectionMap"`
	APIKey       string          `json:"apiKey,omitempty"`
}

// Config wires the engine.
type Config struct {
	Store    *store.Store
	Queue    queue.Queue
	Storage  *storage.Service
	Registry *Registry
	Provider iriscore.Provider
	Logger   *slog.Logger
	Events   EventHandler
}

// Engine owns run planning, dispatch, and the worker that executes
// batches off the queue.
type Engine struct {
	store    *store.Store
	queue    queue.Queue
	storage  *storage.Service
	registry *Registry
	provider iriscore.Provider
	log      *slog.Logger
	emit     EventHandler
}

// New validates the wiring and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = func(Event) {}
	}
	return &Engine{
		store:    cfg.Store,
		queue:    cfg.Queue,
		storage:  cfg.Storage,
		registry: cfg.Registry,
		provider: cfg.Provider,
		log:      cfg.Logger,
		emit:     cfg.Events,
	}, nil
}

// Registry returns the engine's processor registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start attaches the engine to its queue and begins consuming jobs.
func (e *Engine) Start() error {
	return e.queue.Start(e.HandleJob)
}

// Close stops the queue.
func (e *Engine) Close() error {
	return e.queue.Close()
}

// ProcessNodes plans and dispatches a run. A nil nodeIDs runs the whole
// canvas. The returned batch is QUEUED (deferred behind a running batch),
// running, or already finished when the plan came out empty.
func (e *Engine) ProcessNodes(ctx context.Context, canvasID string, nodeIDs []string, apiKey string) (*core.TaskBatch, error) {
	tree, err := e.store.LoadCanvasTree(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	templates, err := e.store.TemplatesByID(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(tree, templates, nodeIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	batch := &core.TaskBatch{ID: uuid.NewString(), CanvasID: canvasID, CreatedAt: now}

	// Empty plan: nothing to run, the batch is born finished.
	if len(plan.Order) == 0 {
		batch.FinishedAt = &now
		if err := e.store.CreateBatchWithTasks(ctx, batch, nil); err != nil {
			return nil, err
		}
		return batch, nil
	}

	tasks := make([]*core.Task, 0, len(plan.Order))
	envelope := JobEnvelope{
		BatchID:      batch.ID,
		CanvasID:     canvasID,
		SelectionMap: make(map[string]bool, len(plan.Order)),
		APIKey:       apiKey,
	}
	for _, nodeID := range plan.Order {
		node, _ := plan.Snapshot.Node(nodeID)
		task := &core.Task{
			ID:      uuid.NewString(),
			BatchID: batch.ID,
			NodeID:  nodeID,
			Name:    taskName(node),
			Status:  core.TaskQueued,
		}
		tasks = append(tasks, task)
		envelope.TaskSequence = append(envelope.TaskSequence, task.ID)
		envelope.SelectionMap[task.ID] = plan.Selected[nodeID]
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("engine: encode envelope: %w", err)
	}

	// The envelope is parked in the batch row before the claim, so a
	// finisher running between the insert and the claim sees a
	// promotable batch rather than a half-dispatched one.
	batch.PendingJobData = data
	if err := e.store.CreateBatchWithTasks(ctx, batch, tasks); err != nil {
		return nil, err
	}

	started, err := e.store.TryStartBatch(ctx, batch.ID, canvasID, now)
	if err != nil {
		return nil, err
	}
	if !started {
		// Another batch holds the canvas, or a finisher already
		// promoted this one off its parked envelope.
		e.emit(NewEvent(EventBatchDeferred, batch.ID, canvasID))
		return batch, nil
	}

	batch.StartedAt = &now
	batch.PendingJobData = nil
	if _, err := e.queue.Enqueue(ctx, JobProcessNode, data); err != nil {
		return nil, fmt.Errorf("engine: enqueue batch: %w", err)
	}
	return batch, nil
}

// HandleJob is the queue handler: it decodes the envelope and runs the
// batch. Redeliveries are safe because terminal tasks and finished
// batches are skipped.
func (e *Engine) HandleJob(ctx context.Context, job queue.Job) error {
	if job.Name != JobProcessNode {
		e.log.Warn("unknown job", "name", job.Name, "jobId", job.ID)
		return nil
	}
	var env JobEnvelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return fmt.Errorf("engine: decode envelope: %w", err)
	}
	return e.RunBatch(ctx, env)
}

// RunBatch executes a batch's tasks serially in topological order, then
// finalizes the batch and promotes the next deferred batch on the canvas.
func (e *Engine) RunBatch(ctx context.Context, env JobEnvelope) error {
	batch, err := e.store.GetBatch(ctx, env.BatchID)
	if err != nil {
		if errors.Is(err, core.ErrBatchNotFound) {
			e.log.Warn("batch vanished before execution", "batchId", env.BatchID)
			return nil
		}
		return err
	}
	if batch.FinishedAt != nil {
		return nil
	}

	tree, err := e.store.LoadCanvasTree(ctx, env.CanvasID)
	if err != nil {
		if errors.Is(err, core.ErrCanvasNotFound) {
			// Canvas deleted mid-flight: fail what is left and close out.
			now := time.Now().UTC()
			if _, failErr := e.store.FailRunningTasks(ctx, env.BatchID, now,
				&core.TaskError{Message: "Canvas removed before processing"}); failErr != nil {
				e.log.Error("failing tasks of removed canvas", "batchId", env.BatchID, "error", failErr)
			}
			return e.finishBatch(ctx, env.BatchID, env.CanvasID)
		}
		return err
	}
	templates, err := e.store.TemplatesByID(ctx)
	if err != nil {
		return err
	}

	snap := graph.NewSnapshot(tree.Canvas, tree.Nodes, tree.Handles, tree.Edges)
	resolver := graph.NewResolver(snap, e.storage)

	e.emit(NewEvent(EventBatchStarted, env.BatchID, env.CanvasID))
	for _, taskID := range env.TaskSequence {
		e.runTask(ctx, snap, resolver, templates, env, taskID)
	}
	return e.finishBatch(ctx, env.BatchID, env.CanvasID)
}

func (e *Engine) runTask(ctx context.Context, snap *graph.Snapshot, resolver *graph.Resolver, templates map[string]*core.NodeTemplate, env JobEnvelope, taskID string) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.log.Warn("task lookup failed", "taskId", taskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		return
	}
	started := time.Now().UTC()
	claimed, err := e.store.MarkTaskExecuting(ctx, taskID, started)
	if err != nil {
		e.log.Error("task claim failed", "taskId", taskID, "error", err)
		return
	}
	if !claimed {
		return
	}

	node, err := e.store.GetNode(ctx, task.NodeID)
	if err != nil {
		e.failTask(ctx, env, task, started, "Node removed before processing")
		return
	}

	event := NewEvent(EventTaskStarted, env.BatchID, env.CanvasID).
		WithTask(taskID, node.ID, node.Type)
	e.emit(event)

	isTerminal := isTerminalTemplate(templates, node)
	isTransient := isTransientTemplate(templates, node)
	selected := env.SelectionMap[taskID]

	// Terminal ancestors never re-execute unless asked for directly.
	if isTerminal && !selected {
		skippedAt := time.Now().UTC()
		if err := e.store.CompleteTask(ctx, taskID, skippedAt, skippedAt.Sub(started).Milliseconds()); err != nil {
			e.log.Error("completing skipped task", "taskId", taskID, "error", err)
		}
		e.emit(NewEvent(EventTaskSkipped, env.BatchID, env.CanvasID).
			WithTask(taskID, node.ID, node.Type))
		return
	}

	processor, ok := e.registry.Lookup(node.Type)
	if !ok {
		e.failTask(ctx, env, task, started, fmt.Sprintf("No processor for type %s", node.Type))
		return
	}

	// Earlier tasks in this batch may have produced fresh results;
	// refresh every upstream node before the processor reads them.
	for _, upstreamID := range snap.UpstreamNodeIDs(node.ID) {
		fresh, err := e.store.GetNode(ctx, upstreamID)
		if err != nil {
			continue
		}
		snap.SetResult(upstreamID, fresh.Result)
	}

	result := e.invoke(ctx, processor, ProcessorInput{
		Node:     node,
		Template: templateFor(templates, node),
		Snapshot: snap,
		Resolver: resolver,
		Storage:  e.storage,
		Provider: e.provider,
		APIKey:   env.APIKey,
		Selected: selected,
	})

	if !result.Success {
		e.failTask(ctx, env, task, started, result.Error)
		return
	}

	if result.NewResult != nil {
		snap.SetResult(node.ID, result.NewResult)
		if !isTransient {
			if err := e.store.UpdateNodeResult(ctx, node.ID, result.NewResult); err != nil &&
				!errors.Is(err, core.ErrNodeNotFound) {
				e.failTask(ctx, env, task, started, fmt.Sprintf("Persisting result: %v", err))
				return
			}
		}
	}

	// durationMs is derived from the stored finish time, so the two
	// never drift apart by the result-persistence latency.
	finished := time.Now().UTC()
	elapsed := finished.Sub(started)
	if err := e.store.CompleteTask(ctx, taskID, finished, elapsed.Milliseconds()); err != nil {
		e.log.Error("completing task", "taskId", taskID, "error", err)
		return
	}
	e.emit(NewEvent(EventTaskCompleted, env.BatchID, env.CanvasID).
		WithTask(taskID, node.ID, node.Type).WithElapsed(elapsed))
}

// invoke shields the run loop from processor panics.
func (e *Engine) invoke(ctx context.Context, p Processor, in ProcessorInput) (result ProcessorResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("processor panic", "nodeId", in.Node.ID, "type", in.Node.Type, "panic", r)
			result = Failure("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, in)
}

func (e *Engine) failTask(ctx context.Context, env JobEnvelope, task *core.Task, started time.Time, message string) {
	now := time.Now().UTC()
	if err := e.store.FailTask(ctx, task.ID, now, now.Sub(started).Milliseconds(),
		&core.TaskError{Message: message}); err != nil {
		e.log.Error("failing task", "taskId", task.ID, "error", err)
	}
	e.emit(NewEvent(EventTaskFailed, env.BatchID, env.CanvasID).
		WithTask(task.ID, task.NodeID, "").WithPayload("error", message))
}

// finishBatch finalizes a batch and, when the finalizer promoted a
// deferred batch, enqueues its stored envelope.
func (e *Engine) finishBatch(ctx context.Context, batchID, canvasID string) error {
	promoted, err := e.store.FinishBatchAndPromoteNext(ctx, batchID, time.Now().UTC())
	if err != nil {
		return err
	}
	e.emit(NewEvent(EventBatchFinished, batchID, canvasID))
	if promoted == nil {
		return nil
	}
	if _, err := e.queue.Enqueue(ctx, JobProcessNode, promoted.PendingJobData); err != nil {
		return fmt.Errorf("engine: enqueue promoted batch %s: %w", promoted.ID, err)
	}
	e.emit(NewEvent(EventBatchPromoted, promoted.ID, canvasID))
	return nil
}

func taskName(node *core.Node) string {
	if node == nil {
		return "unknown node"
	}
	if node.Name != "" {
		return node.Name
	}
	return string(node.Type)
}
