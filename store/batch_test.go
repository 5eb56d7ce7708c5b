package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomworks/loom/core"
)

func seedBatch(t *testing.T, s *Store, canvasID, batchID string, taskIDs ...string) {
	t.Helper()
	batch := &core.TaskBatch{ID: batchID, CanvasID: canvasID}
	var tasks []*core.Task
	for _, id := range taskIDs {
		tasks = append(tasks, &core.Task{ID: id, BatchID: batchID, NodeID: "node-" + id, Name: "Task " + id})
	}
	if err := s.CreateBatchWithTasks(context.Background(), batch, tasks); err != nil {
		t.Fatalf("CreateBatchWithTasks(%s) error = %v", batchID, err)
	}
}

// seedParkedBatch creates a batch with its dispatch envelope parked in
// the row, the way the engine creates every non-empty batch.
func seedParkedBatch(t *testing.T, s *Store, canvasID, batchID string, envelope []byte, taskIDs ...string) {
	t.Helper()
	batch := &core.TaskBatch{ID: batchID, CanvasID: canvasID, PendingJobData: envelope}
	var tasks []*core.Task
	for _, id := range taskIDs {
		tasks = append(tasks, &core.Task{ID: id, BatchID: batchID, NodeID: "node-" + id, Name: "Task " + id})
	}
	if err := s.CreateBatchWithTasks(context.Background(), batch, tasks); err != nil {
		t.Fatalf("CreateBatchWithTasks(%s) error = %v", batchID, err)
	}
}

func TestStore_BatchLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")
	seedBatch(t, s, "c1", "b1", "t1", "t2")

	tasks, err := s.ListTasks(ctx, "b1")
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t1" || tasks[1].ID != "t2" {
		t.Fatalf("tasks = %v, want [t1 t2] in order", tasks)
	}
	if tasks[0].Status != core.TaskQueued {
		t.Errorf("status = %q, want QUEUED", tasks[0].Status)
	}

	now := time.Now().UTC()
	ok, err := s.MarkTaskExecuting(ctx, "t1", now)
	if err != nil || !ok {
		t.Fatalf("MarkTaskExecuting() = %v, %v", ok, err)
	}
	// Redelivery: a second claim on the same task must not win.
	ok, err = s.MarkTaskExecuting(ctx, "t1", now)
	if err != nil {
		t.Fatalf("MarkTaskExecuting() twice error = %v", err)
	}
	if ok {
		t.Error("second MarkTaskExecuting claimed an already-executing task")
	}

	if err := s.CompleteTask(ctx, "t1", now, 120); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	task, _ := s.GetTask(ctx, "t1")
	if task.Status != core.TaskCompleted || task.DurationMs != 120 {
		t.Errorf("task = %+v", task)
	}

	if err := s.FailTask(ctx, "t2", now, 0, &core.TaskError{Message: "boom"}); err != nil {
		t.Fatalf("FailTask() error = %v", err)
	}
	task, _ = s.GetTask(ctx, "t2")
	if task.Status != core.TaskFailed || task.Error == nil || task.Error.Message != "boom" {
		t.Errorf("task = %+v", task)
	}
}

func TestStore_TryStartBatch_Exclusivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")
	seedParkedBatch(t, s, "c1", "b1", []byte(`{"batchId":"b1"}`), "t1")
	seedParkedBatch(t, s, "c1", "b2", []byte(`{"batchId":"b2"}`), "t2")

	now := time.Now().UTC()
	ok, err := s.TryStartBatch(ctx, "b1", "c1", now)
	if err != nil || !ok {
		t.Fatalf("TryStartBatch(b1) = %v, %v", ok, err)
	}
	// The winning claim owns dispatch, so its parked envelope is cleared.
	b1, err := s.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch(b1) error = %v", err)
	}
	if b1.PendingJobData != nil {
		t.Errorf("claimed batch kept pending data %q", b1.PendingJobData)
	}

	// b1 is running, b2 must not start.
	ok, err = s.TryStartBatch(ctx, "b2", "c1", now)
	if err != nil {
		t.Fatalf("TryStartBatch(b2) error = %v", err)
	}
	if ok {
		t.Fatal("b2 started while b1 was active on the same canvas")
	}

	// A batch on another canvas is unaffected.
	seedCanvas(t, s, "c2")
	seedBatch(t, s, "c2", "b3", "t3")
	ok, err = s.TryStartBatch(ctx, "b3", "c2", now)
	if err != nil || !ok {
		t.Fatalf("TryStartBatch(b3) = %v, %v", ok, err)
	}

	// Once b1 finishes, the deferred b2 gets promoted inside the finalizer.
	if _, err := s.FinishBatchAndPromoteNext(ctx, "b1", now); err != nil {
		t.Fatalf("FinishBatchAndPromoteNext() error = %v", err)
	}
	b2, err := s.GetBatch(ctx, "b2")
	if err != nil {
		t.Fatalf("GetBatch(b2) error = %v", err)
	}
	if b2.StartedAt == nil {
		t.Error("b2 was not promoted when b1 finished")
	}
}

func TestStore_FinishBatchAndPromoteNext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")
	seedBatch(t, s, "c1", "b1", "t1")
	envelope := []byte(`{"batchId":"b2"}`)
	seedParkedBatch(t, s, "c1", "b2", envelope, "t2")
	seedParkedBatch(t, s, "c1", "b3", []byte(`{"batchId":"b3"}`), "t3")

	now := time.Now().UTC()
	if _, err := s.TryStartBatch(ctx, "b1", "c1", now); err != nil {
		t.Fatal(err)
	}

	promoted, err := s.FinishBatchAndPromoteNext(ctx, "b1", now)
	if err != nil {
		t.Fatalf("FinishBatchAndPromoteNext() error = %v", err)
	}
	if promoted == nil || promoted.ID != "b2" {
		t.Fatalf("promoted = %+v, want b2 (oldest waiting)", promoted)
	}
	if string(promoted.PendingJobData) != string(envelope) {
		t.Errorf("promoted pending data = %q", promoted.PendingJobData)
	}

	// The promoted row is started and its pending data cleared.
	b2, _ := s.GetBatch(ctx, "b2")
	if b2.StartedAt == nil {
		t.Error("promoted batch has no started_at")
	}
	if b2.PendingJobData != nil {
		t.Errorf("promoted batch kept pending data %q", b2.PendingJobData)
	}

	// Finalizing an already-finished batch is a no-op.
	again, err := s.FinishBatchAndPromoteNext(ctx, "b1", now)
	if err != nil {
		t.Fatalf("FinishBatchAndPromoteNext() twice error = %v", err)
	}
	if again != nil {
		t.Errorf("second finalize promoted %+v, want nil", again)
	}

	// Finishing b2 promotes the next deferred batch.
	promoted, err = s.FinishBatchAndPromoteNext(ctx, "b2", now)
	if err != nil {
		t.Fatalf("FinishBatchAndPromoteNext(b2) error = %v", err)
	}
	if promoted == nil || promoted.ID != "b3" {
		t.Errorf("promoted = %+v, want b3", promoted)
	}
}

func TestStore_FinishBatch_NoWaiter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")
	seedBatch(t, s, "c1", "b1", "t1")

	now := time.Now().UTC()
	if _, err := s.TryStartBatch(ctx, "b1", "c1", now); err != nil {
		t.Fatal(err)
	}
	promoted, err := s.FinishBatchAndPromoteNext(ctx, "b1", now)
	if err != nil {
		t.Fatalf("FinishBatchAndPromoteNext() error = %v", err)
	}
	if promoted != nil {
		t.Errorf("promoted = %+v, want nil", promoted)
	}
	b1, _ := s.GetBatch(ctx, "b1")
	if b1.FinishedAt == nil {
		t.Error("batch not finished")
	}
}

func TestStore_FailRunningTasks_SkipsCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")
	seedBatch(t, s, "c1", "b1", "t1", "t2", "t3")

	now := time.Now().UTC()
	if _, err := s.MarkTaskExecuting(ctx, "t1", now); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask(ctx, "t1", now, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkTaskExecuting(ctx, "t2", now); err != nil {
		t.Fatal(err)
	}

	n, err := s.FailRunningTasks(ctx, "b1", now, &core.TaskError{Message: "aborted"})
	if err != nil {
		t.Fatalf("FailRunningTasks() error = %v", err)
	}
	if n != 2 {
		t.Errorf("failed %d tasks, want 2 (executing and queued)", n)
	}
	t1, _ := s.GetTask(ctx, "t1")
	if t1.Status != core.TaskCompleted {
		t.Errorf("t1 status = %q, completed task must not be touched", t1.Status)
	}
}

// Replays the interleaving where a dispatcher has created its batch but
// the running batch's finisher executes before the dispatch claim. The
// parked envelope makes the batch promotable, so the late claim loses
// instead of the batch being stranded unstarted.
func TestStore_FinisherPromotesBatchBeforeClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")
	seedBatch(t, s, "c1", "b1", "t1")

	now := time.Now().UTC()
	if ok, err := s.TryStartBatch(ctx, "b1", "c1", now); err != nil || !ok {
		t.Fatalf("TryStartBatch(b1) = %v, %v", ok, err)
	}

	envelope := []byte(`{"batchId":"b2"}`)
	seedParkedBatch(t, s, "c1", "b2", envelope, "t2")

	promoted, err := s.FinishBatchAndPromoteNext(ctx, "b1", now)
	if err != nil {
		t.Fatalf("FinishBatchAndPromoteNext() error = %v", err)
	}
	if promoted == nil || promoted.ID != "b2" {
		t.Fatalf("promoted = %+v, want b2", promoted)
	}
	if string(promoted.PendingJobData) != string(envelope) {
		t.Errorf("promoted envelope = %q", promoted.PendingJobData)
	}

	ok, err := s.TryStartBatch(ctx, "b2", "c1", now)
	if err != nil {
		t.Fatalf("TryStartBatch(b2) error = %v", err)
	}
	if ok {
		t.Error("late claim won on an already-promoted batch")
	}
	b2, err := s.GetBatch(ctx, "b2")
	if err != nil {
		t.Fatalf("GetBatch(b2) error = %v", err)
	}
	if b2.StartedAt == nil {
		t.Error("promoted batch has no started_at")
	}
	if b2.PendingJobData != nil {
		t.Errorf("promoted batch kept pending data %q", b2.PendingJobData)
	}
}

func TestStore_StuckBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")
	seedBatch(t, s, "c1", "b1", "t1")
	seedBatch(t, s, "c1", "b2", "t2")

	old := time.Now().UTC().Add(-time.Hour)
	if _, err := s.TryStartBatch(ctx, "b1", "c1", old); err != nil {
		t.Fatal(err)
	}

	stuck, err := s.StuckBatches(ctx, time.Now().UTC().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("StuckBatches() error = %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "b1" {
		t.Fatalf("stuck = %v, want [b1]", stuck)
	}

	now := time.Now().UTC()
	n, err := s.FailRunningTasks(ctx, "b1", now, &core.TaskError{Message: "stale"})
	if err != nil {
		t.Fatalf("FailRunningTasks() error = %v", err)
	}
	if n != 1 {
		t.Errorf("failed %d tasks, want 1", n)
	}
}

func TestStore_GetBatch_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetBatch(context.Background(), "ghost"); !errors.Is(err, core.ErrBatchNotFound) {
		t.Errorf("error = %v, want ErrBatchNotFound", err)
	}
	if _, err := s.GetTask(context.Background(), "ghost"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}
