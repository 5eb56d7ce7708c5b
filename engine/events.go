package engine

import (
	"time"

	"github.com/loomworks/loom/core"
)

// EventKind identifies the type of event emitted during batch execution.
type EventKind string

const (
	// EventBatchStarted is emitted when a worker picks up a batch.
	EventBatchStarted EventKind = "batch.started"

	// EventBatchDeferred is emitted when dispatch parks a batch behind a
	// running one on the same canvas.
	EventBatchDeferred EventKind = "batch.deferred"

	// EventBatchFinished is emitted when all tasks reached a terminal state.
	EventBatchFinished EventKind = "batch.finished"

	// EventBatchPromoted is emitted when a finished batch hands off to
	// the next deferred batch on its canvas.
	EventBatchPromoted EventKind = "batch.promoted"

	// EventTaskStarted is emitted when a task moves to EXECUTING.
	EventTaskStarted EventKind = "task.started"

	// EventTaskSkipped is emitted when the terminal-skip rule completes a
	// task without running its processor.
	EventTaskSkipped EventKind = "task.skipped"

	// EventTaskCompleted is emitted when a task completes.
	EventTaskCompleted EventKind = "task.completed"

	// EventTaskFailed is emitted when a task fails.
	EventTaskFailed EventKind = "task.failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of batch execution progress. Events stay
// small; results are persisted on nodes, not carried in events.
type Event struct {
	Kind     EventKind
	BatchID  string
	CanvasID string
	TaskID   string
	NodeID   string
	NodeType core.NodeType
	Time     time.Time
	Elapsed  time.Duration
	Payload  map[string]any
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, batchID, canvasID string) Event {
	return Event{
		Kind:     kind,
		BatchID:  batchID,
		CanvasID: canvasID,
		Time:     time.Now(),
	}
}

// WithTask sets the task information on the event.
func (e Event) WithTask(taskID, nodeID string, nodeType core.NodeType) Event {
	e.TaskID = taskID
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler consumes execution events. Implementations log, record
// metrics, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
