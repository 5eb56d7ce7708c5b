// Package core provides the foundational types for Loom canvases.
//
// This package contains:
//   - Entity types: Canvas, Node, Handle, Edge, NodeTemplate
//   - Run types: TaskBatch, Task, TaskStatus
//   - The result envelope every node produces (see result.go)
//   - The virtual media tree used by compositing pipelines (see media.go)
package core

import (
	"errors"
	"time"
)

// Engine errors shared across packages.
var (
	ErrCanvasNotFound       = errors.New("canvas not found")
	ErrNodeNotFound         = errors.New("node not found")
	ErrBatchNotFound        = errors.New("batch not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrTemplateNotFound     = errors.New("node template not found")
	ErrAssetNotFound        = errors.New("asset not found")
	ErrInvalidPatch         = errors.New("invalid canvas patch")
	ErrCycleDetected        = errors.New("cycle detected in canvas subgraph")
	ErrInconsistentCanvas   = errors.New("inconsistent canvas state")
	ErrMissingRequiredInput = errors.New("missing required input")
	ErrNoProcessor          = errors.New("no processor registered")
)

// DataType identifies the kind of value carried between handles.
type DataType string

const (
	DataTypeText    DataType = "text"
	DataTypeNumber  DataType = "number"
	DataTypeBoolean DataType = "boolean"
	DataTypeImage   DataType = "image"
	DataTypeMask    DataType = "mask"
	DataTypeVideo   DataType = "video"
	DataTypeAudio   DataType = "audio"
	DataTypeFile    DataType = "file"
	DataTypeLottie  DataType = "lottie"
)

// String returns the string representation of the DataType.
func (d DataType) String() string {
	return string(d)
}

// NodeType identifies the processor kind of a node.
// The set of types is intentionally small to avoid growing a "node zoo".
type NodeType string

const (
	NodeTypeText            NodeType = "text"
	NodeTypeFile            NodeType = "file"
	NodeTypeLLM             NodeType = "llm"
	NodeTypeImageGen        NodeType = "image_gen"
	NodeTypeCompositor      NodeType = "compositor"
	NodeTypeVideoCompositor NodeType = "video_compositor"
	NodeTypePaint           NodeType = "paint"
	NodeTypePreview         NodeType = "preview"
	NodeTypeExport          NodeType = "export"
)

// String returns the string representation of the NodeType.
func (t NodeType) String() string {
	return string(t)
}

// HandleType distinguishes input ports from output ports.
type HandleType string

const (
	HandleInput  HandleType = "input"
	HandleOutput HandleType = "output"
)

// Canvas is the top-level container owning nodes, handles and edges.
// Version is a monotonic optimistic-concurrency token bumped on every
// accepted mutation.
type Canvas struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	Name             string    `json:"name"`
	Version          int64     `json:"version"`
	OriginalCanvasID string    `json:"originalCanvasId,omitempty"`
	IsAPICanvas      bool      `json:"isApiCanvas"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Node is one processing unit on a canvas. Config is the type-specific
// configuration object; its schema is enforced by the node's processor,
// not by the engine. Result holds the node's last produced envelope.
type Node struct {
	ID             string          `json:"id"`
	CanvasID       string          `json:"canvasId"`
	Type           NodeType        `json:"type"`
	Name           string          `json:"name"`
	X              float64         `json:"x"`
	Y              float64         `json:"y"`
	Width          float64         `json:"width"`
	Height         float64         `json:"height"`
	TemplateID     string          `json:"templateId"`
	Config         map[string]any  `json:"config,omitempty"`
	Result         *ResultEnvelope `json:"result,omitempty"`
	OriginalNodeID string          `json:"originalNodeId,omitempty"`
}

// Handle is a typed port on a node.
type Handle struct {
	ID               string     `json:"id"`
	NodeID           string     `json:"nodeId"`
	Type             HandleType `json:"type"`
	DataTypes        []DataType `json:"dataTypes"`
	Label            string     `json:"label"`
	Required         bool       `json:"required"`
	Order            int        `json:"order"`
	TemplateHandleID string     `json:"templateHandleId,omitempty"`
}

// HasDataType reports whether the handle accepts the given data type.
func (h *Handle) HasDataType(dt DataType) bool {
	for _, d := range h.DataTypes {
		if d == dt {
			return true
		}
	}
	return false
}

// Edge is a directed connection from an output handle to an input handle.
type Edge struct {
	ID             string `json:"id"`
	CanvasID       string `json:"canvasId"`
	Source         string `json:"source"`
	Target         string `json:"target"`
	SourceHandleID string `json:"sourceHandleId"`
	TargetHandleID string `json:"targetHandleId"`
}

// HandleDef is a default handle definition on a node template.
type HandleDef struct {
	ID        string     `json:"id"`
	Type      HandleType `json:"type"`
	DataTypes []DataType `json:"dataTypes"`
	Label     string     `json:"label"`
	Required  bool       `json:"required"`
	Order     int        `json:"order"`
}

// NodeTemplate is the static metadata for a node type. The engine itself
// only consults IsTerminalNode and IsTransient; the rest is for clients.
type NodeTemplate struct {
	ID              string      `json:"id"`
	Type            NodeType    `json:"type"`
	DisplayName     string      `json:"displayName"`
	VariableInputs  bool        `json:"variableInputs"`
	VariableOutputs bool        `json:"variableOutputs"`
	IsTerminalNode  bool        `json:"isTerminalNode"`
	IsTransient     bool        `json:"isTransient"`
	Handles         []HandleDef `json:"handles,omitempty"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskExecuting TaskStatus = "EXECUTING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskError records why a task failed.
type TaskError struct {
	Message string `json:"message"`
}

// Task is one node-execution unit within a batch.
type Task struct {
	ID         string     `json:"id"`
	BatchID    string     `json:"batchId"`
	NodeID     string     `json:"nodeId"`
	Name       string     `json:"name"`
	Status     TaskStatus `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs int64      `json:"durationMs"`
	Error      *TaskError `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// TaskBatch is a single run of (part of) a canvas. PendingJobData holds
// the serialized dispatch envelope from creation until the batch is
// started, either by its own dispatch claim or by promotion when the
// batch ahead of it on the canvas finishes.
type TaskBatch struct {
	ID             string     `json:"id"`
	CanvasID       string     `json:"canvasId"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	PendingJobData []byte     `json:"pendingJobData,omitempty"`
}

// FileAsset is a persisted media asset referenced by FileReference items.
type FileAsset struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Bucket    string    `json:"bucket"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	DurationS float64   `json:"duration,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
