// Package engine plans and executes workflow runs: upstream closure,
// terminal filtering, topological ordering, batch and task lifecycle,
// per-canvas exclusivity, and batch result resolution.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/storage"
)

// ProcessorInput is everything a node processor may consume. The
// snapshot and resolver expose upstream results; Storage uploads and
// loads media; Provider is the LLM backend (nil when not configured).
type ProcessorInput struct {
	Node     *core.Node
	Template *core.NodeTemplate
	Snapshot *graph.Snapshot
	Resolver *graph.Resolver
	Storage  *storage.Service
	Provider iriscore.Provider
	APIKey   string

	// Selected reports whether the user asked for this node directly.
	Selected bool
}

// ProcessorResult is the outcome of one processor invocation.
type ProcessorResult struct {
	Success   bool
	Error     string
	NewResult *core.ResultEnvelope
}

// Success wraps a new result envelope in a successful outcome.
func Success(result *core.ResultEnvelope) ProcessorResult {
	return ProcessorResult{Success: true, NewResult: result}
}

// Failure builds a failed outcome with a formatted message.
func Failure(format string, args ...any) ProcessorResult {
	return ProcessorResult{Error: fmt.Sprintf(format, args...)}
}

// Processor executes one node type. Implementations must not mutate the
// snapshot in place and must honor context cancellation on long calls.
type Processor interface {
	Type() core.NodeType
	Process(ctx context.Context, in ProcessorInput) ProcessorResult
}

// Registry maps node types to their processors.
type Registry struct {
	mu     sync.RWMutex
	byType map[core.NodeType]Processor
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[core.NodeType]Processor)}
}

// Register adds a processor, replacing any previous one for the type.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[p.Type()] = p
}

// Lookup returns the processor for a node type.
func (r *Registry) Lookup(t core.NodeType) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byType[t]
	return p, ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []core.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.NodeType, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
