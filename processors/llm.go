package processors

import (
	"context"
	"strings"
	"time"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
)

// LLMConfig tunes the llm processor.
type LLMConfig struct {
	// DefaultModel is used when the node config does not name a model.
	DefaultModel string

	// Timeout bounds one provider call (default 60s).
	Timeout time.Duration
}

// LLM calls the configured iris provider with the node's prompt. The
// user message is the concatenation of every resolved text input in
// handle order, falling back to the node's configured prompt; system
// instructions come from the node config.
type LLM struct {
	cfg LLMConfig
}

// NewLLM creates the llm processor.
func NewLLM(cfg LLMConfig) *LLM {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &LLM{cfg: cfg}
}

// Type implements engine.Processor.
func (*LLM) Type() core.NodeType { return core.NodeTypeLLM }

// Process implements engine.Processor.
func (p *LLM) Process(ctx context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	if in.Provider == nil {
		return engine.Failure("no LLM provider configured")
	}

	var parts []string
	for _, hv := range in.Resolver.AllInputValuesWithHandle(in.Node.ID) {
		if hv.Item == nil || hv.Item.Type != core.DataTypeText {
			continue
		}
		if s := primitiveString(hv.Item); s != "" {
			parts = append(parts, s)
		}
	}
	prompt := strings.Join(parts, "\n")
	if prompt == "" {
		prompt = configString(in.Node.Config, "prompt")
	}
	if prompt == "" {
		return engine.Failure("llm node has no prompt")
	}

	model := configString(in.Node.Config, "model")
	if model == "" {
		model = p.cfg.DefaultModel
	}
	if model == "" {
		return engine.Failure("llm node has no model configured")
	}

	req := &iriscore.ChatRequest{
		Model:        iriscore.ModelID(model),
		Messages:     []iriscore.Message{{Role: iriscore.RoleUser, Content: prompt}},
		Instructions: configString(in.Node.Config, "instructions"),
	}
	if temp, ok := configFloat(in.Node.Config, "temperature"); ok {
		t := float32(temp)
		req.Temperature = &t
	}
	if maxTokens, ok := configInt(in.Node.Config, "maxTokens"); ok && maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := in.Provider.Chat(callCtx, req)
	if err != nil {
		return engine.Failure("llm call: %v", err)
	}

	return engine.Success(core.SingleOutput(core.Item{
		Type:           core.DataTypeText,
		Data:           core.Primitive{Value: resp.Output},
		OutputHandleID: outputHandleID(in),
	}))
}

var _ engine.Processor = (*LLM)(nil)
