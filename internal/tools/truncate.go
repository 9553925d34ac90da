package tools

import (
	"context"
	"encoding/json"

	"github.com/chatmemory/engine/internal/llm"
)

type truncatingRegistry struct {
	base      Registry
	maxTokens int
}

// NewTruncatingRegistry wraps base so every Dispatch result is capped to
// maxTokens (estimated via llm.EstimateTokens) before it reaches the model,
// keeping a single oversized tool result from blowing the context budget.
func NewTruncatingRegistry(base Registry, maxTokens int) Registry {
	return &truncatingRegistry{base: base, maxTokens: maxTokens}
}

func (r *truncatingRegistry) Register(t Tool)           { r.base.Register(t) }
func (r *truncatingRegistry) Schemas() []llm.ToolSchema { return r.base.Schemas() }

func (r *truncatingRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
	payload, err := r.base.Dispatch(ctx, name, raw)
	if r.maxTokens <= 0 || llm.EstimateTokens(string(payload)) <= r.maxTokens {
		return payload, err
	}
	maxChars := r.maxTokens * 4
	truncated := payload
	if len(truncated) > maxChars {
		truncated = truncated[:maxChars]
	}
	b, marshalErr := json.Marshal(map[string]any{
		"truncated": true,
		"preview":   string(truncated),
	})
	if marshalErr != nil {
		return payload, err
	}
	return b, err
}
