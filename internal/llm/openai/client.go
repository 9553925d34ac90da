// Package openai adapts the OpenAI chat completions API to the engine's
// portable llm.Provider interface.
package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/observability"
)

// Client implements llm.Provider against the OpenAI chat completions API.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs an OpenAI-backed provider from the engine's LLM config.
func New(cfg config.LLMConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &Client{sdk: sdk.NewClient(opts...), model: cfg.Model}
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// Chat implements llm.Provider.Chat.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	log := observability.LoggerWithTrace(ctx)
	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(c.pickModel(model))}
	params.Messages = AdaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI Chat", string(params.Model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("chat_completion_error")
		return llm.Message{}, err
	}

	llm.LogRedactedResponse(ctx, comp.Choices)
	out := messageFromCompletion(comp)

	promptTokens := int(comp.Usage.PromptTokens)
	completionTokens := int(comp.Usage.CompletionTokens)
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, int(comp.Usage.TotalTokens))
	llm.RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)

	log.Debug().Str("model", string(params.Model)).Int("tools", len(tools)).Dur("duration", dur).
		Int("prompt_tokens", promptTokens).Int("completion_tokens", completionTokens).Msg("chat_completion_ok")

	return out, nil
}

// ChatStream implements llm.Provider.ChatStream.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	log := observability.LoggerWithTrace(ctx)
	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(c.pickModel(model))}
	params.Messages = AdaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI ChatStream", string(params.Model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	start := time.Now()
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	toolCalls := map[int]*llm.ToolCall{}
	toolCallsFlushed := false
	var promptTokens, completionTokens, totalTokens int

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			if chunk.Usage.TotalTokens > 0 {
				promptTokens = int(chunk.Usage.PromptTokens)
				completionTokens = int(chunk.Usage.CompletionTokens)
				totalTokens = int(chunk.Usage.TotalTokens)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" && h != nil {
			h.OnDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			if toolCalls[idx] == nil {
				toolCalls[idx] = &llm.ToolCall{ID: tc.ID}
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args = append(toolCalls[idx].Args, []byte(tc.Function.Arguments)...)
			}
		}
		if chunk.Choices[0].FinishReason != "" && !toolCallsFlushed {
			flushToolCalls(toolCalls, h)
			toolCallsFlushed = true
		}
	}

	if err := stream.Err(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Msg("chat_stream_error")
		return err
	}

	llm.RecordTokenAttributes(span, promptTokens, completionTokens, totalTokens)
	if promptTokens > 0 || completionTokens > 0 {
		llm.RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)
	}
	log.Debug().Str("model", string(params.Model)).Dur("duration", time.Since(start)).
		Int("prompt_tokens", promptTokens).Int("completion_tokens", completionTokens).Msg("chat_stream_ok")
	return nil
}

func flushToolCalls(toolCalls map[int]*llm.ToolCall, h llm.StreamHandler) {
	if h == nil {
		return
	}
	for _, tc := range toolCalls {
		if tc != nil && tc.Name != "" && len(tc.Args) > 0 {
			h.OnToolCall(*tc)
		}
	}
}

func messageFromCompletion(comp *sdk.ChatCompletion) llm.Message {
	if len(comp.Choices) == 0 {
		return llm.Message{}
	}
	msg := comp.Choices[0].Message
	out := llm.Message{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		switch v := tc.AsAny().(type) {
		case sdk.ChatCompletionMessageFunctionToolCall:
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				Name: v.Function.Name,
				Args: []byte(v.Function.Arguments),
				ID:   v.ID,
			})
		}
	}
	return out
}
