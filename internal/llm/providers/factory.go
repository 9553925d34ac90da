// Package providers selects and constructs the concrete llm.Provider
// implementation named by configuration, keeping internal/llm itself free
// of a dependency on either SDK adapter.
package providers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/llm/anthropic"
	"github.com/chatmemory/engine/internal/llm/openai"
)

// Build constructs an llm.Provider based on cfg.Provider ("openai" or
// "anthropic"; empty defaults to "openai").
func Build(cfg config.LLMConfig, httpClient *http.Client) (llm.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return openai.New(cfg, httpClient), nil
	case "anthropic":
		return anthropic.New(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
