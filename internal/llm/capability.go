package llm

import (
	"os"
	"strings"
)

// Capability exposes the model-identifier-derived predicates the context
// assembler and orchestrator use to filter outbound media and tool schemas.
// Detection is a pure function of the identifier string; it never makes a
// network call.
type Capability struct {
	SupportsTools          bool
	SupportsAudio          bool
	SupportsVideo          bool
	SupportsImages         bool
	MaxMediaItemsInHistory int
}

const defaultMaxMediaItems = 8

// toolDenyList holds identifiers (or prefixes) for which tool-calling is
// forced off regardless of family matching, configured via MODEL_TOOLS_DENY.
func toolDenyList() []string {
	v := strings.TrimSpace(os.Getenv("MODEL_TOOLS_DENY"))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CapabilitiesFor returns the detected capability set for a model identifier.
func CapabilitiesFor(model string) Capability {
	m := strings.ToLower(strings.TrimSpace(model))
	c := Capability{
		SupportsTools:          true,
		SupportsImages:         true,
		MaxMediaItemsInHistory: defaultMaxMediaItems,
	}

	// Broad family matches: "flash" and the "1.5"/"2." generations carry
	// native audio/video understanding across the corpus of model families
	// this engine has seen.
	if strings.Contains(m, "flash") || strings.Contains(m, "1.5") || strings.Contains(m, "2.") {
		c.SupportsAudio = true
		c.SupportsVideo = true
	}

	for _, deny := range toolDenyList() {
		deny = strings.ToLower(strings.TrimSpace(deny))
		if deny == "" {
			continue
		}
		if m == deny || hasModelPrefix(m, deny) {
			c.SupportsTools = false
			break
		}
	}

	if v := envOverrideBool(m, "SUPPORTS_TOOLS"); v != nil {
		c.SupportsTools = *v
	}
	if v := envOverrideBool(m, "SUPPORTS_AUDIO"); v != nil {
		c.SupportsAudio = *v
	}
	if v := envOverrideBool(m, "SUPPORTS_VIDEO"); v != nil {
		c.SupportsVideo = *v
	}
	if v := envOverrideBool(m, "SUPPORTS_IMAGES"); v != nil {
		c.SupportsImages = *v
	}
	if v := strings.TrimSpace(os.Getenv("MODEL_" + strings.ToUpper(sanitizeModelForEnv(m)) + "_MAX_MEDIA_ITEMS")); v != "" {
		if n, ok := parseIntEnv(v); ok && n > 0 {
			c.MaxMediaItemsInHistory = n
		}
	} else if v := strings.TrimSpace(os.Getenv("MODEL_MAX_MEDIA_ITEMS")); v != "" {
		if n, ok := parseIntEnv(v); ok && n > 0 {
			c.MaxMediaItemsInHistory = n
		}
	}

	return c
}

func envOverrideBool(model, suffix string) *bool {
	key := "MODEL_" + strings.ToUpper(sanitizeModelForEnv(model)) + "_" + suffix
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b := strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	return &b
}
