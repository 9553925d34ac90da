package fact

import (
	"encoding/json"
	"strings"
)

type extractedFact struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// extractJSONArray trims leading/trailing text around a JSON array,
// tolerating models that wrap output in prose or code fences.
func extractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func parseExtractedFacts(s string) ([]extractedFact, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []extractedFact
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
