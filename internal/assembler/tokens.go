package assembler

import (
	"strings"

	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/model"
	"github.com/chatmemory/engine/internal/search"
)

func mediaTokens(media []model.Media) int {
	total := 0
	for _, m := range media {
		if len(m.Inline) > 0 {
			total += inlineImageTokenSurcharge
		} else if m.URI != "" {
			total += remoteMediaTokenSurcharge
		}
	}
	return total
}

func messageTokens(msgs []model.Message) int {
	total := 0
	for _, m := range msgs {
		total += llm.EstimateTokens(m.Text)
		total += mediaTokens(m.Media)
	}
	return total
}

func snippetTokens(results []search.Result) int {
	total := 0
	for _, r := range results {
		total += llm.EstimateTokens(r.Snippet)
	}
	return total
}

func factTokens(facts []model.Fact) int {
	total := 0
	for _, f := range facts {
		total += llm.EstimateTokens(f.Key + ": " + f.Value)
	}
	return total
}

func episodeTokens(eps []model.Episode) int {
	total := 0
	for _, e := range eps {
		total += llm.EstimateTokens(e.Topic + " " + e.Summary)
	}
	return total
}

// clampImmediate bounds the immediate layer to [min,max] messages (most
// recent first) and then to the token budget, whichever is tighter.
func clampImmediate(l Layer, min, max, tokenBudget int) Layer {
	if max > 0 && len(l.Messages) > max {
		l.Messages = l.Messages[len(l.Messages)-max:]
	}
	for tokenBudget > 0 && messageTokens(l.Messages) > tokenBudget && len(l.Messages) > maxInt(min, 1) {
		l.Messages = l.Messages[1:]
	}
	l.Tokens = messageTokens(l.Messages)
	return l
}

// truncateMessages drops the oldest messages (recent layer is ordered
// oldest-first, so dropping from the front keeps the freshest turns) until
// the layer fits budget.
func (a *Assembler) truncateMessages(l *Layer, budget int) {
	for budget > 0 && messageTokens(l.Messages) > budget && len(l.Messages) > 0 {
		l.Messages = l.Messages[1:]
	}
	if budget <= 0 {
		l.Messages = nil
	}
	l.Tokens = messageTokens(l.Messages)
}

// truncateSnippets drops the lowest-scored relevant-layer hits until the
// layer fits budget. Snippets come pre-sorted by score from search.Engine.
func (a *Assembler) truncateSnippets(l *Layer, budget int) {
	for budget > 0 && snippetTokens(l.Snippets) > budget && len(l.Snippets) > 0 {
		l.Snippets = l.Snippets[:len(l.Snippets)-1]
	}
	if budget <= 0 {
		l.Snippets = nil
	}
	l.Tokens = snippetTokens(l.Snippets)
}

func (a *Assembler) truncateFacts(l *Layer, budget int) {
	for budget > 0 && factTokens(l.Facts) > budget && len(l.Facts) > 0 {
		l.Facts = l.Facts[:len(l.Facts)-1]
	}
	if budget <= 0 {
		l.Facts = nil
	}
	l.Tokens = factTokens(l.Facts)
}

func (a *Assembler) truncateEpisodes(l *Layer, budget int) {
	for budget > 0 && episodeTokens(l.Episodes) > budget && len(l.Episodes) > 0 {
		l.Episodes = l.Episodes[:len(l.Episodes)-1]
	}
	if budget <= 0 {
		l.Episodes = nil
	}
	l.Tokens = episodeTokens(l.Episodes)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// dedupeJaccard drops snippets whose token sets overlap an earlier,
// higher-ranked snippet above threshold, keeping the earlier (higher-score)
// one. Results are assumed pre-sorted by descending score.
func dedupeJaccard(results []search.Result, threshold float64) []search.Result {
	var kept []search.Result
	var keptSets []map[string]struct{}
	for _, r := range results {
		set := tokenSet(r.Snippet)
		dup := false
		for _, ks := range keptSets {
			if jaccard(set, ks) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, r)
		keptSets = append(keptSets, set)
	}
	return kept
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
