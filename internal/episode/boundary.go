// Package episode implements the boundary detector, window monitor, and
// summarizer that turn a raw message stream into durable Episode records.
package episode

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/model"
)

// SignalType tags which detector raised a boundary signal.
type SignalType string

const (
	SignalTemporal    SignalType = "temporal"
	SignalTopicMarker SignalType = "topic_marker"
	SignalSemantic    SignalType = "semantic"
)

// Signal is one raw boundary signal between two consecutive messages.
type Signal struct {
	Type     SignalType
	Strength float64
}

// EmbedFunc resolves an embedding for text, returning an error if the
// provider is unavailable; the semantic detector skips silently on error.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// BoundaryDetector scores whether the gap between two messages should close
// the current episode window (C5).
type BoundaryDetector struct {
	cfg          config.EpisodeConfig
	topicMarkers *regexp.Regexp
	embed        EmbedFunc
}

// defaultTopicMarkerPattern matches English and Ukrainian topic-change
// phrasing, folded to lowercase before matching. RE2's \b only knows ASCII
// word characters, so the Ukrainian phrases are bounded by explicit
// non-letter/non-digit guards instead.
var defaultTopicMarkerPattern = regexp.MustCompile(
	`(?i)(?:\b(?:anyway|by the way|btw|speaking of|on another note|so,? about|let'?s talk about)\b|` +
		`(?:^|[^\p{L}\p{N}_])(?:до речі|між іншим|до іншого|а тепер про|давай(?:те)? про|повертаючись до)(?:$|[^\p{L}\p{N}_]))`,
)

// NewBoundaryDetector builds a detector using cfg's thresholds and the
// default bilingual topic-marker pattern. embed may be nil, in which case
// the semantic signal is never raised.
func NewBoundaryDetector(cfg config.EpisodeConfig, embed EmbedFunc) *BoundaryDetector {
	return &BoundaryDetector{cfg: cfg, topicMarkers: defaultTopicMarkerPattern, embed: embed}
}

// Evaluate computes the signals present at the boundary between a and b and
// returns whether they justify closing the window, the fused score, and the
// contributing signal types.
func (d *BoundaryDetector) Evaluate(ctx context.Context, a, b model.Message) (create bool, score float64, signals []SignalType) {
	var temp, marker, sem float64
	var present []SignalType

	if s, ok := d.temporalSignal(a, b); ok {
		temp = s
		present = append(present, SignalTemporal)
	}
	if s, ok := d.topicMarkerSignal(b); ok {
		marker = s
		present = append(present, SignalTopicMarker)
	}
	if s, ok := d.semanticSignal(ctx, a, b); ok {
		sem = s
		present = append(present, SignalSemantic)
	}

	base := sem*0.40 + temp*0.35 + marker*0.25
	switch len(present) {
	case 3:
		base *= 1.30
	case 2:
		base *= 1.20
	}
	if base > 1.0 {
		base = 1.0
	}

	threshold := d.cfg.BoundaryThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	return base >= threshold, base, present
}

func (d *BoundaryDetector) temporalSignal(a, b model.Message) (float64, bool) {
	gap := b.CreatedAt.Sub(a.CreatedAt)
	short := secondsOr(d.cfg.ShortGapSeconds, 120)
	medium := secondsOr(d.cfg.MediumGapSeconds, 900)
	long := secondsOr(d.cfg.LongGapSeconds, 3600)

	switch {
	case gap < short:
		return 0, false
	case gap < medium:
		return 0.4, true
	case gap < long:
		return 0.7, true
	default:
		return 1.0, true
	}
}

func (d *BoundaryDetector) topicMarkerSignal(b model.Message) (float64, bool) {
	if d.topicMarkers.MatchString(strings.ToLower(b.Text)) {
		return 0.8, true
	}
	return 0, false
}

func (d *BoundaryDetector) semanticSignal(ctx context.Context, a, b model.Message) (float64, bool) {
	if d.embed == nil {
		return 0, false
	}
	if wordCount(a.Text) < 3 || wordCount(b.Text) < 3 {
		return 0, false
	}
	ea, err := embeddingOf(ctx, d.embed, a)
	if err != nil {
		return 0, false
	}
	eb, err := embeddingOf(ctx, d.embed, b)
	if err != nil {
		return 0, false
	}
	s := cosine(ea, eb)
	if s >= 0.7 {
		return 0, false
	}
	return 1 - s, true
}

func embeddingOf(ctx context.Context, embed EmbedFunc, m model.Message) ([]float32, error) {
	if len(m.Embedding) > 0 {
		return m.Embedding, nil
	}
	return embed(ctx, m.Text)
}

func wordCount(s string) int { return len(strings.Fields(s)) }

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
