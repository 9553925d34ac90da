package episode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/model"
)

func testEpisodeConfig() config.EpisodeConfig {
	return config.EpisodeConfig{
		ShortGapSeconds:   120,
		MediumGapSeconds:  900,
		LongGapSeconds:    3600,
		BoundaryThreshold: 0.6,
		MinMessages:       5,
	}
}

func TestBoundaryDetector_LongGapAloneStaysBelowThreshold(t *testing.T) {
	d := NewBoundaryDetector(testEpisodeConfig(), nil)
	base := time.Now()
	a := model.Message{Text: "see you later", CreatedAt: base}
	b := model.Message{Text: "hey back again", CreatedAt: base.Add(2 * time.Hour)}

	create, score, signals := d.Evaluate(context.Background(), a, b)
	require.False(t, create, "a single max-strength temporal signal contributes only 0.35, below the 0.6 threshold")
	require.InDelta(t, 0.35, score, 1e-9)
	require.Equal(t, []SignalType{SignalTemporal}, signals)
}

func TestBoundaryDetector_ShortGapNoMarkerStaysOpen(t *testing.T) {
	d := NewBoundaryDetector(testEpisodeConfig(), nil)
	base := time.Now()
	a := model.Message{Text: "ok", CreatedAt: base}
	b := model.Message{Text: "cool thanks", CreatedAt: base.Add(10 * time.Second)}

	create, _, signals := d.Evaluate(context.Background(), a, b)
	require.False(t, create)
	require.Empty(t, signals)
}

func TestBoundaryDetector_TopicMarkerAloneDoesNotMeetThreshold(t *testing.T) {
	d := NewBoundaryDetector(testEpisodeConfig(), nil)
	base := time.Now()
	a := model.Message{Text: "ok cool", CreatedAt: base}
	b := model.Message{Text: "anyway, did you see the game last night", CreatedAt: base.Add(5 * time.Second)}

	create, score, signals := d.Evaluate(context.Background(), a, b)
	require.False(t, create, "marker alone (0.8*0.25=0.2) should fall under the 0.6 threshold")
	require.Less(t, score, 0.6)
	require.Equal(t, []SignalType{SignalTopicMarker}, signals)
}

func TestBoundaryDetector_MultiSignalBonusCrossesThreshold(t *testing.T) {
	d := NewBoundaryDetector(testEpisodeConfig(), nil)
	base := time.Now()
	a := model.Message{Text: "alright sounds good", CreatedAt: base}
	b := model.Message{Text: "anyway, totally different subject now", CreatedAt: base.Add(90 * time.Minute)}

	create, score, signals := d.Evaluate(context.Background(), a, b)
	require.True(t, create)
	require.Len(t, signals, 2)
	require.Greater(t, score, 0.6)
}

func TestBoundaryDetector_SemanticSignalSkippedWithoutEmbedFunc(t *testing.T) {
	d := NewBoundaryDetector(testEpisodeConfig(), nil)
	a := model.Message{Text: "we should refactor the payment service", CreatedAt: time.Now()}
	b := model.Message{Text: "let's get dinner at the new ramen place", CreatedAt: a.CreatedAt.Add(5 * time.Second)}
	_, _, signals := d.Evaluate(context.Background(), a, b)
	require.NotContains(t, signals, SignalSemantic)
}

func TestBoundaryDetector_SemanticSignalFromEmbedFunc(t *testing.T) {
	embed := func(ctx context.Context, text string) ([]float32, error) {
		if text == "we should refactor the payment service end to end" {
			return []float32{1, 0, 0}, nil
		}
		return []float32{0, 1, 0}, nil
	}
	d := NewBoundaryDetector(testEpisodeConfig(), embed)
	base := time.Now()
	a := model.Message{Text: "we should refactor the payment service end to end", CreatedAt: base}
	b := model.Message{Text: "let's get dinner at the new ramen place tonight", CreatedAt: base.Add(5 * time.Second)}

	_, _, signals := d.Evaluate(context.Background(), a, b)
	require.Contains(t, signals, SignalSemantic)
}
