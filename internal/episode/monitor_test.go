package episode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/model"
)

type closeRecord struct {
	key          WindowKey
	messages     []model.Message
	participants int
	reason       string
}

func collectingHandler() (CloseHandler, func() []closeRecord) {
	var mu sync.Mutex
	var closes []closeRecord
	h := func(ctx context.Context, key WindowKey, messages []model.Message, participants int, reason string) {
		mu.Lock()
		defer mu.Unlock()
		closes = append(closes, closeRecord{key: key, messages: messages, participants: participants, reason: reason})
	}
	get := func() []closeRecord {
		mu.Lock()
		defer mu.Unlock()
		out := make([]closeRecord, len(closes))
		copy(out, closes)
		return out
	}
	return h, get
}

func TestMonitor_ClosesOnSizeCap(t *testing.T) {
	cfg := testEpisodeConfig()
	cfg.WindowMaxMessages = 3
	cfg.MinMessages = 1
	handler, get := collectingHandler()
	mon := NewMonitor(cfg, NewBoundaryDetector(cfg, nil), handler)

	base := time.Now()
	for i := 0; i < 3; i++ {
		mon.Track(context.Background(), model.Message{
			ChatID: 1, AuthorID: int64(i % 2), Text: "hello there", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	closes := get()
	require.Len(t, closes, 1)
	require.Equal(t, "size", closes[0].reason)
	require.Len(t, closes[0].messages, 3)
}

func TestMonitor_SweepClosesOnInactivity(t *testing.T) {
	cfg := testEpisodeConfig()
	cfg.WindowTimeoutSeconds = 1
	cfg.MinMessages = 1
	handler, get := collectingHandler()
	mon := NewMonitor(cfg, NewBoundaryDetector(cfg, nil), handler)

	mon.Track(context.Background(), model.Message{ChatID: 1, AuthorID: 1, Text: "hi", CreatedAt: time.Now().Add(-time.Hour)})
	mon.Sweep(context.Background())

	closes := get()
	require.Len(t, closes, 1)
	require.Equal(t, "timeout", closes[0].reason)
}

func TestMonitor_WindowBelowMinMessagesIsDiscardedSilently(t *testing.T) {
	cfg := testEpisodeConfig()
	cfg.WindowTimeoutSeconds = 1
	cfg.MinMessages = 5
	handler, get := collectingHandler()
	mon := NewMonitor(cfg, NewBoundaryDetector(cfg, nil), handler)

	mon.Track(context.Background(), model.Message{ChatID: 1, AuthorID: 1, Text: "hi", CreatedAt: time.Now().Add(-time.Hour)})
	mon.Sweep(context.Background())

	require.Empty(t, get())
}

func TestImportance_CapsAtOne(t *testing.T) {
	base := time.Now()
	messages := make([]model.Message, 0, 60)
	for i := 0; i < 60; i++ {
		messages = append(messages, model.Message{
			AuthorID: int64(i % 10), CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	score := Importance(messages, 10)
	require.LessOrEqual(t, score, 1.0)
	require.Greater(t, score, 0.9)
}

func TestImportance_EmptyIsZero(t *testing.T) {
	require.Equal(t, 0.0, Importance(nil, 0))
}
