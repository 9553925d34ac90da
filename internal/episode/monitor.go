package episode

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/model"
)

// WindowKey identifies a tracked conversation window.
type WindowKey struct {
	ChatID   int64
	ThreadID int64
}

// Window is an in-progress, unclosed slice of a conversation.
type Window struct {
	mu           sync.Mutex
	ChatID       int64
	ThreadID     int64
	Messages     []model.Message
	Participants map[int64]struct{}
	LastActivity time.Time
	closeReason  string
}

func newWindow(chatID, threadID int64) *Window {
	return &Window{ChatID: chatID, ThreadID: threadID, Participants: make(map[int64]struct{})}
}

func (w *Window) append(m model.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Messages = append(w.Messages, m)
	w.Participants[m.AuthorID] = struct{}{}
	w.LastActivity = m.CreatedAt
}

func (w *Window) snapshot() (messages []model.Message, participants int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	messages = make([]model.Message, len(w.Messages))
	copy(messages, w.Messages)
	return messages, len(w.Participants)
}

// CloseHandler receives a window's final message set and the reason it
// closed ("boundary", "timeout", or "size") once the monitor discards it.
type CloseHandler func(ctx context.Context, key WindowKey, messages []model.Message, participants int, reason string)

// Monitor owns the live (chat_id, thread_id) → Window map (C6). Summarization
// and fact extraction are invoked through onClose, kept decoupled from the
// monitor so the orchestrator controls wiring and shutdown ordering.
type Monitor struct {
	cfg      config.EpisodeConfig
	detector *BoundaryDetector

	mu      sync.RWMutex
	windows map[WindowKey]*Window

	onClose CloseHandler
}

// NewMonitor builds a Monitor. onClose is invoked synchronously from
// whichever goroutine (Track or the sweep loop) observes the closing
// condition; callers wanting async summarization should hop to their own
// goroutine inside onClose.
func NewMonitor(cfg config.EpisodeConfig, detector *BoundaryDetector, onClose CloseHandler) *Monitor {
	return &Monitor{
		cfg:      cfg,
		detector: detector,
		windows:  make(map[WindowKey]*Window),
		onClose:  onClose,
	}
}

// Track appends m to its window, creating the window if absent, and closes
// the window if a boundary is detected or it has reached its size cap.
func (mon *Monitor) Track(ctx context.Context, m model.Message) {
	key := WindowKey{ChatID: m.ChatID, ThreadID: m.ThreadID}

	mon.mu.Lock()
	w, ok := mon.windows[key]
	if !ok {
		w = newWindow(m.ChatID, m.ThreadID)
		mon.windows[key] = w
	}
	mon.mu.Unlock()

	w.mu.Lock()
	var prev model.Message
	hasPrev := len(w.Messages) > 0
	if hasPrev {
		prev = w.Messages[len(w.Messages)-1]
	}
	w.mu.Unlock()

	w.append(m)

	messages, _ := w.snapshot()
	minMessages := mon.cfg.MinMessages
	if minMessages <= 0 {
		minMessages = 5
	}

	if hasPrev && len(messages) >= minMessages {
		if create, score, signals := mon.detector.Evaluate(ctx, prev, m); create {
			log.Debug().Int64("chat_id", m.ChatID).Float64("score", score).
				Interface("signals", signals).Msg("episode_boundary_detected")
			mon.closeWindow(ctx, key, "boundary")
			return
		}
	}

	maxMessages := mon.cfg.WindowMaxMessages
	if maxMessages <= 0 {
		maxMessages = 50
	}
	if len(messages) >= maxMessages {
		mon.closeWindow(ctx, key, "size")
	}
}

// Sweep closes every window whose last activity exceeds the configured
// inactivity timeout. Intended to be driven by a ticker in Run.
func (mon *Monitor) Sweep(ctx context.Context) {
	timeout := secondsOr(mon.cfg.WindowTimeoutSeconds, 1800)
	now := time.Now()

	mon.mu.RLock()
	stale := make([]WindowKey, 0)
	for key, w := range mon.windows {
		w.mu.Lock()
		idle := now.Sub(w.LastActivity)
		empty := len(w.Messages) == 0
		w.mu.Unlock()
		if !empty && idle >= timeout {
			stale = append(stale, key)
		}
	}
	mon.mu.RUnlock()

	for _, key := range stale {
		mon.closeWindow(ctx, key, "timeout")
	}
}

// Run drives Sweep on a ticker until ctx is cancelled, following the
// ticker-select-cancellation shape used for the engine's other background
// loops.
func (mon *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Duration(secondsOrInt(mon.cfg.MonitorIntervalSeconds, 300)) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.sweepRecovered(ctx)
		}
	}
}

// sweepRecovered runs one sweep, recovering a panic at the loop boundary so
// a single bad window never brings down the monitor's background loop.
func (mon *Monitor) sweepRecovered(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("episode_sweep_panic_recovered")
		}
	}()
	mon.Sweep(ctx)
}

func secondsOrInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (mon *Monitor) closeWindow(ctx context.Context, key WindowKey, reason string) {
	mon.mu.Lock()
	w, ok := mon.windows[key]
	if ok {
		delete(mon.windows, key)
	}
	mon.mu.Unlock()
	if !ok {
		return
	}

	messages, participants := w.snapshot()
	minMessages := mon.cfg.MinMessages
	if minMessages <= 0 {
		minMessages = 5
	}
	if len(messages) < minMessages {
		return
	}
	if mon.onClose != nil {
		mon.onClose(ctx, key, messages, participants, reason)
	}
}

// Importance scores a closed window by message count, participant count, and
// duration, each normalized and capped, per §4.5.
func Importance(messages []model.Message, participants int) float64 {
	if len(messages) == 0 {
		return 0
	}
	countScore := float64(len(messages)) / 20.0
	if countScore > 1.0 {
		countScore = 1.0
	}
	participantScore := float64(participants) / 5.0
	if participantScore > 1.0 {
		participantScore = 1.0
	}
	duration := messages[len(messages)-1].CreatedAt.Sub(messages[0].CreatedAt)
	durationScore := duration.Minutes() / 30.0
	if durationScore > 1.0 {
		durationScore = 1.0
	}
	score := countScore*0.4 + participantScore*0.3 + durationScore*0.3
	if score > 1.0 {
		score = 1.0
	}
	return score
}
