package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/fact"
	"github.com/chatmemory/engine/internal/store"
)

func newTestRegistry() (Registry, store.FactStore) {
	facts := store.NewMemoryFactStore()
	reg := NewRegistry()
	RegisterMemoryTools(reg, facts, nil)
	return reg, facts
}

func TestMemoryTools_RememberThenRecall(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := WithEntityContext(context.Background(), EntityContext{ChatID: 1, UserID: 42})

	payload, err := reg.Dispatch(ctx, "remember_fact", json.RawMessage(`{"category":"personal","key":"location","value":"Kyiv","confidence":0.8}`))
	require.NoError(t, err)
	require.Contains(t, string(payload), `"action":"created"`)

	recall, err := reg.Dispatch(ctx, "recall_facts", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Contains(t, string(recall), "Kyiv")
}

func TestMemoryTools_RememberTwiceReinforces(t *testing.T) {
	reg, facts := newTestRegistry()
	ctx := WithEntityContext(context.Background(), EntityContext{ChatID: 1, UserID: 42})

	_, err := reg.Dispatch(ctx, "remember_fact", json.RawMessage(`{"category":"personal","key":"location","value":"Kyiv","confidence":0.8}`))
	require.NoError(t, err)
	payload, err := reg.Dispatch(ctx, "remember_fact", json.RawMessage(`{"category":"personal","key":"location","value":"Kyiv","confidence":0.7}`))
	require.NoError(t, err)
	require.Contains(t, string(payload), `"action":"reinforced"`)

	all, err := facts.GetFacts(ctx, "user", 42, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.InDelta(t, 0.8, all[0].Confidence, 1e-9)
}

func TestMemoryTools_ForgetAllRequiresAdmin(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := WithEntityContext(context.Background(), EntityContext{ChatID: 1, UserID: 42, IsAdmin: false})

	payload, err := reg.Dispatch(ctx, "forget_all_facts", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Contains(t, string(payload), "tool_not_permitted")
}

func TestMemoryTools_UpdatePronouns(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := WithEntityContext(context.Background(), EntityContext{ChatID: 1, UserID: 7})

	payload, err := reg.Dispatch(ctx, "update_pronouns", json.RawMessage(`{"pronouns":"they/them"}`))
	require.NoError(t, err)
	require.Contains(t, string(payload), `"ok":true`)

	recall, err := reg.Dispatch(ctx, "recall_facts", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Contains(t, string(recall), "they/them")
}

func TestMemoryTools_UpdateFactRoutesThroughQualityPipeline(t *testing.T) {
	facts := store.NewMemoryFactStore()
	reg := NewRegistry()
	qm := fact.NewQualityManager(facts, func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}, config.FactQualityConfig{MinConfidence: 0.5, DuplicateThreshold: 0.85})
	RegisterMemoryTools(reg, facts, qm)

	ctx := WithEntityContext(context.Background(), EntityContext{ChatID: 1, UserID: 42})
	_, err := reg.Dispatch(ctx, "remember_fact", json.RawMessage(`{"category":"location","key":"residence","value":"Austin","confidence":0.7}`))
	require.NoError(t, err)

	payload, err := reg.Dispatch(ctx, "update_fact", json.RawMessage(`{"category":"location","key":"residence","value":"Denver","confidence":0.8}`))
	require.NoError(t, err)
	require.Contains(t, string(payload), `"ok":true`)
	require.Contains(t, string(payload), "Denver")
}

func TestMemoryTools_MissingEntityContextErrors(t *testing.T) {
	reg, _ := newTestRegistry()
	payload, err := reg.Dispatch(context.Background(), "recall_facts", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Contains(t, string(payload), "tool_validation_error")
}
