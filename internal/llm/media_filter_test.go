package llm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/model"
)

func TestFilterMedia_CurrentTurnAlwaysKeepsSupportedKinds(t *testing.T) {
	caps := Capability{SupportsImages: true, SupportsAudio: false, MaxMediaItemsInHistory: 8}
	turns := []model.Message{
		{Text: "current", Media: []model.Media{{Kind: model.MediaImage}, {Kind: model.MediaAudio}}},
	}
	out := FilterMedia(turns, caps, nil)
	require.Len(t, out[0].Media, 1)
	require.Equal(t, model.MediaImage, out[0].Media[0].Kind)
}

func TestFilterMedia_HistoryCapPrefersMostRecent(t *testing.T) {
	caps := Capability{SupportsImages: true, MaxMediaItemsInHistory: 1}
	turns := []model.Message{
		{Text: "older", Media: []model.Media{{Kind: model.MediaImage, Caption: "old"}}},
		{Text: "newer", Media: []model.Media{{Kind: model.MediaImage, Caption: "new"}}},
		{Text: "current"},
	}
	var dropped []MediaDropReason
	out := FilterMedia(turns, caps, &MediaFilterHooks{OnDropped: func(r MediaDropReason) { dropped = append(dropped, r) }})

	require.Len(t, out[1].Media, 1, "most recent historical turn keeps its media under a cap of 1")
	require.Equal(t, "new", out[1].Media[0].Caption)
	require.Empty(t, out[0].Media, "older historical turn is dropped once the cap is exhausted")
	require.Contains(t, dropped, DropHistoryCap)
}

func TestFilterMedia_UnsupportedKindDropped(t *testing.T) {
	caps := Capability{SupportsImages: false, MaxMediaItemsInHistory: 8}
	turns := []model.Message{
		{Text: "current", Media: []model.Media{{Kind: model.MediaImage}}},
	}
	var dropped []MediaDropReason
	FilterMedia(turns, caps, &MediaFilterHooks{OnDropped: func(r MediaDropReason) { dropped = append(dropped, r) }})
	require.Contains(t, dropped, DropUnsupportedKind)
}
