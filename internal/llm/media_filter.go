package llm

import "github.com/chatmemory/engine/internal/model"

// MediaDropReason identifies why a media item was dropped from an outbound
// call, for the media_dropped{reason} telemetry counter.
type MediaDropReason string

const (
	DropUnsupportedKind MediaDropReason = "unsupported_kind"
	DropHistoryCap      MediaDropReason = "history_cap"
)

// MediaFilterHooks receives per-item telemetry as FilterMedia runs.
type MediaFilterHooks struct {
	OnDropped  func(reason MediaDropReason)
	OnIncluded func()
}

// FilterMedia applies cap's capability predicates to a turn sequence before
// it goes out to the provider. The current turn (the last element) always
// keeps every media kind the model supports; historical turns additionally
// compete for the MaxMediaItemsInHistory cap, most-recent-first.
func FilterMedia(turns []model.Message, caps Capability, hooks *MediaFilterHooks) []model.Message {
	if len(turns) == 0 {
		return turns
	}

	out := make([]model.Message, len(turns))
	copy(out, turns)

	currentIdx := len(out) - 1
	out[currentIdx].Media = filterByKind(out[currentIdx].Media, caps, hooks)

	historyBudget := caps.MaxMediaItemsInHistory
	if historyBudget <= 0 {
		historyBudget = defaultMaxMediaItems
	}

	// Walk history newest-first so the cap preferentially keeps the most
	// recent media when there's more than the budget allows.
	used := 0
	for i := currentIdx - 1; i >= 0; i-- {
		kept := make([]model.Media, 0, len(out[i].Media))
		for _, m := range out[i].Media {
			if !kindSupported(m.Kind, caps) {
				dropped(hooks, DropUnsupportedKind)
				continue
			}
			if used >= historyBudget {
				dropped(hooks, DropHistoryCap)
				continue
			}
			used++
			included(hooks)
			kept = append(kept, m)
		}
		out[i].Media = kept
	}

	return out
}

func filterByKind(media []model.Media, caps Capability, hooks *MediaFilterHooks) []model.Media {
	kept := make([]model.Media, 0, len(media))
	for _, m := range media {
		if !kindSupported(m.Kind, caps) {
			dropped(hooks, DropUnsupportedKind)
			continue
		}
		included(hooks)
		kept = append(kept, m)
	}
	return kept
}

func kindSupported(kind model.MediaKind, caps Capability) bool {
	switch kind {
	case model.MediaImage, model.MediaSticker, model.MediaAnimation:
		return caps.SupportsImages
	case model.MediaVideo:
		return caps.SupportsVideo
	case model.MediaAudio:
		return caps.SupportsAudio
	case model.MediaDocument:
		return true
	default:
		return true
	}
}

func dropped(hooks *MediaFilterHooks, reason MediaDropReason) {
	if hooks != nil && hooks.OnDropped != nil {
		hooks.OnDropped(reason)
	}
}

func included(hooks *MediaFilterHooks) {
	if hooks != nil && hooks.OnIncluded != nil {
		hooks.OnIncluded()
	}
}
