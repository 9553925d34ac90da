package llm

import "testing"

func TestCapabilitiesFor_FlashFamilySupportsAudioVideo(t *testing.T) {
	c := CapabilitiesFor("gemini-2.5-flash")
	if !c.SupportsAudio || !c.SupportsVideo {
		t.Fatalf("expected flash family to support audio+video, got %+v", c)
	}
	if !c.SupportsTools {
		t.Fatalf("expected tools supported by default")
	}
}

func TestCapabilitiesFor_DenyListDisablesTools(t *testing.T) {
	t.Setenv("MODEL_TOOLS_DENY", "gpt-3.5-turbo,claude-3-haiku")
	c := CapabilitiesFor("gpt-3.5-turbo")
	if c.SupportsTools {
		t.Fatalf("expected tools disabled for denied model")
	}
}

func TestCapabilitiesFor_MaxMediaItemsDefault(t *testing.T) {
	c := CapabilitiesFor("gpt-4o")
	if c.MaxMediaItemsInHistory != defaultMaxMediaItems {
		t.Fatalf("expected default max media items, got %d", c.MaxMediaItemsInHistory)
	}
}

func TestCapabilitiesFor_EnvOverride(t *testing.T) {
	t.Setenv("MODEL_GPT_4O_SUPPORTS_AUDIO", "true")
	c := CapabilitiesFor("gpt-4o")
	if !c.SupportsAudio {
		t.Fatalf("expected env override to enable audio support")
	}
}
