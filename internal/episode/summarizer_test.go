package episode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/model"
)

type fakeProvider struct {
	content string
	err     error
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	if f.err != nil {
		return llm.Message{}, f.err
	}
	return llm.Message{Role: "assistant", Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return f.err
}

func sampleMessages() []model.Message {
	base := time.Now()
	return []model.Message{
		{AuthorID: 1, Text: "hey have you looked at the deploy issue", CreatedAt: base},
		{AuthorID: 2, Text: "yeah I think it's the config drift", CreatedAt: base.Add(time.Minute)},
	}
}

func TestSummarizer_ParsesStructuredResponse(t *testing.T) {
	provider := &fakeProvider{content: `{"topic":"deploy issue","summary":"discussed config drift causing a deploy failure","valence":"neutral","tags":["ops"],"key_points":["config drift"]}`}
	s := NewSummarizer(provider, "gpt-test")

	sum := s.Summarize(context.Background(), sampleMessages(), "boundary")
	require.Equal(t, "deploy issue", sum.Topic)
	require.Equal(t, model.ValenceNeutral, sum.Valence)
	require.Equal(t, []string{"ops"}, sum.Tags)
}

func TestSummarizer_FallsBackToHeuristicOnTransportError(t *testing.T) {
	provider := &fakeProvider{err: context.DeadlineExceeded}
	s := NewSummarizer(provider, "gpt-test")

	sum := s.Summarize(context.Background(), sampleMessages(), "timeout")
	require.Contains(t, sum.Text, "2 participant(s)")
	require.Contains(t, sum.Text, "2 message(s)")
	require.Equal(t, []string{"timeout"}, sum.Tags)
}

func TestSummarizer_FallsBackToHeuristicOnParseFailure(t *testing.T) {
	provider := &fakeProvider{content: "not json at all"}
	s := NewSummarizer(provider, "gpt-test")

	sum := s.Summarize(context.Background(), sampleMessages(), "boundary")
	require.Equal(t, "hey have you looked at the deploy issue", sum.Topic)
}

func TestSummarizer_NilProviderAlwaysUsesHeuristic(t *testing.T) {
	s := NewSummarizer(nil, "")
	sum := s.Summarize(context.Background(), sampleMessages(), "boundary")
	require.Equal(t, model.ValenceNeutral, sum.Valence)
}

func TestSummarizer_GenerateTopicOnlyFallsBackOnError(t *testing.T) {
	provider := &fakeProvider{err: context.DeadlineExceeded}
	s := NewSummarizer(provider, "gpt-test")
	topic := s.GenerateTopicOnly(context.Background(), sampleMessages())
	require.Equal(t, "hey have you looked at the deploy issue", topic)
}

func TestSummarizer_DetectValenceParsesSingleWord(t *testing.T) {
	provider := &fakeProvider{content: "positive"}
	s := NewSummarizer(provider, "gpt-test")
	require.Equal(t, model.ValencePositive, s.DetectValence(context.Background(), sampleMessages()))
}
