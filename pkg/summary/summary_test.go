package summary

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/models"
)

type mockMessages struct {
	got  sdk.MessageNewParams
	resp *sdk.Message
	err  error
}

func (m *mockMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	m.got = body
	return m.resp, m.err
}

func testConfig() config.SummaryConfig {
	return config.SummaryConfig{
		APIKey:             "sk-test",
		Model:              "claude-haiku-4-5",
		MaxTokens:          512,
		MaxTranscriptBytes: 64 << 10,
	}
}

func strPtr(s string) *string { return &s }

func sampleParse() ([]*models.TranscriptMessage, map[string][]*models.ContentBlock) {
	msgs := []*models.TranscriptMessage{
		{ID: "s:1", Role: models.RoleUser},
		{ID: "s:2", Role: models.RoleAssistant, Model: strPtr("claude-sonnet-4")},
	}
	blocks := map[string][]*models.ContentBlock{
		"s:1": {{BlockType: models.BlockText, ContentText: strPtr("fix the flaky test")}},
		"s:2": {
			{BlockType: models.BlockThinking, ThinkingText: strPtr("hmm")},
			{BlockType: models.BlockToolUse, ToolName: strPtr("Read")},
			{BlockType: models.BlockText, ContentText: strPtr("Fixed the race.")},
		},
	}
	return msgs, blocks
}

func TestSummarize(t *testing.T) {
	mock := &mockMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "The session fixed a flaky test "},
			{Type: "text", Text: "caused by a ticker race."},
		},
	}}
	s := NewWithClient(mock, testConfig())

	msgs, blocks := sampleParse()
	out, err := s.Summarize(context.Background(), msgs, blocks)
	require.NoError(t, err)
	assert.Equal(t, "The session fixed a flaky test caused by a ticker race.", out)

	assert.Equal(t, sdk.Model("claude-haiku-4-5"), mock.got.Model)
	assert.Equal(t, int64(512), mock.got.MaxTokens)
	require.Len(t, mock.got.Messages, 1)
}

func TestSummarizeAPIError(t *testing.T) {
	mock := &mockMessages{err: errors.New("overloaded")}
	s := NewWithClient(mock, testConfig())

	msgs, blocks := sampleParse()
	_, err := s.Summarize(context.Background(), msgs, blocks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestSummarizeEmptyTranscript(t *testing.T) {
	s := NewWithClient(&mockMessages{}, testConfig())
	_, err := s.Summarize(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestSummarizeNoTextInResponse(t *testing.T) {
	mock := &mockMessages{resp: &sdk.Message{}}
	s := NewWithClient(mock, testConfig())

	msgs, blocks := sampleParse()
	_, err := s.Summarize(context.Background(), msgs, blocks)
	assert.Error(t, err)
}

func TestNewDisabledWithoutKey(t *testing.T) {
	assert.Nil(t, New(config.SummaryConfig{}))
}

func TestRenderTranscript(t *testing.T) {
	msgs, blocks := sampleParse()

	out := renderTranscript(msgs, blocks, 0)
	assert.Equal(t, "user: fix the flaky test\nassistant: [tool: Read]\nassistant: Fixed the race.\n", out)
	assert.NotContains(t, out, "hmm", "thinking blocks stay out of the summary input")
}

func TestRenderTranscriptTruncation(t *testing.T) {
	msgs := []*models.TranscriptMessage{{ID: "s:1", Role: models.RoleUser}}
	blocks := map[string][]*models.ContentBlock{
		"s:1": {
			{BlockType: models.BlockText, ContentText: strPtr(strings.Repeat("a", 100))},
			{BlockType: models.BlockText, ContentText: strPtr(strings.Repeat("b", 100))},
		},
	}
	out := renderTranscript(msgs, blocks, 120)
	assert.Contains(t, out, "aaaa")
	assert.NotContains(t, out, "bbbb", "the line that would cross the budget is dropped")
}

func TestSuggestTags(t *testing.T) {
	msgs := []*models.TranscriptMessage{
		{Model: strPtr("claude-sonnet-4")},
		{Model: strPtr("claude-sonnet-4")},
		{Model: strPtr("claude-haiku-4-5"), IsCompacted: true},
		{},
	}
	assert.Equal(t,
		[]string{"model:claude-sonnet-4", "model:claude-haiku-4-5", "compacted"},
		SuggestTags(msgs))

	assert.Empty(t, SuggestTags(nil))
}
