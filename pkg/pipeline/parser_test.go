package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccpulse/ccpulse/pkg/models"
)

const sampleTranscript = `{"type":"summary","summary":"Earlier work"}
{"type":"user","timestamp":"2026-08-01T10:00:00Z","message":{"content":"fix the flaky test"}}
not json at all
{"type":"assistant","timestamp":"2026-08-01T10:00:05.123Z","message":{"model":"claude-sonnet-4","usage":{"input_tokens":120,"output_tokens":40,"cache_read_input_tokens":900},"content":[{"type":"thinking","thinking":"the test races on the ticker"},{"type":"text","text":"Looking at the test now."},{"type":"tool_use","name":"Read","input":{"file_path":"/work/main_test.go"}}]},"costUSD":0.0042}
{"type":"user","isMeta":true,"message":{"content":"<system-injected>"}}
{"type":"user","timestamp":"2026-08-01T10:00:09Z","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_01","is_error":false,"content":[{"type":"text","text":"func TestTicker("},{"type":"text","text":") {}"}]}]}}
{"type":"system","subtype":"compact_boundary","timestamp":"2026-08-01T10:05:00Z"}
{"type":"user","timestamp":"2026-08-01T10:05:01Z","message":{"content":"continue"}}
{"type":"system","timestamp":"2026-08-01T10:05:02Z","message":{"content":"hook output"}}
`

func TestParseTranscript(t *testing.T) {
	res, err := ParseTranscript("sess-1", strings.NewReader(sampleTranscript))
	require.NoError(t, err)
	require.Len(t, res.Messages, 5)

	// Ordinals are contiguous across skipped lines.
	for i, msg := range res.Messages {
		assert.Equal(t, i+1, msg.Ordinal)
		assert.Equal(t, "sess-1", msg.SessionID)
	}

	first := res.Messages[0]
	assert.Equal(t, "sess-1:1", first.ID)
	assert.Equal(t, models.RoleUser, first.Role)
	require.NotNil(t, first.Timestamp)
	assert.False(t, first.IsCompacted)

	asst := res.Messages[1]
	assert.Equal(t, models.RoleAssistant, asst.Role)
	require.NotNil(t, asst.Model)
	assert.Equal(t, "claude-sonnet-4", *asst.Model)
	assert.Equal(t, int64(120), asst.InputTokens)
	assert.Equal(t, int64(40), asst.OutputTokens)
	assert.Equal(t, int64(900), asst.CacheReadTokens)
	assert.InDelta(t, 0.0042, asst.CostUSD, 1e-9)
	assert.InDelta(t, 0.0042, res.TotalCostUSD, 1e-9)

	// Messages after the compact boundary carry the sequence number.
	assert.Equal(t, models.RoleUser, res.Messages[3].Role)
	assert.True(t, res.Messages[3].IsCompacted)
	assert.Equal(t, 1, res.Messages[3].CompactSequence)
	assert.Equal(t, models.RoleSystem, res.Messages[4].Role)
	assert.True(t, res.Messages[4].IsCompacted)
}

func TestParseTranscriptBlocks(t *testing.T) {
	res, err := ParseTranscript("sess-1", strings.NewReader(sampleTranscript))
	require.NoError(t, err)

	// String content becomes a single text block.
	userBlocks := res.Blocks["sess-1:1"]
	require.Len(t, userBlocks, 1)
	assert.Equal(t, models.BlockText, userBlocks[0].BlockType)
	require.NotNil(t, userBlocks[0].ContentText)
	assert.Equal(t, "fix the flaky test", *userBlocks[0].ContentText)

	// Array content yields ordered typed blocks.
	asstBlocks := res.Blocks["sess-1:2"]
	require.Len(t, asstBlocks, 3)
	assert.Equal(t, models.BlockThinking, asstBlocks[0].BlockType)
	require.NotNil(t, asstBlocks[0].ThinkingText)
	assert.Equal(t, models.BlockText, asstBlocks[1].BlockType)
	assert.Equal(t, "Looking at the test now.", *asstBlocks[1].ContentText)
	tu := asstBlocks[2]
	assert.Equal(t, models.BlockToolUse, tu.BlockType)
	assert.Equal(t, "Read", *tu.ToolName)
	require.NotNil(t, tu.ToolInput)
	assert.Contains(t, *tu.ToolInput, "main_test.go")
	assert.Equal(t, "sess-1:2:2", tu.ID)
	assert.Equal(t, 2, tu.BlockOrder)

	// tool_result array content is flattened into one string.
	resBlocks := res.Blocks["sess-1:3"]
	require.Len(t, resBlocks, 1)
	tr := resBlocks[0]
	assert.Equal(t, models.BlockToolResult, tr.BlockType)
	require.NotNil(t, tr.ToolResultID)
	assert.Equal(t, "toolu_01", *tr.ToolResultID)
	assert.False(t, tr.IsError)
	require.NotNil(t, tr.ResultText)
	assert.Equal(t, "func TestTicker() {}", *tr.ResultText)
}

func TestParseTranscriptCompactSummaryBoundary(t *testing.T) {
	input := `{"type":"user","message":{"content":"first"}}
{"type":"user","isCompactSummary":true,"message":{"content":"summary of prior context"}}
{"type":"user","message":{"content":"second"}}
{"type":"user","isCompactSummary":true,"message":{"content":"second summary"}}
{"type":"user","message":{"content":"third"}}
`
	res, err := ParseTranscript("s", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, 0, res.Messages[0].CompactSequence)
	assert.Equal(t, 1, res.Messages[1].CompactSequence)
	assert.Equal(t, 2, res.Messages[2].CompactSequence)
}

func TestParseTranscriptEmpty(t *testing.T) {
	res, err := ParseTranscript("s", strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Zero(t, res.TotalCostUSD)
}

func TestLineTimestamp(t *testing.T) {
	assert.NotNil(t, lineTimestamp(`{"timestamp":"2026-08-01T10:00:00Z"}`))
	assert.NotNil(t, lineTimestamp(`{"timestamp":"2026-08-01T10:00:00.123456Z"}`))
	assert.Nil(t, lineTimestamp(`{"timestamp":"yesterday"}`))
	assert.Nil(t, lineTimestamp(`{}`))
}
