// Package pipeline implements the transcript processing pipeline: blob
// download, JSONL parse, content-block extraction, guarded lifecycle
// advancement, and the stuck-session recovery sweeper.
package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ccpulse/ccpulse/pkg/models"
)

// maxLineSize bounds a single transcript line. Tool results with embedded
// file contents can be large.
const maxLineSize = 10 << 20

// ParseResult is the structured output of one transcript parse.
type ParseResult struct {
	Messages []*models.TranscriptMessage
	// Blocks holds every message's content blocks keyed by message id.
	Blocks map[string][]*models.ContentBlock
	// TotalCostUSD sums per-message costUSD fields.
	TotalCostUSD float64
}

// ParseTranscript reads newline-delimited transcript records and extracts
// messages with their content blocks. Ordinals are contiguous 1..N per
// session. Unparseable lines are skipped; only a read failure is an error.
//
// Compact boundaries (context compaction markers) increment the compact
// sequence; every message after the first boundary carries is_compacted and
// its sequence number.
func ParseTranscript(sessionID string, r io.Reader) (*ParseResult, error) {
	res := &ParseResult{Blocks: make(map[string][]*models.ContentBlock)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	ordinal := 0
	compactSeq := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !gjson.Valid(line) {
			continue
		}

		if isCompactBoundary(line) {
			compactSeq++
			continue
		}

		role := lineRole(line)
		if role == "" {
			continue
		}

		ordinal++
		msg := &models.TranscriptMessage{
			ID:              fmt.Sprintf("%s:%d", sessionID, ordinal),
			SessionID:       sessionID,
			Ordinal:         ordinal,
			Role:            role,
			Timestamp:       lineTimestamp(line),
			IsCompacted:     compactSeq > 0,
			CompactSequence: compactSeq,
		}
		if m := gjson.Get(line, "message.model").Str; m != "" {
			msg.Model = &m
		}
		msg.InputTokens = gjson.Get(line, "message.usage.input_tokens").Int()
		msg.OutputTokens = gjson.Get(line, "message.usage.output_tokens").Int()
		msg.CacheReadTokens = gjson.Get(line, "message.usage.cache_read_input_tokens").Int()
		msg.CostUSD = gjson.Get(line, "costUSD").Float()
		res.TotalCostUSD += msg.CostUSD

		res.Messages = append(res.Messages, msg)
		res.Blocks[msg.ID] = extractBlocks(msg, gjson.Get(line, "message.content"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript for %s: %w", sessionID, err)
	}
	return res, nil
}

// lineRole maps a record's type to a message role, or "" for records that
// are not messages (summaries, queue operations, snapshots).
func lineRole(line string) models.MessageRole {
	switch gjson.Get(line, "type").Str {
	case "user":
		// System-injected user entries carry no author intent.
		if gjson.Get(line, "isMeta").Bool() || gjson.Get(line, "isCompactSummary").Bool() {
			return ""
		}
		return models.RoleUser
	case "assistant":
		return models.RoleAssistant
	case "system":
		if gjson.Get(line, "subtype").Str == "compact_boundary" {
			return ""
		}
		return models.RoleSystem
	default:
		return ""
	}
}

// isCompactBoundary detects both marker shapes: a compact-summary user
// record and an explicit system compact_boundary record.
func isCompactBoundary(line string) bool {
	if gjson.Get(line, "isCompactSummary").Bool() {
		return true
	}
	return gjson.Get(line, "type").Str == "system" &&
		gjson.Get(line, "subtype").Str == "compact_boundary"
}

// lineTimestamp parses the record timestamp, nil when absent or malformed.
func lineTimestamp(line string) *time.Time {
	raw := gjson.Get(line, "timestamp").Str
	if raw == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil
		}
	}
	return &ts
}

// extractBlocks turns message.content into ordered content blocks. A bare
// string becomes a single text block; an array yields one block per
// element.
func extractBlocks(msg *models.TranscriptMessage, content gjson.Result) []*models.ContentBlock {
	newBlock := func(order int, typ models.BlockType) *models.ContentBlock {
		return &models.ContentBlock{
			ID:         fmt.Sprintf("%s:%d", msg.ID, order),
			MessageID:  msg.ID,
			SessionID:  msg.SessionID,
			BlockOrder: order,
			BlockType:  typ,
		}
	}

	if content.Type == gjson.String {
		if content.Str == "" {
			return nil
		}
		b := newBlock(0, models.BlockText)
		text := content.Str
		b.ContentText = &text
		return []*models.ContentBlock{b}
	}
	if !content.IsArray() {
		return nil
	}

	var blocks []*models.ContentBlock
	order := 0
	content.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").Str {
		case "text":
			b := newBlock(order, models.BlockText)
			text := item.Get("text").Str
			b.ContentText = &text
			blocks = append(blocks, b)
		case "thinking":
			b := newBlock(order, models.BlockThinking)
			text := item.Get("thinking").Str
			b.ThinkingText = &text
			blocks = append(blocks, b)
		case "tool_use":
			b := newBlock(order, models.BlockToolUse)
			name := item.Get("name").Str
			b.ToolName = &name
			if input := item.Get("input"); input.Exists() {
				raw := input.Raw
				b.ToolInput = &raw
			}
			blocks = append(blocks, b)
		case "tool_result":
			b := newBlock(order, models.BlockToolResult)
			if id := item.Get("tool_use_id").Str; id != "" {
				b.ToolResultID = &id
			}
			b.IsError = item.Get("is_error").Bool()
			if text := resultText(item.Get("content")); text != "" {
				b.ResultText = &text
			}
			blocks = append(blocks, b)
		default:
			return true
		}
		order++
		return true
	})
	return blocks
}

// resultText flattens a tool_result content field, which is either a plain
// string or an array of text blocks.
func resultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.Str
	}
	if !content.IsArray() {
		return ""
	}
	var out string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").Str == "text" {
			out += item.Get("text").Str
		}
		return true
	})
	return out
}
