// Package summary generates a short natural-language description of a
// parsed session transcript through the Anthropic Messages API. The
// provider is optional: when no API key is configured the pipeline leaves
// sessions at parsed.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/models"
)

// MessagesClient captures the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService so tests can pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Summarizer issues one summary request per session. No retries; summary
// failure is never terminal for the pipeline.
type Summarizer struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	maxBytes  int
}

// New builds a Summarizer from configuration. Returns nil when no API key
// is configured.
func New(cfg config.SummaryConfig) *Summarizer {
	if !cfg.Enabled() {
		return nil
	}
	ac := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return NewWithClient(&ac.Messages, cfg)
}

// NewWithClient builds a Summarizer on an explicit Messages client.
func NewWithClient(msg MessagesClient, cfg config.SummaryConfig) *Summarizer {
	return &Summarizer{
		msg:       msg,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxBytes:  cfg.MaxTranscriptBytes,
	}
}

const systemPrompt = "You summarize AI coding assistant sessions. " +
	"Given a transcript, reply with 2-4 plain sentences describing what was " +
	"worked on and the outcome. No preamble, no markdown."

// Summarize renders the transcript to text, truncates it to the configured
// byte budget, and requests a summary.
func (s *Summarizer) Summarize(ctx context.Context, msgs []*models.TranscriptMessage, blocks map[string][]*models.ContentBlock) (string, error) {
	text := renderTranscript(msgs, blocks, s.maxBytes)
	if text == "" {
		return "", errors.New("empty transcript")
	}

	resp, err := s.msg.New(ctx, sdk.MessageNewParams{
		MaxTokens: s.maxTokens,
		Model:     sdk.Model(s.model),
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", errors.New("summary response contained no text")
	}
	return out, nil
}

// renderTranscript flattens messages and their text blocks into a plain
// role-prefixed transcript, stopping once the byte budget is reached.
func renderTranscript(msgs []*models.TranscriptMessage, blocks map[string][]*models.ContentBlock, maxBytes int) string {
	var sb strings.Builder
	for _, m := range msgs {
		for _, b := range blocks[m.ID] {
			var text string
			switch b.BlockType {
			case models.BlockText:
				if b.ContentText != nil {
					text = *b.ContentText
				}
			case models.BlockToolUse:
				if b.ToolName != nil {
					text = "[tool: " + *b.ToolName + "]"
				}
			default:
				// Thinking and tool results are noise for a summary.
				continue
			}
			if text == "" {
				continue
			}
			line := string(m.Role) + ": " + text + "\n"
			if maxBytes > 0 && sb.Len()+len(line) > maxBytes {
				return sb.String()
			}
			sb.WriteString(line)
		}
	}
	return sb.String()
}

// SuggestTags derives lightweight tags from parsed messages without a model
// call: the dominant model id and a compaction marker.
func SuggestTags(msgs []*models.TranscriptMessage) []string {
	var tags []string
	modelSeen := map[string]bool{}
	compacted := false
	for _, m := range msgs {
		if m.Model != nil && *m.Model != "" && !modelSeen[*m.Model] {
			modelSeen[*m.Model] = true
			tags = append(tags, "model:"+*m.Model)
		}
		if m.IsCompacted {
			compacted = true
		}
	}
	if compacted {
		tags = append(tags, "compacted")
	}
	return tags
}
