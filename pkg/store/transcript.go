package store

import (
	"context"
	"fmt"

	"github.com/ccpulse/ccpulse/pkg/models"
)

// TranscriptStore owns transcript_messages and content_blocks. Inserts are
// keyed on (session_id, ordinal) and (message_id, block_order) with ON
// CONFLICT DO NOTHING, so a re-run of the same blob lands on the same rows
// and produces no duplicates.
type TranscriptStore struct {
	db Querier
}

// NewTranscriptStore creates a TranscriptStore on the given executor.
func NewTranscriptStore(db Querier) *TranscriptStore {
	return &TranscriptStore{db: db}
}

// InsertMessages batch-inserts transcript messages.
func (s *TranscriptStore) InsertMessages(ctx context.Context, msgs []*models.TranscriptMessage) error {
	for _, m := range msgs {
		_, err := s.db.Exec(ctx,
			`INSERT INTO transcript_messages
			 (id, session_id, ordinal, role, timestamp, model,
			  input_tokens, output_tokens, cache_read_tokens, cost_usd,
			  is_compacted, compact_sequence)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (session_id, ordinal) DO NOTHING`,
			m.ID, m.SessionID, m.Ordinal, string(m.Role), m.Timestamp, m.Model,
			m.InputTokens, m.OutputTokens, m.CacheReadTokens, m.CostUSD,
			m.IsCompacted, m.CompactSequence,
		)
		if err != nil {
			return fmt.Errorf("insert transcript message %s/%d: %w", m.SessionID, m.Ordinal, err)
		}
	}
	return nil
}

// InsertBlocks batch-inserts content blocks.
func (s *TranscriptStore) InsertBlocks(ctx context.Context, blocks []*models.ContentBlock) error {
	for _, b := range blocks {
		_, err := s.db.Exec(ctx,
			`INSERT INTO content_blocks
			 (id, message_id, session_id, block_order, block_type,
			  content_text, thinking_text, tool_name, tool_input,
			  tool_result_id, is_error, result_text)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (message_id, block_order) DO NOTHING`,
			b.ID, b.MessageID, b.SessionID, b.BlockOrder, string(b.BlockType),
			b.ContentText, b.ThinkingText, b.ToolName, b.ToolInput,
			b.ToolResultID, b.IsError, b.ResultText,
		)
		if err != nil {
			return fmt.Errorf("insert content block %s/%d: %w", b.MessageID, b.BlockOrder, err)
		}
	}
	return nil
}

// ListMessages returns a session's messages ordered by ordinal, with their
// content blocks attached.
func (s *TranscriptStore) ListMessages(ctx context.Context, sessionID string) ([]*models.TranscriptMessage, map[string][]*models.ContentBlock, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, ordinal, role, timestamp, model,
		        input_tokens, output_tokens, cache_read_tokens, cost_usd,
		        is_compacted, compact_sequence
		 FROM transcript_messages WHERE session_id = $1 ORDER BY ordinal ASC`,
		sessionID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("select transcript messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.TranscriptMessage
	for rows.Next() {
		var m models.TranscriptMessage
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Ordinal, &role, &m.Timestamp, &m.Model,
			&m.InputTokens, &m.OutputTokens, &m.CacheReadTokens, &m.CostUSD,
			&m.IsCompacted, &m.CompactSequence); err != nil {
			return nil, nil, fmt.Errorf("scan transcript message: %w", err)
		}
		m.Role = models.MessageRole(role)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	blockRows, err := s.db.Query(ctx,
		`SELECT id, message_id, session_id, block_order, block_type,
		        content_text, thinking_text, tool_name, tool_input,
		        tool_result_id, is_error, result_text
		 FROM content_blocks WHERE session_id = $1 ORDER BY message_id, block_order ASC`,
		sessionID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("select content blocks: %w", err)
	}
	defer blockRows.Close()

	blocks := make(map[string][]*models.ContentBlock)
	for blockRows.Next() {
		var b models.ContentBlock
		var typ string
		if err := blockRows.Scan(&b.ID, &b.MessageID, &b.SessionID, &b.BlockOrder, &typ,
			&b.ContentText, &b.ThinkingText, &b.ToolName, &b.ToolInput,
			&b.ToolResultID, &b.IsError, &b.ResultText); err != nil {
			return nil, nil, fmt.Errorf("scan content block: %w", err)
		}
		b.BlockType = models.BlockType(typ)
		blocks[b.MessageID] = append(blocks[b.MessageID], &b)
	}
	return msgs, blocks, blockRows.Err()
}

// CountMessages returns the number of parsed messages for a session.
func (s *TranscriptStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM transcript_messages WHERE session_id = $1`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transcript messages: %w", err)
	}
	return n, nil
}
