package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/events"
	"github.com/ccpulse/ccpulse/pkg/models"
	"github.com/ccpulse/ccpulse/pkg/store"
	"github.com/ccpulse/ccpulse/pkg/summary"
)

// BlobDownloader fetches a transcript blob by key. Satisfied by *blob.Store.
type BlobDownloader interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// Broadcaster receives session.update notifications. Satisfied by
// *events.Manager.
type Broadcaster interface {
	BroadcastSessionUpdate(u events.SessionUpdate)
}

// Runner drives a session from ended through parsed (and optionally
// summarized). Run is safe to call repeatedly and concurrently for the same
// session: the guarded transitions let only one worker make progress, and
// persistence is keyed so re-runs land on the same rows.
type Runner struct {
	sessions    *store.SessionStore
	transcripts *store.TranscriptStore
	blobs       BlobDownloader
	summarizer  *summary.Summarizer
	broadcaster Broadcaster
	cfg         config.PipelineConfig
}

// NewRunner wires the pipeline. summarizer may be nil (summarization
// disabled); broadcaster may be nil in tests.
func NewRunner(sessions *store.SessionStore, transcripts *store.TranscriptStore, blobs BlobDownloader, summarizer *summary.Summarizer, broadcaster Broadcaster, cfg config.PipelineConfig) *Runner {
	return &Runner{
		sessions:    sessions,
		transcripts: transcripts,
		blobs:       blobs,
		summarizer:  summarizer,
		broadcaster: broadcaster,
		cfg:         cfg,
	}
}

// Trigger starts a pipeline run in the background and returns immediately.
// The caller's outcome is independent of the run; progress is observable
// through the session row and session.update broadcasts.
func (r *Runner) Trigger(sessionID string) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("Pipeline run panicked",
					"session_id", sessionID, "panic", rec,
					"stack", string(debug.Stack()))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RunTimeout)
		defer cancel()
		if err := r.Run(ctx, sessionID); err != nil {
			slog.Error("Pipeline run failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Run executes one pipeline pass: claim, download, parse, persist, advance,
// summarize. Returns nil when another worker holds or has finished the
// session.
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	// Claim ownership through parse_status without advancing the
	// lifecycle. A no-match means the session is not at ended: either it
	// was never ended or another worker already advanced it.
	res, err := r.sessions.Transition(ctx, sessionID, models.LifecycleEnded,
		[]models.Lifecycle{models.LifecycleEnded},
		[]store.Update{{Column: "parse_status", Value: string(models.ParseStatusParsing)}},
	)
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	if !res.OK {
		if !res.Found {
			return fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
		}
		slog.Debug("Pipeline claim skipped, session not at ended",
			"session_id", sessionID, "lifecycle", res.Current)
		return nil
	}

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.HasTranscript() {
		return r.fail(ctx, sess, "no transcript_s3_key")
	}

	body, err := r.blobs.Download(ctx, *sess.TranscriptS3Key)
	if err != nil {
		return r.fail(ctx, sess, fmt.Sprintf("download transcript: %v", err))
	}
	parsed, parseErr := ParseTranscript(sessionID, body)
	_ = body.Close()
	if parseErr != nil {
		return r.fail(ctx, sess, fmt.Sprintf("parse transcript: %v", parseErr))
	}

	if err := r.persist(ctx, parsed); err != nil {
		// Storage trouble, not bad data: leave parse_status at parsing so
		// the recovery sweeper retries.
		return fmt.Errorf("persist transcript for %s: %w", sessionID, err)
	}

	updates := []store.Update{
		{Column: "parse_status", Value: string(models.ParseStatusCompleted)},
		{Column: "total_messages", Value: len(parsed.Messages)},
		{Column: "cost_estimate_usd", Value: parsed.TotalCostUSD},
	}
	if len(sess.Tags) == 0 {
		if tags := summary.SuggestTags(parsed.Messages); len(tags) > 0 {
			updates = append(updates, store.Update{Column: "tags", Value: tags})
		}
	}
	res, err = r.sessions.Transition(ctx, sessionID, models.LifecycleParsed,
		[]models.Lifecycle{models.LifecycleEnded}, updates)
	if err != nil {
		return fmt.Errorf("advance to parsed: %w", err)
	}
	if !res.OK {
		slog.Warn("Pipeline lost the advance race",
			"session_id", sessionID, "lifecycle", res.Current)
		return nil
	}
	r.notify(ctx, sessionID, true)

	r.summarize(ctx, sessionID, parsed)
	return nil
}

// summarize requests and records a summary. Failure is logged and leaves
// the session at parsed; it is never terminal.
func (r *Runner) summarize(ctx context.Context, sessionID string, parsed *ParseResult) {
	if r.summarizer == nil || len(parsed.Messages) == 0 {
		return
	}
	text, err := r.summarizer.Summarize(ctx, parsed.Messages, parsed.Blocks)
	if err != nil {
		slog.Warn("Summarization failed, leaving session at parsed",
			"session_id", sessionID, "error", err)
		return
	}
	res, err := r.sessions.Transition(ctx, sessionID, models.LifecycleSummarized,
		[]models.Lifecycle{models.LifecycleParsed},
		[]store.Update{{Column: "summary", Value: text}},
	)
	if err != nil {
		slog.Error("Failed to record summary", "session_id", sessionID, "error", err)
		return
	}
	if res.OK {
		r.notify(ctx, sessionID, false)
	}
}

// persist writes messages and blocks in insert batches.
func (r *Runner) persist(ctx context.Context, parsed *ParseResult) error {
	batch := r.cfg.InsertBatchSize
	if batch <= 0 {
		batch = len(parsed.Messages)
	}
	for start := 0; start < len(parsed.Messages); start += batch {
		end := min(start+batch, len(parsed.Messages))
		chunk := parsed.Messages[start:end]
		if err := r.transcripts.InsertMessages(ctx, chunk); err != nil {
			return err
		}
		var blocks []*models.ContentBlock
		for _, m := range chunk {
			blocks = append(blocks, parsed.Blocks[m.ID]...)
		}
		if err := r.transcripts.InsertBlocks(ctx, blocks); err != nil {
			return err
		}
	}
	return nil
}

// fail records a data failure on the session. Parse failures are not
// retried automatically; an explicit reparse rewinds them.
func (r *Runner) fail(ctx context.Context, sess *models.Session, reason string) error {
	slog.Error("Pipeline failing session", "session_id", sess.ID, "reason", reason)
	res, err := r.sessions.Transition(ctx, sess.ID, models.LifecycleFailed,
		[]models.Lifecycle{models.LifecycleEnded, models.LifecycleParsed},
		[]store.Update{
			{Column: "parse_status", Value: string(models.ParseStatusFailed)},
			{Column: "parse_error", Value: reason},
		},
	)
	if err != nil {
		return fmt.Errorf("mark session %s failed: %w", sess.ID, err)
	}
	if res.OK {
		r.notify(ctx, sess.ID, false)
	}
	return fmt.Errorf("pipeline failed for session %s: %s", sess.ID, reason)
}

// notify re-reads the session and broadcasts a session.update.
func (r *Runner) notify(ctx context.Context, sessionID string, withStats bool) {
	if r.broadcaster == nil {
		return
	}
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to load session for broadcast",
			"session_id", sessionID, "error", err)
		return
	}
	r.broadcaster.BroadcastSessionUpdate(events.NewSessionUpdate(sess, withStats))
}

// Reparse rewinds a failed or completed session and re-runs the pipeline in
// the background. Returns false when the session has no transcript or is in
// a state the override does not cover.
func (r *Runner) Reparse(ctx context.Context, sessionID string) (bool, error) {
	ok, err := r.sessions.ResetForReparse(ctx, sessionID)
	if err != nil || !ok {
		return false, err
	}
	r.notify(ctx, sessionID, false)
	r.Trigger(sessionID)
	return true, nil
}
