package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/models"
	"github.com/ccpulse/ccpulse/pkg/store"
)

// sweepBatchSize caps candidates per sweep so one pass cannot monopolize
// the pool.
const sweepBatchSize = 100

// Candidate is one stuck session found by a sweep and the action taken (or,
// in dry-run mode, the action that would be taken).
type Candidate struct {
	SessionID   string             `json:"session_id"`
	Lifecycle   models.Lifecycle   `json:"lifecycle"`
	ParseStatus models.ParseStatus `json:"parse_status"`
	Action      string             `json:"action"`
}

// Sweeper periodically repairs sessions stalled below a terminal state:
// ended or parsed with an unfinished parse, untouched past the threshold.
// Sessions without a transcript are failed; the rest get a pipeline re-run.
type Sweeper struct {
	sessions *store.SessionStore
	runner   *Runner
	cfg      config.RecoveryConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a Sweeper. Start must be called to begin sweeping.
func NewSweeper(sessions *store.SessionStore, runner *Runner, cfg config.RecoveryConfig) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		runner:   runner,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx, false); err != nil {
					slog.Error("Stuck-session sweep failed", "error", err)
				}
			}
		}
	}()
	slog.Info("Stuck-session sweeper started",
		"interval", s.cfg.Interval, "threshold", s.cfg.StuckThreshold)
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sweep runs one pass. In dry-run mode it only reports candidates, without
// mutating state or triggering pipeline runs.
func (s *Sweeper) Sweep(ctx context.Context, dryRun bool) ([]Candidate, error) {
	stuck, err := s.sessions.StuckCandidates(ctx, s.cfg.StuckThreshold, sweepBatchSize)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(stuck))
	for _, sess := range stuck {
		c := Candidate{
			SessionID:   sess.ID,
			Lifecycle:   sess.Lifecycle,
			ParseStatus: sess.ParseStatus,
		}
		switch {
		case !sess.HasTranscript():
			c.Action = "fail"
			if !dryRun {
				s.failNoTranscript(ctx, sess)
			}
		default:
			c.Action = "reparse"
			if !dryRun {
				// Reset a parsing claim left by a dead worker back to
				// pending; the run below re-claims it.
				if sess.ParseStatus == models.ParseStatusParsing {
					_, err := s.sessions.Transition(ctx, sess.ID, sess.Lifecycle,
						[]models.Lifecycle{sess.Lifecycle},
						[]store.Update{{Column: "parse_status", Value: string(models.ParseStatusPending)}},
					)
					if err != nil {
						slog.Warn("Failed to release stale parse claim",
							"session_id", sess.ID, "error", err)
					}
				}
				s.runner.Trigger(sess.ID)
			}
		}
		candidates = append(candidates, c)
	}

	if len(candidates) > 0 {
		slog.Info("Stuck-session sweep completed",
			"candidates", len(candidates), "dry_run", dryRun)
	}
	return candidates, nil
}

func (s *Sweeper) failNoTranscript(ctx context.Context, sess *models.Session) {
	res, err := s.sessions.Transition(ctx, sess.ID, models.LifecycleFailed,
		[]models.Lifecycle{models.LifecycleEnded, models.LifecycleParsed},
		[]store.Update{
			{Column: "parse_status", Value: string(models.ParseStatusFailed)},
			{Column: "parse_error", Value: "no transcript_s3_key"},
		},
	)
	if err != nil {
		slog.Error("Failed to fail transcript-less session",
			"session_id", sess.ID, "error", err)
		return
	}
	if !res.OK {
		slog.Debug("Session moved on before sweep could fail it",
			"session_id", sess.ID, "lifecycle", res.Current)
	}
}
