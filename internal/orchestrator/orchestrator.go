// Package orchestrator drives a session from "all artifacts terminal" through
// summarization and publishing, coordinating the queue pause around the
// shared transcription model unload.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tablescribe/backend/internal/models"
)

// ErrWaitTimeout is returned when a session does not reach a terminal state
// within the maximum wait. No recording is marked failed: artifacts may still
// be mid-flight and a later recovery pass can resolve them.
var ErrWaitTimeout = errors.New("orchestrator: session completion wait timed out")

// RecordingStore is the slice of the recording repository the orchestrator
// polls.
type RecordingStore interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.Recording, error)
}

// SessionStore records phase progress for crash recovery.
type SessionStore interface {
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)
	SetPhase(ctx context.Context, sessionID string, phase models.Phase) error
}

// Queue is the pause/resume slice of the durable job queue. Pausing the queue
// is the system's only mutual-exclusion mechanism around the shared
// transcription model: paused means no new claims.
type Queue interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// ModelUnloader releases the shared transcription model held by the remote
// worker.
type ModelUnloader interface {
	UnloadModels(ctx context.Context) error
}

// Summary is the opaque result produced by the external Summarizer.
type Summary struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Narrative string `json:"narrative"`
}

// Summarizer derives the narrative summary from a completed transcript.
type Summarizer interface {
	Summarize(ctx context.Context, sessionID string) (*Summary, error)
}

// Reconciler deduplicates and normalizes entity names in a summary.
type Reconciler interface {
	Normalize(ctx context.Context, campaignID int64, s *Summary) (*Summary, error)
}

// Sink publishes a finished summary (chat channel, email report, ...).
type Sink func(ctx context.Context, s *Summary) error

// Notifier receives operator-facing notices (timeouts, non-resumable phases).
type Notifier interface {
	Notify(ctx context.Context, sessionID, message string)
}

// NopNotifier discards notices.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) {}

// Orchestrator polls the recording store until a session completes, then runs
// the finalization pipeline. Safe to use concurrently for different session
// ids; callers must not invoke it twice concurrently for the same session.
type Orchestrator struct {
	recordings RecordingStore
	sessions   SessionStore
	queue      Queue
	unloader   ModelUnloader
	summarizer Summarizer
	reconciler Reconciler
	sinks      []Sink
	notifier   Notifier

	checkInterval time.Duration
	maxWait       time.Duration
	logger        *zap.Logger
}

// Config wires the orchestrator's collaborators and polling bounds.
type Config struct {
	Recordings    RecordingStore
	Sessions      SessionStore
	Queue         Queue
	Unloader      ModelUnloader
	Summarizer    Summarizer
	Reconciler    Reconciler
	Sinks         []Sink
	Notifier      Notifier
	CheckInterval time.Duration
	MaxWait       time.Duration
	Logger        *zap.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 24 * time.Hour
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		recordings:    cfg.Recordings,
		sessions:      cfg.Sessions,
		queue:         cfg.Queue,
		unloader:      cfg.Unloader,
		summarizer:    cfg.Summarizer,
		reconciler:    cfg.Reconciler,
		sinks:         cfg.Sinks,
		notifier:      cfg.Notifier,
		checkInterval: cfg.CheckInterval,
		maxWait:       cfg.MaxWait,
		logger:        cfg.Logger,
	}
}

// AwaitCompletion polls until every recording of the session is terminal
// (PROCESSED, ERROR or SKIPPED). It returns ErrWaitTimeout when the bound is
// exceeded and the ctx error when cancelled.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, sessionID string) error {
	deadline := time.Now().Add(o.maxWait)
	o.logger.Info("awaiting session completion", zap.String("session_id", sessionID))

	ticker := time.NewTicker(o.checkInterval)
	defer ticker.Stop()

	for {
		recs, err := o.recordings.ListBySession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("poll session %s: %w", sessionID, err)
		}
		if models.SessionComplete(recs) {
			errored := 0
			for _, r := range recs {
				if r.Status == models.StatusError {
					errored++
				}
			}
			if errored > 0 {
				o.logger.Warn("session completed with errored artifacts",
					zap.String("session_id", sessionID), zap.Int("errored", errored))
			}
			o.logger.Info("session complete", zap.String("session_id", sessionID), zap.Int("recordings", len(recs)))
			return nil
		}

		if time.Now().After(deadline) {
			o.notifier.Notify(ctx, sessionID, "session processing timed out; artifacts may still be mid-flight")
			return fmt.Errorf("%w: %s", ErrWaitTimeout, sessionID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// unloadSharedModel pauses the queue, releases the shared transcription
// model, and resumes the queue exactly once no matter what fails in between.
func (o *Orchestrator) unloadSharedModel(ctx context.Context) error {
	if err := o.queue.Pause(ctx); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	defer func() {
		if err := o.queue.Resume(ctx); err != nil {
			o.logger.Error("resume queue failed, workers are stalled", zap.Error(err))
		}
	}()

	if err := o.unloader.UnloadModels(ctx); err != nil {
		// The model may already be unloaded; the resume in the deferred
		// block still runs.
		o.logger.Warn("model unload failed", zap.Error(err))
	}
	return nil
}

// Finalize runs the post-completion pipeline: unload the shared model under
// queue pause, summarize, reconcile names, publish to sinks, advancing the
// phase marker at each step.
func (o *Orchestrator) Finalize(ctx context.Context, sessionID string) error {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session == nil {
		return fmt.Errorf("orchestrator: session %s not found", sessionID)
	}

	if err := o.unloadSharedModel(ctx); err != nil {
		return err
	}

	if err := o.sessions.SetPhase(ctx, sessionID, models.PhaseSummarizing); err != nil {
		return err
	}
	summary, err := o.summarizer.Summarize(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", sessionID, err)
	}

	if session.CampaignID != nil && o.reconciler != nil {
		summary, err = o.reconciler.Normalize(ctx, *session.CampaignID, summary)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", sessionID, err)
		}
	}

	if err := o.sessions.SetPhase(ctx, sessionID, models.PhasePublishing); err != nil {
		return err
	}
	for _, sink := range o.sinks {
		if err := sink(ctx, summary); err != nil {
			return fmt.Errorf("publish %s: %w", sessionID, err)
		}
	}

	if err := o.sessions.SetPhase(ctx, sessionID, models.PhaseDone); err != nil {
		return err
	}
	o.logger.Info("session finalized", zap.String("session_id", sessionID), zap.String("title", summary.Title))
	return nil
}

// ProcessSession awaits completion and finalizes in one call. This is the
// awaitSessionCompletion contract: Completed on success, ErrWaitTimeout when
// the bound is hit.
func (o *Orchestrator) ProcessSession(ctx context.Context, sessionID string) error {
	if err := o.AwaitCompletion(ctx, sessionID); err != nil {
		return err
	}
	return o.Finalize(ctx, sessionID)
}
