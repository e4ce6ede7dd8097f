// Package recovery repairs pipeline state after a crash: orphaned local
// artifacts, stalled recording rows and interrupted session phases.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tablescribe/backend/internal/models"
	"github.com/tablescribe/backend/pkg/queue"
)

// artifactName matches `{userId}-{captureMillis}.{ext}`. User ids may contain
// hyphens, so the timestamp is anchored to the last hyphen before the
// extension.
var artifactName = regexp.MustCompile(`^(.+)-(\d+)\.([A-Za-z0-9]+)$`)

// RecordingStore is the recording repository surface the scanner needs.
type RecordingStore interface {
	GetByFilename(ctx context.Context, filename string) (*models.Recording, error)
	Create(ctx context.Context, rec *models.Recording) error
	UpdateStatus(ctx context.Context, filename string, next models.Status) error
	ListStalled(ctx context.Context) ([]models.Recording, error)
	ResetUnfinished(ctx context.Context, sessionID string) ([]models.Recording, error)
}

// SessionStore is the session repository surface the scanner needs.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	FindNearestByCapture(ctx context.Context, captureMillis int64, window time.Duration) (string, error)
	FindOrCreateCampaign(ctx context.Context, guildID, name string) (*models.Campaign, error)
	ListIncompletePhases(ctx context.Context) ([]models.Session, error)
	SetPhase(ctx context.Context, sessionID string, phase models.Phase) error
}

// JobQueue is the enqueue/cancel surface of the durable queue.
type JobQueue interface {
	Enqueue(ctx context.Context, payload queue.TranscriptionPayload, opts queue.Options) error
	CancelSession(ctx context.Context, sessionID string) (int, error)
}

// Uploader backs a recovered artifact up to object storage.
type Uploader interface {
	Upload(ctx context.Context, localPath, fileName, sessionID, explicitKey string) (string, error)
}

// Processor re-drives a recovered session through the pipeline.
type Processor interface {
	ProcessSession(ctx context.Context, sessionID string) error
	Finalize(ctx context.Context, sessionID string) error
}

// Notifier surfaces conditions that need an operator decision.
type Notifier interface {
	Notify(ctx context.Context, sessionID, message string)
}

// Config holds the scanner's collaborators and tunables.
type Config struct {
	Recordings RecordingStore
	Sessions   SessionStore
	Queue      JobQueue
	Store      Uploader
	Processor  Processor
	Notifier   Notifier

	// Dir is the local directory capture workers write artifacts into.
	Dir string
	// RawExtension is the capture format, with leading dot (".flac").
	RawExtension string
	// GraceWindow skips files that may still be mid-write.
	GraceWindow time.Duration
	// SessionWindow bounds capture-timestamp matching against session starts.
	SessionWindow time.Duration
	// InterSessionDelay is the serial backoff between recovered sessions.
	InterSessionDelay time.Duration

	QueueOptions queue.Options
	Logger       *zap.Logger
}

// Scanner runs the startup crash-recovery sweep.
type Scanner struct {
	cfg Config
}

// New creates a scanner.
func New(cfg Config) *Scanner {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Minute
	}
	if cfg.SessionWindow <= 0 {
		cfg.SessionWindow = 2 * time.Hour
	}
	if cfg.InterSessionDelay <= 0 {
		cfg.InterSessionDelay = 5 * time.Second
	}
	if cfg.QueueOptions == (queue.Options{}) {
		cfg.QueueOptions = queue.DefaultOptions()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scanner{cfg: cfg}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}

// ArtifactInfo is the result of decoding an artifact filename.
type ArtifactInfo struct {
	UserID        string
	CaptureMillis int64
	Ext           string
}

// ParseArtifactName decodes `{userId}-{millis}.{ext}`. Returns false for
// derived artifacts (session masters, transcripts) and anything else that does
// not carry a capture timestamp.
func ParseArtifactName(name string) (ArtifactInfo, bool) {
	m := artifactName.FindStringSubmatch(name)
	if m == nil {
		return ArtifactInfo{}, false
	}
	millis, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || millis <= 0 {
		return ArtifactInfo{}, false
	}
	return ArtifactInfo{UserID: m[1], CaptureMillis: millis, Ext: "." + m[3]}, true
}

// Run executes both discovery passes, converges every affected session
// serially, then resumes interrupted phase markers. Called once at startup.
func (s *Scanner) Run(ctx context.Context) error {
	log := s.cfg.Logger
	log.Info("crash recovery scan starting", zap.String("dir", s.cfg.Dir))

	affected := map[string]bool{}

	if err := s.scanOrphans(ctx, affected); err != nil {
		return fmt.Errorf("orphan scan: %w", err)
	}
	if err := s.scanStalled(ctx, affected); err != nil {
		return fmt.Errorf("stalled scan: %w", err)
	}

	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	log.Info("recovery worklist assembled", zap.Int("sessions", len(ids)))

	for i, id := range ids {
		// One session's failure must not abort the rest of the sweep.
		if err := s.recoverSession(ctx, id); err != nil {
			log.Error("session recovery failed", zap.String("session_id", id), zap.Error(err))
		}
		if i < len(ids)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.InterSessionDelay):
			}
		}
	}

	if err := s.resumePhases(ctx); err != nil {
		return fmt.Errorf("phase recovery: %w", err)
	}
	log.Info("crash recovery scan finished")
	return nil
}

// scanOrphans is pass A: local artifact files with no recording row.
func (s *Scanner) scanOrphans(ctx context.Context, affected map[string]bool) error {
	log := s.cfg.Logger
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("recordings directory absent, skipping orphan scan")
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), s.cfg.RawExtension) {
			continue
		}
		parsed, ok := ParseArtifactName(entry.Name())
		if !ok {
			log.Debug("skipping unparseable artifact", zap.String("file", entry.Name()))
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn("stat failed", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if time.Since(info.ModTime()) < s.cfg.GraceWindow {
			log.Debug("artifact inside grace window, may still be written", zap.String("file", entry.Name()))
			continue
		}

		existing, err := s.cfg.Recordings.GetByFilename(ctx, entry.Name())
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		if err := s.adoptOrphan(ctx, entry.Name(), parsed, affected); err != nil {
			log.Error("orphan adoption failed", zap.String("file", entry.Name()), zap.Error(err))
		}
	}
	return nil
}

// adoptOrphan attaches one orphaned file to a session (matched or
// synthesized), secures it remotely and enqueues transcription.
func (s *Scanner) adoptOrphan(ctx context.Context, name string, parsed ArtifactInfo, affected map[string]bool) error {
	log := s.cfg.Logger

	sessionID, err := s.cfg.Sessions.FindNearestByCapture(ctx, parsed.CaptureMillis, s.cfg.SessionWindow)
	if err != nil {
		return fmt.Errorf("match session: %w", err)
	}
	if sessionID == "" {
		sessionID, err = s.synthesizeSession(ctx, parsed.CaptureMillis)
		if err != nil {
			return err
		}
	}
	log.Info("adopting orphaned artifact",
		zap.String("file", name), zap.String("session_id", sessionID), zap.String("user_id", parsed.UserID))

	localPath := filepath.Join(s.cfg.Dir, name)
	rec := &models.Recording{
		SessionID:        sessionID,
		Filename:         name,
		Filepath:         localPath,
		UserID:           parsed.UserID,
		CaptureTimestamp: parsed.CaptureMillis,
		Status:           models.StatusPending,
	}
	if err := s.cfg.Recordings.Create(ctx, rec); err != nil {
		return fmt.Errorf("create row: %w", err)
	}

	if _, err := s.cfg.Store.Upload(ctx, localPath, name, sessionID, ""); err != nil {
		// The local copy is intact and the worker retries uploads, so this
		// is not fatal to adoption.
		log.Warn("backup upload failed", zap.String("file", name), zap.Error(err))
	} else if err := s.cfg.Recordings.UpdateStatus(ctx, name, models.StatusSecured); err != nil {
		return err
	}

	payload := queue.TranscriptionPayload{
		SessionID: sessionID,
		FileName:  name,
		FilePath:  localPath,
		UserID:    parsed.UserID,
	}
	if err := s.cfg.Queue.Enqueue(ctx, payload, s.cfg.QueueOptions); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	affected[sessionID] = true
	return nil
}

// synthesizeSession creates a recovery session under the sentinel tenant. The
// sentinel campaign is find-or-create, never duplicated.
func (s *Scanner) synthesizeSession(ctx context.Context, captureMillis int64) (string, error) {
	campaign, err := s.cfg.Sessions.FindOrCreateCampaign(ctx, models.SentinelGuildID, models.SentinelCampaignName)
	if err != nil {
		return "", err
	}
	sessionID := "recovered-" + uuid.NewString()[:8]
	session := &models.Session{
		SessionID:  sessionID,
		GuildID:    models.SentinelGuildID,
		CampaignID: &campaign.ID,
		StartTime:  time.UnixMilli(captureMillis),
		Phase:      models.PhaseIdle,
	}
	if err := s.cfg.Sessions.Create(ctx, session); err != nil {
		return "", fmt.Errorf("create recovery session: %w", err)
	}
	s.cfg.Logger.Info("synthesized recovery session",
		zap.String("session_id", sessionID), zap.Int64("campaign_id", campaign.ID))
	return sessionID, nil
}

// scanStalled is pass B: rows claimed by a worker that never finished.
func (s *Scanner) scanStalled(ctx context.Context, affected map[string]bool) error {
	stalled, err := s.cfg.Recordings.ListStalled(ctx)
	if err != nil {
		return err
	}
	for _, rec := range stalled {
		affected[rec.SessionID] = true
	}
	if len(stalled) > 0 {
		s.cfg.Logger.Info("found stalled recordings", zap.Int("count", len(stalled)))
	}
	return nil
}

// recoverSession converges one session: purge stale queue entries, reset
// non-terminal rows, re-enqueue, then drive the session to completion.
func (s *Scanner) recoverSession(ctx context.Context, sessionID string) error {
	log := s.cfg.Logger.With(zap.String("session_id", sessionID))

	cancelled, err := s.cfg.Queue.CancelSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("purge queue: %w", err)
	}
	if cancelled > 0 {
		log.Info("purged stale queue entries", zap.Int("cancelled", cancelled))
	}

	reset, err := s.cfg.Recordings.ResetUnfinished(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, rec := range reset {
		payload := queue.TranscriptionPayload{
			SessionID: rec.SessionID,
			FileName:  rec.Filename,
			FilePath:  rec.Filepath,
			UserID:    rec.UserID,
		}
		if err := s.cfg.Queue.Enqueue(ctx, payload, s.cfg.QueueOptions); err != nil {
			return fmt.Errorf("re-enqueue %s: %w", rec.Filename, err)
		}
		if err := s.cfg.Recordings.UpdateStatus(ctx, rec.Filename, models.StatusQueued); err != nil {
			return err
		}
	}
	log.Info("session re-queued", zap.Int("recordings", len(reset)))

	return s.cfg.Processor.ProcessSession(ctx, sessionID)
}

// resumePhases restarts sessions whose phase marker shows an interrupted
// pipeline. Not every phase is auto-resumable; those are surfaced to an
// operator instead.
func (s *Scanner) resumePhases(ctx context.Context) error {
	log := s.cfg.Logger
	incomplete, err := s.cfg.Sessions.ListIncompletePhases(ctx)
	if err != nil {
		return err
	}

	for _, session := range incomplete {
		restart, ok := session.Phase.ResumePhase()
		if !ok {
			msg := fmt.Sprintf("session interrupted in phase %s, which cannot be auto-resumed; operator action required", session.Phase)
			log.Warn("non-resumable phase", zap.String("session_id", session.SessionID), zap.String("phase", string(session.Phase)))
			s.cfg.Notifier.Notify(ctx, session.SessionID, msg)
			continue
		}

		log.Info("resuming interrupted session",
			zap.String("session_id", session.SessionID),
			zap.String("crashed_phase", string(session.Phase)),
			zap.String("restart_phase", string(restart)))
		if err := s.cfg.Sessions.SetPhase(ctx, session.SessionID, restart); err != nil {
			log.Error("phase reset failed", zap.String("session_id", session.SessionID), zap.Error(err))
			continue
		}

		switch restart {
		case models.PhaseTranscribing:
			// Transcripts are not trustworthy yet: wait for the re-queued
			// work, then run the full finalization.
			err = s.cfg.Processor.ProcessSession(ctx, session.SessionID)
		case models.PhaseSummarizing:
			// Transcripts survived the crash, restart downstream only.
			err = s.cfg.Processor.Finalize(ctx, session.SessionID)
		}
		if err != nil {
			log.Error("phase resume failed", zap.String("session_id", session.SessionID), zap.Error(err))
		}
	}
	return nil
}
