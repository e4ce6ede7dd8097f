// Package worker consumes transcription jobs from the durable queue and
// drives each recording through transcribe and correct, recording lifecycle
// progress and terminal outcomes in the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tablescribe/backend/internal/models"
	"github.com/tablescribe/backend/pkg/queue"
)

// ErrSkipArtifact signals that an artifact is not worth processing (silence,
// sub-threshold size). The recording is marked SKIPPED instead of retried.
var ErrSkipArtifact = errors.New("worker: artifact skipped")

// ErrArtifactLost means the audio exists neither locally nor in object
// storage. The failure is terminal and not retried.
var ErrArtifactLost = errors.New("worker: artifact missing locally and remotely")

// RecordingStore is the repository surface the worker needs.
type RecordingStore interface {
	UpdateStatus(ctx context.Context, filename string, next models.Status) error
	SetTranscription(ctx context.Context, filename, text string, next models.Status) error
	MarkError(ctx context.Context, filename, reason string) error
	MarkSkipped(ctx context.Context, filename, reason string) error
}

// JobSource is the consuming side of the durable queue.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job) error
}

// Downloader restores a missing local artifact from object storage.
type Downloader interface {
	Download(ctx context.Context, fileName, localPath, sessionID string) (bool, error)
}

// Transcriber converts an audio artifact into raw transcript text. Held by a
// remote process with a single shared model instance.
type Transcriber interface {
	Transcribe(ctx context.Context, payload queue.TranscriptionPayload) (string, error)
}

// Corrector cleans a raw transcript (speaker labels, filler removal).
type Corrector interface {
	Correct(ctx context.Context, sessionID, text string) (string, error)
}

// Config wires a worker pool.
type Config struct {
	Recordings  RecordingStore
	Queue       JobSource
	Store       Downloader
	Transcriber Transcriber
	Corrector   Corrector
	// Concurrency is the number of consumer goroutines. The transcription
	// backend is resource constrained, so this stays low.
	Concurrency int
	Logger      *zap.Logger
}

// Worker pulls jobs and processes them until the context is cancelled.
type Worker struct {
	cfg Config
}

// New creates a worker pool.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Worker{cfg: cfg}
}

// Run blocks consuming jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log := w.cfg.Logger
	log.Info("worker pool starting", zap.Int("concurrency", w.cfg.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
	log.Info("worker pool stopped")
}

func (w *Worker) consume(ctx context.Context) {
	for {
		job, err := w.cfg.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.cfg.Logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		if job == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		w.handle(ctx, job)
	}
}

// handle processes one claimed job and settles it with the queue.
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	log := w.cfg.Logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	err := w.process(ctx, job)
	switch {
	case err == nil:
		if err := w.cfg.Queue.Complete(ctx, job); err != nil {
			log.Warn("job completion ack failed", zap.Error(err))
		}
	case errors.Is(err, ErrSkipArtifact):
		if err := w.cfg.Recordings.MarkSkipped(ctx, job.Payload.FileName, err.Error()); err != nil {
			log.Error("mark skipped failed", zap.Error(err))
		}
		if err := w.cfg.Queue.Complete(ctx, job); err != nil {
			log.Warn("job completion ack failed", zap.Error(err))
		}
	case errors.Is(err, ErrArtifactLost):
		if err := w.cfg.Recordings.MarkError(ctx, job.Payload.FileName, err.Error()); err != nil {
			log.Error("mark error failed", zap.Error(err))
		}
		if err := w.cfg.Queue.Complete(ctx, job); err != nil {
			log.Warn("job completion ack failed", zap.Error(err))
		}
	default:
		log.Warn("job failed", zap.Error(err))
		retryErr := w.cfg.Queue.Retry(ctx, job)
		if errors.Is(retryErr, queue.ErrExhausted) {
			// Retained on the dead list for inspection; the recording's
			// failure is terminal.
			if err := w.cfg.Recordings.MarkError(ctx, job.Payload.FileName, err.Error()); err != nil {
				log.Error("mark error failed", zap.Error(err))
			}
		} else if retryErr != nil {
			log.Error("retry scheduling failed", zap.Error(retryErr))
		}
	}
}

// process runs the transcribe/correct pipeline for one recording.
func (w *Worker) process(ctx context.Context, job *queue.Job) error {
	p := job.Payload
	if err := w.ensureLocalArtifact(ctx, p); err != nil {
		return err
	}

	if err := w.cfg.Recordings.UpdateStatus(ctx, p.FileName, models.StatusProcessing); err != nil {
		return err
	}

	raw, err := w.cfg.Transcriber.Transcribe(ctx, p)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	if err := w.cfg.Recordings.SetTranscription(ctx, p.FileName, raw, models.StatusTranscribed); err != nil {
		return err
	}

	corrected, err := w.cfg.Corrector.Correct(ctx, p.SessionID, raw)
	if err != nil {
		return fmt.Errorf("correct: %w", err)
	}
	return w.cfg.Recordings.SetTranscription(ctx, p.FileName, corrected, models.StatusProcessed)
}

// ensureLocalArtifact re-downloads the audio from object storage when the
// local copy is gone. A missing remote copy is a terminal failure.
func (w *Worker) ensureLocalArtifact(ctx context.Context, p queue.TranscriptionPayload) error {
	if _, err := os.Stat(p.FilePath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat artifact: %w", err)
	}

	w.cfg.Logger.Info("local artifact missing, restoring from object store",
		zap.String("file", p.FileName), zap.String("session_id", p.SessionID))
	found, err := w.cfg.Store.Download(ctx, p.FileName, p.FilePath, p.SessionID)
	if err != nil {
		return fmt.Errorf("restore artifact: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrArtifactLost, p.FileName)
	}
	return nil
}
