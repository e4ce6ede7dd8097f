package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// KeyWaiting is the Redis list of jobs ready for a worker.
	KeyWaiting = "scribe:jobs:waiting"
	// KeyDelayed is the sorted set of retry jobs, scored by ready-at millis.
	KeyDelayed = "scribe:jobs:delayed"
	// KeyDead is the retained dead-letter list for operator inspection.
	KeyDead = "scribe:jobs:dead"
	// KeyDedup is the set of idempotency keys with a pending or active job.
	KeyDedup = "scribe:jobs:keys"
	// KeyPaused is the flag key workers honor before claiming new jobs.
	KeyPaused = "scribe:jobs:paused"

	// DefaultMaxAttempts before a job lands in the dead-letter list.
	DefaultMaxAttempts = 5
	// DefaultBackoffBase is the first retry delay; retries double from here.
	DefaultBackoffBase = 2 * time.Second

	popTimeout = 2 * time.Second
)

// ErrExhausted is returned by Retry when a job has used all its attempts and
// has been moved to the dead-letter list. The caller must mark the
// corresponding recording ERROR.
var ErrExhausted = errors.New("queue: job attempts exhausted")

// TranscriptionPayload is the queue message for one artifact. FileName is the
// job identity: enqueueing the same file twice must not create duplicate work.
type TranscriptionPayload struct {
	SessionID string `json:"sessionId"`
	FileName  string `json:"fileName"`
	FilePath  string `json:"filePath"`
	UserID    string `json:"userId"`
}

// Validate rejects malformed payloads at the queue boundary.
func (p TranscriptionPayload) Validate() error {
	if p.SessionID == "" {
		return errors.New("queue: payload missing sessionId")
	}
	if p.FileName == "" {
		return errors.New("queue: payload missing fileName")
	}
	return nil
}

// Options control per-job retry behavior.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultOptions is the standard policy for transcription jobs.
func DefaultOptions() Options {
	return Options{MaxAttempts: DefaultMaxAttempts, BackoffBase: DefaultBackoffBase}
}

// Job is the envelope stored in Redis. ID equals the payload's FileName.
type Job struct {
	ID          string               `json:"id"`
	Payload     TranscriptionPayload `json:"payload"`
	Attempt     int                  `json:"attempt"`
	MaxAttempts int                  `json:"maxAttempts"`
	BackoffMs   int64                `json:"backoffMs"`
	CreatedAt   time.Time            `json:"created_at"`
}

// BackoffDelay returns the exponential delay before attempt n (1-based):
// base, 2*base, 4*base, ...
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// Queue is the durable job queue adapter over Redis. Delivery is
// at-least-once; workers enforce their own concurrency.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates a Redis-backed job queue.
func New(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Enqueue adds a transcription job keyed by the payload's file name. If a job
// with the same key is already pending or active, this is a logged no-op.
func (q *Queue) Enqueue(ctx context.Context, payload TranscriptionPayload, opts Options) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}

	added, err := q.client.SAdd(ctx, KeyDedup, payload.FileName).Result()
	if err != nil {
		return fmt.Errorf("dedup add: %w", err)
	}
	if added == 0 {
		q.logger.Debug("job already enqueued, skipping", zap.String("file", payload.FileName))
		return nil
	}

	job := Job{
		ID:          payload.FileName,
		Payload:     payload,
		Attempt:     0,
		MaxAttempts: opts.MaxAttempts,
		BackoffMs:   opts.BackoffBase.Milliseconds(),
		CreatedAt:   time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		q.client.SRem(ctx, KeyDedup, payload.FileName)
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, KeyWaiting, raw).Err(); err != nil {
		q.client.SRem(ctx, KeyDedup, payload.FileName)
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued transcription job",
		zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID))
	return nil
}

// Dequeue blocks until a job is available, the queue is paused, or ctx is
// done. Returns nil without error when nothing was claimed (caller loops).
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	paused, err := q.Paused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(popTimeout):
			return nil, nil
		}
	}

	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn("promote delayed jobs", zap.Error(err))
	}

	result, err := q.client.BLPop(ctx, popTimeout, KeyWaiting).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload dropped", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// promoteDue moves delayed jobs whose ready time has passed onto the waiting
// list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, KeyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, KeyDelayed, m).Result()
		if err != nil {
			return err
		}
		// Another consumer may have promoted it already.
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, KeyWaiting, m).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Complete prunes a finished job. Completed jobs are not retained.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	return q.client.SRem(ctx, KeyDedup, job.ID).Err()
}

// Retry schedules the job for another attempt with exponential backoff. When
// attempts are exhausted the job is retained on the dead-letter list and
// ErrExhausted is returned.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if job.Attempt >= job.MaxAttempts {
		if err := q.client.RPush(ctx, KeyDead, raw).Err(); err != nil {
			return fmt.Errorf("dead-letter push: %w", err)
		}
		if err := q.client.SRem(ctx, KeyDedup, job.ID).Err(); err != nil {
			q.logger.Warn("dedup release failed", zap.Error(err), zap.String("job_id", job.ID))
		}
		q.logger.Warn("job moved to dead-letter list",
			zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return ErrExhausted
	}

	delay := BackoffDelay(time.Duration(job.BackoffMs)*time.Millisecond, job.Attempt)
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, KeyDelayed, redis.Z{Score: readyAt, Member: raw}).Err(); err != nil {
		return fmt.Errorf("delayed add: %w", err)
	}
	q.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Duration("delay", delay))
	return nil
}

// Pause stops workers from claiming new jobs. In-flight jobs finish.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, KeyPaused, "1", 0).Err(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	q.logger.Info("queue paused")
	return nil
}

// Resume lets workers claim jobs again.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, KeyPaused).Err(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	q.logger.Info("queue resumed")
	return nil
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, KeyPaused).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CancelSession removes every waiting, delayed and dead job belonging to a
// session and releases their idempotency keys, so recovery can re-enqueue a
// clean set.
func (q *Queue) CancelSession(ctx context.Context, sessionID string) (int, error) {
	removed := 0

	waiting, err := q.client.LRange(ctx, KeyWaiting, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list waiting: %w", err)
	}
	for _, raw := range waiting {
		job, ok := decodeJob(raw)
		if !ok || job.Payload.SessionID != sessionID {
			continue
		}
		n, err := q.client.LRem(ctx, KeyWaiting, 1, raw).Result()
		if err != nil {
			return removed, fmt.Errorf("remove waiting job %s: %w", job.ID, err)
		}
		if n > 0 {
			q.client.SRem(ctx, KeyDedup, job.ID)
			removed++
		}
	}

	delayed, err := q.client.ZRange(ctx, KeyDelayed, 0, -1).Result()
	if err != nil {
		return removed, fmt.Errorf("list delayed: %w", err)
	}
	for _, raw := range delayed {
		job, ok := decodeJob(raw)
		if !ok || job.Payload.SessionID != sessionID {
			continue
		}
		n, err := q.client.ZRem(ctx, KeyDelayed, raw).Result()
		if err != nil {
			return removed, fmt.Errorf("remove delayed job %s: %w", job.ID, err)
		}
		if n > 0 {
			q.client.SRem(ctx, KeyDedup, job.ID)
			removed++
		}
	}

	dead, err := q.client.LRange(ctx, KeyDead, 0, -1).Result()
	if err != nil {
		return removed, fmt.Errorf("list dead: %w", err)
	}
	for _, raw := range dead {
		job, ok := decodeJob(raw)
		if !ok || job.Payload.SessionID != sessionID {
			continue
		}
		n, err := q.client.LRem(ctx, KeyDead, 1, raw).Result()
		if err != nil {
			return removed, fmt.Errorf("remove dead job %s: %w", job.ID, err)
		}
		if n > 0 {
			removed++
		}
	}

	if removed > 0 {
		q.logger.Info("cancelled session jobs", zap.String("session_id", sessionID), zap.Int("removed", removed))
	}
	return removed, nil
}

// Counts reports queue depth for the operator API.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
	Paused  bool  `json:"paused"`
}

// Stats returns current queue counts.
func (q *Queue) Stats(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Waiting, err = q.client.LLen(ctx, KeyWaiting).Result(); err != nil {
		return c, err
	}
	if c.Delayed, err = q.client.ZCard(ctx, KeyDelayed).Result(); err != nil {
		return c, err
	}
	if c.Dead, err = q.client.LLen(ctx, KeyDead).Result(); err != nil {
		return c, err
	}
	c.Paused, err = q.Paused(ctx)
	return c, err
}

func decodeJob(raw string) (Job, bool) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, false
	}
	return job, true
}
