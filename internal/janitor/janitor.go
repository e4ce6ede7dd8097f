// Package janitor enforces the storage retention policy: when bucket usage
// crosses a trigger threshold it evicts raw audio from the oldest sessions
// until usage drops back under a lower target.
package janitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tablescribe/backend/pkg/storage"
)

// Store is the object-store surface the janitor needs.
type Store interface {
	MeasureUsage(ctx context.Context) (storage.Usage, error)
	ListMasterArtifacts(ctx context.Context, masterSuffix string) ([]storage.RetentionCandidate, error)
	DeleteRawArtifacts(ctx context.Context, sessionID, rawExt string) (int, error)
}

// Config holds the retention tunables. TriggerGB must exceed TargetGB, and
// both sit below FreeTierGB, which is reported for visibility only.
type Config struct {
	Store        Store
	TriggerGB    float64
	TargetGB     float64
	FreeTierGB   float64
	RecheckEvery int
	Interval     time.Duration
	RawExtension string
	MasterSuffix string
	Logger       *zap.Logger
}

// Janitor runs the periodic retention cycle.
type Janitor struct {
	cfg Config
}

// New creates a janitor. Returns an error when the thresholds do not form a
// valid hysteresis band.
func New(cfg Config) (*Janitor, error) {
	if cfg.TargetGB >= cfg.TriggerGB {
		return nil, fmt.Errorf("janitor: target %.1fGB must be below trigger %.1fGB", cfg.TargetGB, cfg.TriggerGB)
	}
	if cfg.RecheckEvery <= 0 {
		cfg.RecheckEvery = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Janitor{cfg: cfg}, nil
}

// Run executes a cycle immediately and then on every interval tick until the
// context is cancelled. Cycle errors are logged, not fatal: a half-finished
// cycle only ever removed raw artifacts, so the next cycle picks up cleanly.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := j.RunCycle(ctx); err != nil {
			j.cfg.Logger.Error("retention cycle aborted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle measures usage and, when above the trigger, evicts raw audio
// oldest-session-first until usage drops to the target or candidates run out.
func (j *Janitor) RunCycle(ctx context.Context) error {
	log := j.cfg.Logger

	usage, err := j.cfg.Store.MeasureUsage(ctx)
	if err != nil {
		return fmt.Errorf("measure usage: %w", err)
	}
	j.reportUsage(usage)

	if usage.GB() < j.cfg.TriggerGB {
		log.Debug("usage below trigger, nothing to evict",
			zap.Float64("usage_gb", usage.GB()), zap.Float64("trigger_gb", j.cfg.TriggerGB))
		return nil
	}

	candidates, err := j.cfg.Store.ListMasterArtifacts(ctx, j.cfg.MasterSuffix)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	// Oldest first. Creation time of the master is the only recency signal;
	// access patterns are not tracked.
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].ProducedAt.Before(candidates[b].ProducedAt)
	})
	log.Info("retention eviction starting",
		zap.Float64("usage_gb", usage.GB()),
		zap.Float64("target_gb", j.cfg.TargetGB),
		zap.Int("candidates", len(candidates)))

	evicted := 0
	for _, c := range candidates {
		deleted, err := j.cfg.Store.DeleteRawArtifacts(ctx, c.SessionID, j.cfg.RawExtension)
		if err != nil {
			return fmt.Errorf("evict %s: %w", c.SessionID, err)
		}
		evicted++
		log.Info("evicted raw audio",
			zap.String("session_id", c.SessionID),
			zap.Time("produced_at", c.ProducedAt),
			zap.Int("objects", deleted))

		// Exact bytes freed are unknown without a full re-list, so re-measure
		// in batches instead of after every session.
		if evicted%j.cfg.RecheckEvery != 0 {
			continue
		}
		usage, err = j.cfg.Store.MeasureUsage(ctx)
		if err != nil {
			return fmt.Errorf("re-measure usage: %w", err)
		}
		if usage.GB() <= j.cfg.TargetGB {
			log.Info("retention target reached",
				zap.Float64("usage_gb", usage.GB()), zap.Int("sessions_evicted", evicted))
			return nil
		}
	}

	if evicted > 0 {
		log.Warn("candidate list exhausted above target",
			zap.Int("sessions_evicted", evicted), zap.Float64("target_gb", j.cfg.TargetGB))
	}
	return nil
}

// reportUsage logs usage against the free tier ceiling, escalating severity
// as the ceiling approaches.
func (j *Janitor) reportUsage(usage storage.Usage) {
	if j.cfg.FreeTierGB <= 0 {
		return
	}
	pct := usage.GB() / j.cfg.FreeTierGB * 100
	fields := []zap.Field{
		zap.Float64("usage_gb", usage.GB()),
		zap.Float64("ceiling_gb", j.cfg.FreeTierGB),
		zap.Float64("percent", pct),
	}
	switch {
	case pct >= 90:
		j.cfg.Logger.Warn("storage nearly at free tier ceiling", fields...)
	case pct >= 75:
		j.cfg.Logger.Info("storage approaching free tier ceiling", fields...)
	default:
		j.cfg.Logger.Debug("storage usage", fields...)
	}
}
