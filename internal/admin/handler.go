// Package admin exposes operator endpoints: queue inspection, manual
// recovery and retention runs, storage usage and the destructive full wipe.
package admin

import (
	"context"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tablescribe/backend/pkg/queue"
	"github.com/tablescribe/backend/pkg/response"
	"github.com/tablescribe/backend/pkg/storage"
)

// QueueControl is the operator surface of the durable queue.
type QueueControl interface {
	Stats(ctx context.Context) (queue.Counts, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// StoreControl is the operator surface of the object store.
type StoreControl interface {
	MeasureUsage(ctx context.Context) (storage.Usage, error)
	Wipe(ctx context.Context) (int, error)
}

// RecoveryRunner triggers a crash-recovery sweep.
type RecoveryRunner interface {
	Run(ctx context.Context) error
}

// SessionControl is the operator surface of the session store. ResetPhase is
// the manual escape hatch for sessions stuck in a non-resumable phase.
type SessionControl interface {
	ResetPhase(ctx context.Context, sessionID string) error
}

// RetentionRunner triggers one retention cycle.
type RetentionRunner interface {
	RunCycle(ctx context.Context) error
}

// Handler handles operator HTTP endpoints.
type Handler struct {
	queue     QueueControl
	store     StoreControl
	recovery  RecoveryRunner
	retention RetentionRunner
	sessions  SessionControl
	logger    *zap.Logger

	recoveryBusy  atomic.Bool
	retentionBusy atomic.Bool
}

// NewHandler creates an admin handler.
func NewHandler(q QueueControl, store StoreControl, recovery RecoveryRunner, retention RetentionRunner, sessions SessionControl, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, store: store, recovery: recovery, retention: retention, sessions: sessions, logger: logger}
}

// RegisterRoutes mounts the admin endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/queue", h.QueueStats)
	rg.POST("/queue/pause", h.PauseQueue)
	rg.POST("/queue/resume", h.ResumeQueue)
	rg.POST("/recovery/run", h.RunRecovery)
	rg.POST("/retention/run", h.RunRetention)
	rg.GET("/storage/usage", h.StorageUsage)
	rg.DELETE("/storage", h.WipeStorage)
	rg.POST("/sessions/:id/phase/reset", h.ResetSessionPhase)
}

// QueueStats handles GET /admin/queue.
func (h *Handler) QueueStats(c *gin.Context) {
	counts, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to read queue stats")
		return
	}
	response.OK(c, counts)
}

// PauseQueue handles POST /admin/queue/pause.
func (h *Handler) PauseQueue(c *gin.Context) {
	if err := h.queue.Pause(c.Request.Context()); err != nil {
		response.Internal(c, "failed to pause queue")
		return
	}
	response.OK(c, gin.H{"paused": true})
}

// ResumeQueue handles POST /admin/queue/resume.
func (h *Handler) ResumeQueue(c *gin.Context) {
	if err := h.queue.Resume(c.Request.Context()); err != nil {
		response.Internal(c, "failed to resume queue")
		return
	}
	response.OK(c, gin.H{"paused": false})
}

// RunRecovery handles POST /admin/recovery/run. The sweep can take a long
// time (it awaits session completion), so it runs detached and overlapping
// requests are rejected.
func (h *Handler) RunRecovery(c *gin.Context) {
	if !h.recoveryBusy.CompareAndSwap(false, true) {
		response.Conflict(c, "recovery sweep already running")
		return
	}
	go func() {
		defer h.recoveryBusy.Store(false)
		if err := h.recovery.Run(context.Background()); err != nil {
			h.logger.Error("manual recovery sweep failed", zap.Error(err))
		}
	}()
	response.Accepted(c, gin.H{"started": true})
}

// RunRetention handles POST /admin/retention/run.
func (h *Handler) RunRetention(c *gin.Context) {
	if !h.retentionBusy.CompareAndSwap(false, true) {
		response.Conflict(c, "retention cycle already running")
		return
	}
	go func() {
		defer h.retentionBusy.Store(false)
		if err := h.retention.RunCycle(context.Background()); err != nil {
			h.logger.Error("manual retention cycle failed", zap.Error(err))
		}
	}()
	response.Accepted(c, gin.H{"started": true})
}

// StorageUsage handles GET /admin/storage/usage.
func (h *Handler) StorageUsage(c *gin.Context) {
	usage, err := h.store.MeasureUsage(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to measure storage usage")
		return
	}
	response.OK(c, gin.H{"total_gb": usage.GB(), "buckets": usage.Buckets})
}

// WipeStorage handles DELETE /admin/storage?confirm=true. Destructive:
// removes every pipeline object from the bucket.
func (h *Handler) WipeStorage(c *gin.Context) {
	if c.Query("confirm") != "true" {
		response.BadRequest(c, "wipe requires confirm=true")
		return
	}
	deleted, err := h.store.Wipe(c.Request.Context())
	if err != nil {
		response.Internal(c, "wipe failed")
		return
	}
	h.logger.Warn("operator wiped object storage", zap.Int("deleted", deleted))
	response.OK(c, gin.H{"deleted": deleted})
}

// ResetSessionPhase handles POST /admin/sessions/:id/phase/reset. Operator
// discard for sessions stuck in a phase crash recovery will not auto-resume
// (e.g. interrupted mid-recording).
func (h *Handler) ResetSessionPhase(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.sessions.ResetPhase(c.Request.Context(), sessionID); err != nil {
		response.Internal(c, "failed to reset session phase")
		return
	}
	h.logger.Info("operator reset session phase", zap.String("session_id", sessionID))
	response.OK(c, gin.H{"session_id": sessionID, "phase": "IDLE"})
}
