package recordings

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tablescribe/backend/pkg/response"
)

// Presigner hands out time-limited download URLs for stored artifacts.
type Presigner interface {
	Presign(ctx context.Context, keyOrName, sessionID string, ttl time.Duration) (string, error)
}

// JobCanceller purges pending queue work for a session.
type JobCanceller interface {
	CancelSession(ctx context.Context, sessionID string) (int, error)
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo      *Repository
	presigner Presigner
	jobs      JobCanceller
	urlTTL    time.Duration
	logger    *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo *Repository, presigner Presigner, jobs JobCanceller, urlTTL time.Duration, logger *zap.Logger) *Handler {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, presigner: presigner, jobs: jobs, urlTTL: urlTTL, logger: logger}
}

// RegisterRoutes mounts the recording endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/recordings", h.ListBySession)
	rg.DELETE("/sessions/:id/recordings", h.PurgeSession)
	rg.GET("/recordings/:filename", h.Get)
	rg.GET("/recordings/:filename/url", h.DownloadURL)
}

// ListBySession handles GET /sessions/:id/recordings.
func (h *Handler) ListBySession(c *gin.Context) {
	sessionID := c.Param("id")
	recs, err := h.repo.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, recs)
}

// Get handles GET /recordings/:filename.
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.repo.GetByFilename(c.Request.Context(), c.Param("filename"))
	if err != nil {
		response.Internal(c, "failed to load recording")
		return
	}
	if rec == nil {
		response.NotFound(c, "recording not found")
		return
	}
	response.OK(c, rec)
}

// DownloadURL handles GET /recordings/:filename/url. The URL is presigned and
// expires; nothing is streamed through this API.
func (h *Handler) DownloadURL(c *gin.Context) {
	filename := c.Param("filename")
	rec, err := h.repo.GetByFilename(c.Request.Context(), filename)
	if err != nil {
		response.Internal(c, "failed to load recording")
		return
	}
	if rec == nil {
		response.NotFound(c, "recording not found")
		return
	}

	url, err := h.presigner.Presign(c.Request.Context(), filename, rec.SessionID, h.urlTTL)
	if err != nil {
		response.NotFound(c, "artifact not present in object storage")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in_seconds": int(h.urlTTL.Seconds())})
}

// PurgeSession handles DELETE /sessions/:id/recordings?confirm=true. Removes
// the rows and cancels any queued work; stored objects are left to the
// retention janitor.
func (h *Handler) PurgeSession(c *gin.Context) {
	if c.Query("confirm") != "true" {
		response.BadRequest(c, "purge requires confirm=true")
		return
	}
	sessionID := c.Param("id")

	cancelled, err := h.jobs.CancelSession(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to cancel queued work")
		return
	}
	purged, err := h.repo.PurgeSession(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to purge recordings")
		return
	}
	h.logger.Warn("operator purged session recordings",
		zap.String("session_id", sessionID), zap.Int64("rows", purged), zap.Int("jobs_cancelled", cancelled))
	response.OK(c, gin.H{"purged": purged, "jobs_cancelled": cancelled})
}
