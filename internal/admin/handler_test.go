package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablescribe/backend/pkg/queue"
	"github.com/tablescribe/backend/pkg/storage"
)

type fakeQueueControl struct {
	counts queue.Counts
	paused bool
}

func (f *fakeQueueControl) Stats(context.Context) (queue.Counts, error) { return f.counts, nil }
func (f *fakeQueueControl) Pause(context.Context) error                 { f.paused = true; return nil }
func (f *fakeQueueControl) Resume(context.Context) error                { f.paused = false; return nil }

type fakeSessionControl struct {
	resets []string
}

func (f *fakeSessionControl) ResetPhase(_ context.Context, sessionID string) error {
	f.resets = append(f.resets, sessionID)
	return nil
}

type fakeStoreControl struct {
	usage storage.Usage
	wiped int
}

func (f *fakeStoreControl) MeasureUsage(context.Context) (storage.Usage, error) {
	return f.usage, nil
}

func (f *fakeStoreControl) Wipe(context.Context) (int, error) {
	f.wiped++
	return 12, nil
}

type blockingRunner struct {
	mu      sync.Mutex
	started chan struct{}
	release chan struct{}
	runs    int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *blockingRunner) Run(context.Context) error {
	close(r.started)
	<-r.release
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return nil
}

func (r *blockingRunner) RunCycle(ctx context.Context) error { return r.Run(ctx) }

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/admin"))
	return r
}

func TestQueueStats(t *testing.T) {
	qc := &fakeQueueControl{counts: queue.Counts{Waiting: 3, Delayed: 1, Dead: 2}}
	h := NewHandler(qc, &fakeStoreControl{}, newBlockingRunner(), newBlockingRunner(), &fakeSessionControl{}, nil)
	r := newRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/queue", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"waiting":3`)
}

func TestPauseAndResumeQueue(t *testing.T) {
	qc := &fakeQueueControl{}
	h := NewHandler(qc, &fakeStoreControl{}, newBlockingRunner(), newBlockingRunner(), &fakeSessionControl{}, nil)
	r := newRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/queue/pause", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, qc.paused)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/queue/resume", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, qc.paused)
}

func TestOverlappingRecoveryRunsRejected(t *testing.T) {
	recovery := newBlockingRunner()
	h := NewHandler(&fakeQueueControl{}, &fakeStoreControl{}, recovery, newBlockingRunner(), &fakeSessionControl{}, nil)
	r := newRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/recovery/run", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	<-recovery.started

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/recovery/run", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	close(recovery.release)
}

func TestWipeRequiresConfirmation(t *testing.T) {
	store := &fakeStoreControl{}
	h := NewHandler(&fakeQueueControl{}, store, newBlockingRunner(), newBlockingRunner(), &fakeSessionControl{}, nil)
	r := newRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/admin/storage", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, store.wiped)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/admin/storage?confirm=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, store.wiped)
}

func TestStorageUsage(t *testing.T) {
	store := &fakeStoreControl{usage: storage.Usage{TotalBytes: 2 * 1024 * 1024 * 1024}}
	h := NewHandler(&fakeQueueControl{}, store, newBlockingRunner(), newBlockingRunner(), &fakeSessionControl{}, nil)
	r := newRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/storage/usage", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_gb":2`)
}

func TestResetSessionPhase(t *testing.T) {
	sessions := &fakeSessionControl{}
	h := NewHandler(&fakeQueueControl{}, &fakeStoreControl{}, newBlockingRunner(), newBlockingRunner(), sessions, nil)
	r := newRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/sessions/sess-1/phase/reset", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"sess-1"}, sessions.resets)
}
