package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablescribe/backend/pkg/storage"
)

const gib = int64(1024 * 1024 * 1024)

// fakeStore simulates a bucket where each candidate session holds a fixed
// amount of raw audio that DeleteRawArtifacts reclaims.
type fakeStore struct {
	bytes        int64
	perSession   int64
	candidates   []storage.RetentionCandidate
	deleted      []string
	measurements int
	deleteErr    error
	listErr      error
}

func (f *fakeStore) MeasureUsage(context.Context) (storage.Usage, error) {
	f.measurements++
	return storage.Usage{TotalBytes: f.bytes}, nil
}

func (f *fakeStore) ListMasterArtifacts(context.Context, string) ([]storage.RetentionCandidate, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.candidates, nil
}

func (f *fakeStore) DeleteRawArtifacts(_ context.Context, sessionID, _ string) (int, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	f.deleted = append(f.deleted, sessionID)
	f.bytes -= f.perSession
	return 4, nil
}

func candidatesAt(times ...time.Time) []storage.RetentionCandidate {
	out := make([]storage.RetentionCandidate, len(times))
	for i, ts := range times {
		out[i] = storage.RetentionCandidate{SessionID: string(rune('a' + i)), ProducedAt: ts}
	}
	return out
}

func newJanitor(t *testing.T, store *fakeStore, recheck int) *Janitor {
	t.Helper()
	j, err := New(Config{
		Store:        store,
		TriggerGB:    8,
		TargetGB:     6,
		FreeTierGB:   10,
		RecheckEvery: recheck,
		RawExtension: ".flac",
		MasterSuffix: "_master.mp3",
	})
	require.NoError(t, err)
	return j
}

func TestRejectsInvertedThresholds(t *testing.T) {
	_, err := New(Config{Store: &fakeStore{}, TriggerGB: 6, TargetGB: 8})
	require.Error(t, err)
	_, err = New(Config{Store: &fakeStore{}, TriggerGB: 6, TargetGB: 6})
	require.Error(t, err)
}

func TestNoOpBelowTrigger(t *testing.T) {
	store := &fakeStore{bytes: 5 * gib}
	j := newJanitor(t, store, 1)

	require.NoError(t, j.RunCycle(context.Background()))
	assert.Empty(t, store.deleted)
	assert.Equal(t, 1, store.measurements)
}

func TestEvictsOldestFirstUntilTarget(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		bytes:      9 * gib,
		perSession: 2 * gib,
		// Deliberately out of order: "b" is the oldest.
		candidates: []storage.RetentionCandidate{
			{SessionID: "a", ProducedAt: now.Add(-24 * time.Hour)},
			{SessionID: "b", ProducedAt: now.Add(-72 * time.Hour)},
			{SessionID: "c", ProducedAt: now.Add(-1 * time.Hour)},
		},
	}
	j := newJanitor(t, store, 1)

	require.NoError(t, j.RunCycle(context.Background()))
	// 9GB -> 7GB (b) -> 5GB (a): target 6GB reached before touching "c".
	assert.Equal(t, []string{"b", "a"}, store.deleted)
}

func TestRecheckCadenceBatchesMeasurements(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		bytes:      10 * gib,
		perSession: 1 * gib,
		candidates: candidatesAt(
			now.Add(-5*time.Hour), now.Add(-4*time.Hour), now.Add(-3*time.Hour),
			now.Add(-2*time.Hour), now.Add(-1*time.Hour),
		),
	}
	j := newJanitor(t, store, 3)

	require.NoError(t, j.RunCycle(context.Background()))
	// 10GB - 3 = 7GB at the first re-check (> target), then two more
	// evictions exhaust the list before the next batch boundary.
	assert.Len(t, store.deleted, 5)
	// Initial measurement plus one batched re-check.
	assert.Equal(t, 2, store.measurements)
}

func TestStopsExactlyAtTarget(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		bytes:      8 * gib,
		perSession: 2 * gib,
		candidates: candidatesAt(now.Add(-2*time.Hour), now.Add(-1*time.Hour)),
	}
	j := newJanitor(t, store, 1)

	require.NoError(t, j.RunCycle(context.Background()))
	// 8GB -> 6GB: usage == target counts as reached.
	assert.Len(t, store.deleted, 1)
}

func TestDeletionErrorAbortsCycle(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		bytes:      9 * gib,
		perSession: 1 * gib,
		candidates: candidatesAt(now.Add(-2*time.Hour), now.Add(-1*time.Hour)),
		deleteErr:  errors.New("object store unavailable"),
	}
	j := newJanitor(t, store, 1)

	require.Error(t, j.RunCycle(context.Background()))
	assert.Empty(t, store.deleted)
}

func TestListErrorAbortsCycle(t *testing.T) {
	store := &fakeStore{bytes: 9 * gib, listErr: errors.New("list failed")}
	j := newJanitor(t, store, 1)
	require.Error(t, j.RunCycle(context.Background()))
}
