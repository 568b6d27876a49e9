package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jordanlanch/docvault/pkg/documents"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
	"github.com/jordanlanch/docvault/pkg/testdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deletionCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (d *deletionCounter) DocumentsDeleted(reason string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[reason] += n
}

// hookedStore runs onDelete after every successful delete
type hookedStore struct {
	*documents.MemoryStore
	onDelete func()
	failList string
}

func (h *hookedStore) List(ctx context.Context, userID string) ([]documents.Document, error) {
	if userID == h.failList {
		return nil, errors.New("bucket unavailable")
	}
	return h.MemoryStore.List(ctx, userID)
}

func (h *hookedStore) Delete(ctx context.Context, userID, documentID string) error {
	if err := h.MemoryStore.Delete(ctx, userID, documentID); err != nil {
		return err
	}
	if h.onDelete != nil {
		h.onDelete()
	}
	return nil
}

func seedDowngraded(t *testing.T, store entitlement.Store, userID string, deletion time.Time) {
	t.Helper()
	failedAt := deletion.Add(-60 * 24 * time.Hour)
	testdata.SeedUser(t, store, userID, testdata.Epoch, func(r *models.EntitlementRecord) {
		r.PreviousPlan = models.PlanPtr(models.PlanPro)
		r.PaymentStatus = models.PaymentDowngraded
		r.DunningStep = 7
		r.PaymentFailedAt = &failedAt
		r.RestrictedAt = &failedAt
		r.DowngradeDate = &failedAt
		r.DeletionDate = &deletion
	})
}

func TestSweepDeletesExcessAfterDunning(t *testing.T) {
	ctx := context.Background()
	clock := testdata.NewClock(testdata.Epoch)
	manager, store := testdata.NewManager(t, clock)
	docs := documents.NewMemoryStore()

	seedDowngraded(t, store, "late", testdata.Epoch.Add(-time.Hour))
	lateDocs := testdata.SeedDocuments(docs, "late", 10, testdata.Epoch)
	seedDowngraded(t, store, "not-yet", testdata.Epoch.Add(24*time.Hour))
	testdata.SeedDocuments(docs, "not-yet", 10, testdata.Epoch)

	counter := &deletionCounter{counts: map[string]int{}}
	s := NewSweeper(manager, docs, 2, logger.Discard())
	s.SetRecorder(counter)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Accounts: 1, Deleted: 7}, report)
	assert.Equal(t, 7, counter.counts["dunning"])

	remaining, err := docs.List(ctx, "late")
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	for i, d := range remaining {
		assert.Equal(t, lateDocs[i].ID, d.ID, "newest documents survive")
	}

	rec, err := manager.Get(ctx, "late")
	require.NoError(t, err)
	assert.Nil(t, rec.DeletionDate)
	assert.Equal(t, models.PaymentDowngraded, rec.PaymentStatus)

	n, err := docs.Count(ctx, "not-yet")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// Nothing is due any more
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Accounts)
}

func TestSweepTrimHonorsDocumentsToKeep(t *testing.T) {
	ctx := context.Background()
	clock := testdata.NewClock(testdata.Epoch)
	manager, store := testdata.NewManager(t, clock)
	docs := documents.NewMemoryStore()

	generated := testdata.SeedDocuments(docs, "u1", 8, testdata.Epoch)
	oldest, secondOldest := generated[7].ID, generated[6].ID
	testdata.SeedUser(t, store, "u1", testdata.Epoch, func(r *models.EntitlementRecord) {
		r.Status = models.StatusCanceled
		r.DocumentsToKeep = []string{oldest, secondOldest}
		r.TrimDocumentsAt = models.TimePtr(testdata.Epoch.Add(-time.Minute))
	})

	s := NewSweeper(manager, docs, 1, logger.Discard())
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Deleted)

	remaining, err := docs.List(ctx, "u1")
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, d := range remaining {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{generated[0].ID, secondOldest, oldest}, ids)

	rec, err := manager.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec.TrimDocumentsAt)
	assert.Nil(t, rec.DocumentsToKeep)
}

func TestRecoveryStopsSweepBetweenDeletions(t *testing.T) {
	ctx := context.Background()
	clock := testdata.NewClock(testdata.Epoch)
	manager, store := testdata.NewManager(t, clock)
	mem := documents.NewMemoryStore()
	seedDowngraded(t, store, "u1", testdata.Epoch.Add(-time.Hour))
	testdata.SeedDocuments(mem, "u1", 10, testdata.Epoch)

	recovered := false
	docs := &hookedStore{MemoryStore: mem}
	docs.onDelete = func() {
		if recovered {
			return
		}
		recovered = true
		// Payment lands while the sweeper holds its place in line
		rec, err := store.Get(ctx, "u1")
		require.NoError(t, err)
		rec.ClearDunning()
		require.NoError(t, store.Save(ctx, rec, nil))
	}

	s := NewSweeper(manager, docs, 1, logger.Discard())
	n, err := s.SweepUser(ctx, "u1", ReasonDunning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := mem.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 9, count)

	rec, err := manager.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentActive, rec.PaymentStatus)
	assert.Nil(t, rec.DeletionDate)
}

func TestUpgradeStopsTrim(t *testing.T) {
	ctx := context.Background()
	clock := testdata.NewClock(testdata.Epoch)
	manager, store := testdata.NewManager(t, clock)
	mem := documents.NewMemoryStore()
	testdata.SeedDocuments(mem, "u1", 6, testdata.Epoch)
	testdata.SeedUser(t, store, "u1", testdata.Epoch, func(r *models.EntitlementRecord) {
		r.TrimDocumentsAt = models.TimePtr(testdata.Epoch.Add(-time.Minute))
	})

	upgraded := false
	docs := &hookedStore{MemoryStore: mem}
	docs.onDelete = func() {
		if upgraded {
			return
		}
		upgraded = true
		rec, err := store.Get(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, plans.ApplyLimits(rec, models.PlanStarter))
		require.NoError(t, store.Save(ctx, rec, nil))
	}

	n, err := NewSweeper(manager, docs, 1, logger.Discard()).SweepUser(ctx, "u1", ReasonDowngrade)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := mem.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestSweepIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	clock := testdata.NewClock(testdata.Epoch)
	manager, store := testdata.NewManager(t, clock)
	mem := documents.NewMemoryStore()

	for _, id := range []string{"a", "b", "c"} {
		seedDowngraded(t, store, id, testdata.Epoch.Add(-time.Hour))
		testdata.SeedDocuments(mem, id, 5, testdata.Epoch)
	}
	docs := &hookedStore{MemoryStore: mem, failList: "b"}

	report, err := NewSweeper(manager, docs, 3, logger.Discard()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Accounts: 3, Deleted: 4, Failed: 1}, report)

	rec, err := manager.Get(ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, rec.DeletionDate, "failed account stays due for the next run")
}

func TestSelectExcess(t *testing.T) {
	newest := testdata.Epoch
	docs := testdata.GenerateDocuments("u", 5, newest)

	tests := []struct {
		name  string
		limit int
		keep  []string
		want  []string
	}{
		{name: "within limit", limit: 5, want: nil},
		{name: "newest kept", limit: 3, want: []string{docs[3].ID, docs[4].ID}},
		{name: "keep list first", limit: 2, keep: []string{docs[4].ID}, want: []string{docs[1].ID, docs[2].ID, docs[3].ID}},
		{name: "keep list capped at limit", limit: 1, keep: []string{docs[3].ID, docs[4].ID}, want: []string{docs[0].ID, docs[1].ID, docs[2].ID, docs[4].ID}},
		{name: "unknown ids ignored", limit: 4, keep: []string{"missing"}, want: []string{docs[4].ID}},
		{name: "zero limit", limit: 0, want: []string{docs[0].ID, docs[1].ID, docs[2].ID, docs[3].ID, docs[4].ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectExcess(docs, tt.limit, tt.keep)
			ids := make([]string, 0, len(got))
			for _, d := range got {
				ids = append(ids, d.ID)
			}
			if tt.want == nil {
				assert.Empty(t, ids)
				return
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}
