package entitlement

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jordanlanch/docvault/pkg/database"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dbSeq atomic.Int64

// setupTestStore opens a private in-memory SQLite database with the schema applied
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:entitlement_%d?mode=memory&cache=shared", dbSeq.Add(1))
	client, err := database.NewClient(database.DriverSQLite, dsn, database.DefaultPoolConfig(), nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Migrate(context.Background()))
	return NewSQLStore(client.DB, nil)
}

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newRecord(t *testing.T, userID string) *models.EntitlementRecord {
	t.Helper()
	rec, err := NewDefaultRecord(userID, baseTime)
	require.NoError(t, err)
	return rec
}

func TestSQLStore_CreateGetRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "user-1")
	end := baseTime.Add(30 * 24 * time.Hour)
	rec.CurrentPeriodEnd = &end
	rec.PendingPlan = models.PlanPtr(models.PlanStarter)
	rec.DocumentsToKeep = []string{"doc-1", "doc-2"}
	rec.ProviderCustomerID = "cus_1"
	rec.ProviderSubscriptionID = "sub_1"
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, got.Plan)
	assert.Equal(t, 3, got.DocumentLimit)
	assert.True(t, got.CurrentPeriodEnd.Equal(end))
	assert.Equal(t, models.PlanStarter, *got.PendingPlan)
	assert.Equal(t, []string{"doc-1", "doc-2"}, got.DocumentsToKeep)
	assert.Nil(t, got.PreviousPlan)
	assert.Nil(t, got.DeletionDate)
	assert.False(t, got.CancelAtPeriodEnd)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.AIQuestionsResetAt.Equal(rec.AIQuestionsResetAt))

	bySub, err := store.FindByProviderSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", bySub.UserID)

	byCus, err := store.FindByProviderCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", byCus.UserID)

	view, err := store.ReadView(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, got.Version, view.Version)
}

func TestSQLStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get(context.Background(), "nobody")
	assert.True(t, domain.IsNotFound(err))
}

func TestSQLStore_CreateDuplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRecord(t, "user-1")))
	err := store.Create(ctx, newRecord(t, "user-1"))
	assert.True(t, domain.IsConflict(err))
}

func TestSQLStore_ProviderIDsNeverShared(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := newRecord(t, "user-a")
	a.ProviderSubscriptionID = "sub_shared"
	require.NoError(t, store.Create(ctx, a))

	b := newRecord(t, "user-b")
	require.NoError(t, store.Create(ctx, b))

	b.ProviderSubscriptionID = "sub_shared"
	err := store.Save(ctx, b, nil)
	assert.True(t, domain.IsConflict(err))
}

func TestSQLStore_SaveOptimisticVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord(t, "user-1")))

	first, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "user-1")
	require.NoError(t, err)

	first.UploadsUsed = 1
	require.NoError(t, store.Save(ctx, first, nil))
	assert.Equal(t, int64(2), first.Version)

	second.UploadsUsed = 5
	assert.ErrorIs(t, store.Save(ctx, second, nil), ErrVersionConflict)

	got, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UploadsUsed)
}

func TestSQLStore_SaveWithEventIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord(t, "user-1")))

	ev := &models.AppliedEvent{
		EventID: "evt_1", UserID: "user-1", EventType: "invoice.payment_failed",
		Outcome: models.OutcomeApplied, OccurredAt: baseTime, AppliedAt: baseTime,
	}

	rec, _ := store.Get(ctx, "user-1")
	rec.AIQuestionsUsed = 2
	require.NoError(t, store.Save(ctx, rec, ev))

	seen, err := store.HasEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Same event again: the record update must roll back with it
	rec.AIQuestionsUsed = 3
	assert.ErrorIs(t, store.Save(ctx, rec, ev), ErrDuplicateEvent)

	got, _ := store.Get(ctx, "user-1")
	assert.Equal(t, 2, got.AIQuestionsUsed)
	assert.Equal(t, int64(2), got.Version)

	logged, err := store.Event(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, logged.Outcome)
	assert.True(t, logged.OccurredAt.Equal(baseTime))
}

func TestSQLStore_RecordEvent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ev := &models.AppliedEvent{EventID: "evt_stale", EventType: "customer.subscription.updated",
		Outcome: models.OutcomeStale, OccurredAt: baseTime, AppliedAt: baseTime}

	inserted, err := store.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	seen, err := store.HasEvent(ctx, "evt_other")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSQLStore_ListQueries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := baseTime.Add(60 * 24 * time.Hour)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	healthy := newRecord(t, "healthy")
	healthy.AIQuestionsResetAt = future
	healthy.UploadsResetAt = future
	require.NoError(t, store.Create(ctx, healthy))

	dueDelete := newRecord(t, "due-delete")
	dueDelete.PaymentStatus = models.PaymentDowngraded
	dueDelete.DunningStep = 7
	dueDelete.PaymentFailedAt = &past
	dueDelete.DowngradeDate = &past
	dueDelete.DeletionDate = &past
	dueDelete.ProviderSubscriptionID = "sub_2"
	require.NoError(t, store.Create(ctx, dueDelete))

	notYet := newRecord(t, "not-yet")
	notYet.PaymentStatus = models.PaymentDowngraded
	notYet.DunningStep = 7
	notYet.PaymentFailedAt = &past
	notYet.DowngradeDate = &past
	notYet.DeletionDate = &future
	notYet.TrimDocumentsAt = &past
	notYet.AIQuestionsResetAt = future
	notYet.UploadsResetAt = future
	require.NoError(t, store.Create(ctx, notYet))

	dunning, err := store.ListDunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"due-delete", "not-yet"}, dunning)

	deletions, err := store.ListDeletionDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"due-delete"}, deletions)

	trims, err := store.ListTrimDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"not-yet"}, trims)

	resets, err := store.ListResetDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"due-delete"}, resets)

	subs, err := store.ListWithSubscription(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"due-delete"}, subs)
}
