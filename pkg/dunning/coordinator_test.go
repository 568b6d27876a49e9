package dunning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/notify"
	"github.com/jordanlanch/docvault/pkg/plans"
	"github.com/jordanlanch/docvault/pkg/testdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type recordingAlerter struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingAlerter) CorruptRecord(ctx context.Context, userID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func (r *recordingAlerter) UnknownPrice(context.Context, string, error) {}

type countingRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (c *countingRecorder) DunningTransition(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
}

func TestCoordinatorEscalateAll(t *testing.T) {
	ctx := context.Background()
	clock := testdata.NewClock(testdata.Epoch)
	manager, store := testdata.NewManager(t, clock)
	notifier := &recordingNotifier{}
	recorder := &countingRecorder{}
	c := NewCoordinator(manager, DefaultConfig(), notifier, nil, logger.Discard())
	c.SetRecorder(recorder)

	failedAt := testdata.Epoch
	testdata.SeedUser(t, store, "late-payer", testdata.Epoch, func(r *models.EntitlementRecord) {
		require.NoError(t, plans.ApplyLimits(r, models.PlanPro))
		r.ProviderCustomerID = "cus_late"
		r.PaymentStatus = models.PaymentPastDue
		r.DunningStep = 1
		r.PaymentFailedAt = &failedAt
	})
	testdata.SeedUser(t, store, "good-payer", testdata.Epoch, nil)

	clock.Advance(170 * time.Hour)
	n, err := c.EscalateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := manager.Get(ctx, "late-payer")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRestricted, rec.PaymentStatus)
	assert.Equal(t, 3, rec.DunningStep)
	assert.Equal(t, clock.Now(), *rec.RestrictedAt)
	assert.Equal(t, []notify.Kind{notify.KindRestricted}, notifier.kinds())
	assert.Equal(t, []string{"restricted"}, recorder.statuses)

	// Nothing new until the next schedule entry
	n, err = c.EscalateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Set(testdata.Epoch.Add(700 * time.Hour))
	n, err = c.EscalateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err = manager.Get(ctx, "late-payer")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentDowngraded, rec.PaymentStatus)
	assert.Equal(t, models.PlanFree, rec.Plan)
	require.NotNil(t, rec.DeletionDate)
	assert.Equal(t, clock.Now().Add(720*time.Hour), *rec.DeletionDate)
	assert.Equal(t, []notify.Kind{
		notify.KindRestricted,
		notify.KindDowngraded,
		notify.KindDeletionScheduled,
	}, notifier.kinds())

	good, err := manager.Get(ctx, "good-payer")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentActive, good.PaymentStatus)
}

func TestCoordinatorSkipsInconsistentRecords(t *testing.T) {
	ctx := context.Background()
	clock := testdata.NewClock(testdata.Epoch)
	manager, store := testdata.NewManager(t, clock)
	alerter := &recordingAlerter{}
	c := NewCoordinator(manager, DefaultConfig(), &recordingNotifier{}, alerter, logger.Discard())

	failedAt := testdata.Epoch
	testdata.SeedUser(t, store, "odd", testdata.Epoch, func(r *models.EntitlementRecord) {
		r.PaymentStatus = models.PaymentPastDue
		r.DunningStep = 4
		r.PaymentFailedAt = &failedAt
	})

	n, err := c.EscalateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"odd"}, alerter.users)

	rec, err := manager.Get(ctx, "odd")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPastDue, rec.PaymentStatus)
}

func TestAnnounceIgnoresNoop(t *testing.T) {
	notifier := &recordingNotifier{}
	c := NewCoordinator(nil, DefaultConfig(), notifier, nil, logger.Discard())
	c.Announce(context.Background(), &models.EntitlementRecord{UserID: "u"}, Change{})
	c.Announce(context.Background(), nil, Change{Reached: []notify.Kind{notify.KindRestricted}})
	assert.Empty(t, notifier.kinds())
}
