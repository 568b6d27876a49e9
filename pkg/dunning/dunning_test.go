package dunning

import (
	"testing"
	"time"

	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/notify"
	"github.com/jordanlanch/docvault/pkg/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func paidRecord(t *testing.T, plan models.Plan) *models.EntitlementRecord {
	t.Helper()
	rec, err := entitlement.NewDefaultRecord("user-1", t0)
	require.NoError(t, err)
	require.NoError(t, plans.ApplyLimits(rec, plan))
	rec.ProviderCustomerID = "cus_1"
	rec.ProviderSubscriptionID = "sub_1"
	return rec
}

func TestPaymentFailedSequence(t *testing.T) {
	cfg := DefaultConfig()
	rec := paidRecord(t, models.PlanPro)

	type step struct {
		status  models.PaymentStatus
		step    int
		reached []notify.Kind
	}
	want := []step{
		{models.PaymentPastDue, 1, []notify.Kind{notify.KindPaymentFailed}},
		{models.PaymentPastDue, 2, nil},
		{models.PaymentRestricted, 3, []notify.Kind{notify.KindRestricted}},
		{models.PaymentRestricted, 4, nil},
		{models.PaymentDowngraded, 5, []notify.Kind{notify.KindDowngraded}},
		{models.PaymentDowngraded, 6, nil},
		{models.PaymentDowngraded, 7, []notify.Kind{notify.KindDeletionScheduled}},
		{models.PaymentDowngraded, 8, nil},
	}

	now := t0
	for i, w := range want {
		now = now.Add(time.Hour)
		ch, err := PaymentFailed(rec, now, cfg)
		require.NoError(t, err)
		assert.Equal(t, w.status, rec.PaymentStatus, "failure %d", i+1)
		assert.Equal(t, w.step, rec.DunningStep, "failure %d", i+1)
		assert.Equal(t, w.reached, ch.Reached, "failure %d", i+1)
		require.NoError(t, entitlement.Validate(rec), "failure %d", i+1)
		require.NoError(t, CheckConsistency(rec, cfg), "failure %d", i+1)
	}

	assert.Equal(t, t0.Add(time.Hour), *rec.PaymentFailedAt)
	assert.Equal(t, t0.Add(3*time.Hour), *rec.RestrictedAt)
	assert.Equal(t, t0.Add(5*time.Hour), *rec.DowngradeDate)
	assert.Equal(t, t0.Add(7*time.Hour).Add(cfg.RetentionWindow), *rec.DeletionDate)
	assert.Equal(t, models.PlanFree, rec.Plan)
	assert.Equal(t, 3, rec.DocumentLimit)
	require.NotNil(t, rec.PreviousPlan)
	assert.Equal(t, models.PlanPro, *rec.PreviousPlan)
}

func TestPaymentFailedJumpsThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RestrictStep = 1
	cfg.DowngradeStep = 1
	cfg.FinalStep = 1
	rec := paidRecord(t, models.PlanStarter)

	ch, err := PaymentFailed(rec, t0, cfg)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentDowngraded, rec.PaymentStatus)
	assert.Equal(t, []notify.Kind{
		notify.KindPaymentFailed,
		notify.KindRestricted,
		notify.KindDowngraded,
		notify.KindDeletionScheduled,
	}, ch.Reached)
	assert.NoError(t, entitlement.Validate(rec))
}

func TestDowngradeDropsPendingPlan(t *testing.T) {
	cfg := DefaultConfig()
	rec := paidRecord(t, models.PlanPro)
	rec.PendingPlan = models.PlanPtr(models.PlanStarter)
	rec.DocumentsToKeep = []string{"doc-1"}

	for i := 0; i < cfg.DowngradeStep; i++ {
		_, err := PaymentFailed(rec, t0, cfg)
		require.NoError(t, err)
	}
	assert.Nil(t, rec.PendingPlan)
	assert.Nil(t, rec.DocumentsToKeep)
	assert.Equal(t, models.PlanPro, *rec.PreviousPlan)
}

func TestEscalateByElapsedTime(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name    string
		elapsed time.Duration
		step    int
		status  models.PaymentStatus
	}{
		{"just failed", time.Minute, 1, models.PaymentPastDue},
		{"three days", 72 * time.Hour, 2, models.PaymentPastDue},
		{"one week", 168 * time.Hour, 3, models.PaymentRestricted},
		{"two weeks", 336 * time.Hour, 5, models.PaymentDowngraded},
		{"four weeks", 672 * time.Hour, 7, models.PaymentDowngraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := paidRecord(t, models.PlanStarter)
			_, err := PaymentFailed(rec, t0, cfg)
			require.NoError(t, err)

			_, err = Escalate(rec, t0.Add(tt.elapsed), cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.step, rec.DunningStep)
			assert.Equal(t, tt.status, rec.PaymentStatus)
			assert.NoError(t, entitlement.Validate(rec))
		})
	}
}

func TestEscalateNeverLowersStep(t *testing.T) {
	cfg := DefaultConfig()
	rec := paidRecord(t, models.PlanStarter)
	for i := 0; i < 4; i++ {
		_, err := PaymentFailed(rec, t0, cfg)
		require.NoError(t, err)
	}
	require.Equal(t, 4, rec.DunningStep)

	ch, err := Escalate(rec, t0.Add(time.Hour), cfg)
	require.NoError(t, err)
	assert.False(t, ch.Changed())
	assert.Equal(t, 4, rec.DunningStep)
}

func TestEscalateIgnoresActiveAccounts(t *testing.T) {
	rec := paidRecord(t, models.PlanPro)
	ch, err := Escalate(rec, t0.Add(1000*time.Hour), DefaultConfig())
	require.NoError(t, err)
	assert.False(t, ch.Changed())
	assert.Equal(t, models.PaymentActive, rec.PaymentStatus)
}

func TestEscalateIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	rec := paidRecord(t, models.PlanStarter)
	_, err := PaymentFailed(rec, t0, cfg)
	require.NoError(t, err)

	later := t0.Add(700 * time.Hour)
	_, err = Escalate(rec, later, cfg)
	require.NoError(t, err)
	deletion := *rec.DeletionDate

	ch, err := Escalate(rec, later.Add(time.Hour), cfg)
	require.NoError(t, err)
	assert.False(t, ch.Changed())
	assert.Equal(t, deletion, *rec.DeletionDate)
}

func TestRecoverClearsEverythingButPlan(t *testing.T) {
	cfg := DefaultConfig()
	rec := paidRecord(t, models.PlanPro)
	_, err := PaymentFailed(rec, t0, cfg)
	require.NoError(t, err)
	_, err = Escalate(rec, t0.Add(700*time.Hour), cfg)
	require.NoError(t, err)
	require.NotNil(t, rec.DeletionDate)

	ch := Recover(rec)
	assert.True(t, ch.Changed())
	assert.Equal(t, models.PaymentActive, rec.PaymentStatus)
	assert.Zero(t, rec.DunningStep)
	assert.Nil(t, rec.PaymentFailedAt)
	assert.Nil(t, rec.RestrictedAt)
	assert.Nil(t, rec.DowngradeDate)
	assert.Nil(t, rec.DeletionDate)

	assert.Equal(t, models.PlanFree, rec.Plan)
	assert.Equal(t, models.PlanPro, *rec.PreviousPlan)
	assert.NoError(t, entitlement.Validate(rec))

	assert.False(t, Recover(rec).Changed())
}

func TestSubscriptionDeleted(t *testing.T) {
	grace := 168 * time.Hour

	t.Run("voluntary cancel schedules trim", func(t *testing.T) {
		rec := paidRecord(t, models.PlanStarter)
		rec.CancelAtPeriodEnd = true
		rec.PendingPlan = models.PlanPtr(models.PlanFree)
		rec.DocumentsToKeep = []string{"a", "b"}

		require.NoError(t, SubscriptionDeleted(rec, t0, grace))
		assert.Equal(t, models.StatusCanceled, rec.Status)
		assert.False(t, rec.CancelAtPeriodEnd)
		assert.Equal(t, models.PlanFree, rec.Plan)
		assert.Equal(t, models.PlanStarter, *rec.PreviousPlan)
		assert.Nil(t, rec.PendingPlan)
		assert.Equal(t, []string{"a", "b"}, rec.DocumentsToKeep)
		assert.Equal(t, t0.Add(grace), *rec.TrimDocumentsAt)
		assert.NoError(t, entitlement.Validate(rec))
	})

	t.Run("during dunning keeps payment axis", func(t *testing.T) {
		rec := paidRecord(t, models.PlanPro)
		for i := 0; i < 3; i++ {
			_, err := PaymentFailed(rec, t0, DefaultConfig())
			require.NoError(t, err)
		}

		require.NoError(t, SubscriptionDeleted(rec, t0, grace))
		assert.Equal(t, models.StatusCanceled, rec.Status)
		assert.Equal(t, models.PaymentRestricted, rec.PaymentStatus)
		assert.Equal(t, 3, rec.DunningStep)
		assert.Nil(t, rec.TrimDocumentsAt)
		assert.NoError(t, entitlement.Validate(rec))
	})

	t.Run("free account", func(t *testing.T) {
		rec := paidRecord(t, models.PlanFree)
		require.NoError(t, SubscriptionDeleted(rec, t0, grace))
		assert.Nil(t, rec.PreviousPlan)
		assert.Nil(t, rec.TrimDocumentsAt)
	})
}

func TestBannerFor(t *testing.T) {
	deletion := t0.Add(720 * time.Hour)
	tests := []struct {
		name     string
		status   models.PaymentStatus
		deletion *time.Time
		tier     string
	}{
		{"active", models.PaymentActive, nil, TierNone},
		{"past due", models.PaymentPastDue, nil, TierPaymentFailed},
		{"restricted", models.PaymentRestricted, nil, TierRestricted},
		{"downgraded", models.PaymentDowngraded, nil, TierDowngraded},
		{"deletion scheduled", models.PaymentDowngraded, &deletion, TierDeletionScheduled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &models.EntitlementRecord{PaymentStatus: tt.status, DunningStep: 2, DeletionDate: tt.deletion}
			b := BannerFor(rec)
			assert.Equal(t, tt.tier, b.Tier)
			assert.Equal(t, 2, b.DunningStep)
			if tt.deletion != nil {
				require.NotNil(t, b.DeletionDate)
				assert.Equal(t, deletion, *b.DeletionDate)
			}
		})
	}
}

func TestCheckConsistency(t *testing.T) {
	cfg := DefaultConfig()
	deletion := t0
	tests := []struct {
		name     string
		status   models.PaymentStatus
		step     int
		plan     models.Plan
		deletion *time.Time
		ok       bool
	}{
		{"active clean", models.PaymentActive, 0, models.PlanPro, nil, true},
		{"active with step", models.PaymentActive, 2, models.PlanPro, nil, false},
		{"past due", models.PaymentPastDue, 2, models.PlanPro, nil, true},
		{"past due beyond restrict", models.PaymentPastDue, 3, models.PlanPro, nil, false},
		{"restricted", models.PaymentRestricted, 4, models.PlanPro, nil, true},
		{"restricted too early", models.PaymentRestricted, 2, models.PlanPro, nil, false},
		{"downgraded", models.PaymentDowngraded, 5, models.PlanFree, nil, true},
		{"downgraded still paid", models.PaymentDowngraded, 5, models.PlanPro, nil, false},
		{"deletion before final", models.PaymentDowngraded, 6, models.PlanFree, &deletion, false},
		{"deletion at final", models.PaymentDowngraded, 7, models.PlanFree, &deletion, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &models.EntitlementRecord{PaymentStatus: tt.status, DunningStep: tt.step, Plan: tt.plan, DeletionDate: tt.deletion}
			err := CheckConsistency(rec, cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, domain.IsCorruptRecord(err))
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.RestrictStep = 6
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.RetentionWindow = 0
	assert.Error(t, bad.Validate())
}

func TestStepForElapsed(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1, StepForElapsed(0, cfg))
	assert.Equal(t, 1, StepForElapsed(71*time.Hour, cfg))
	assert.Equal(t, 2, StepForElapsed(72*time.Hour, cfg))
	assert.Equal(t, 7, StepForElapsed(10000*time.Hour, cfg))
	assert.Equal(t, 0, StepForElapsed(-time.Hour, cfg))
}
