package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/webhook"
)

// SubscriptionSource reads the provider's current view of a subscription
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionSnapshot, error)
}

// EventApplier applies a provider event to the entitlement records
type EventApplier interface {
	Apply(ctx context.Context, ev webhook.Event) (webhook.Result, error)
}

// DriftReport summarizes one drift check
type DriftReport struct {
	Checked  int
	Drifted  int
	Repaired int
	Failed   int
}

// DriftMonitor compares every linked record with the provider and feeds a
// synthetic snapshot event through the reconciler when they disagree. It
// repairs the state left behind by lost webhook deliveries.
type DriftMonitor struct {
	manager *entitlement.Manager
	source  SubscriptionSource
	applier EventApplier
	log     logger.Logger
}

// NewDriftMonitor creates a new drift monitor
func NewDriftMonitor(manager *entitlement.Manager, source SubscriptionSource, applier EventApplier, log logger.Logger) *DriftMonitor {
	if log == nil {
		log = logger.Default()
	}
	return &DriftMonitor{
		manager: manager,
		source:  source,
		applier: applier,
		log:     log,
	}
}

// Run checks every record that has a provider subscription
func (m *DriftMonitor) Run(ctx context.Context) (DriftReport, error) {
	var report DriftReport

	ids, err := m.manager.Store().ListWithSubscription(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list subscribed users: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		drifted, repaired, err := m.Check(ctx, id)
		if err != nil {
			report.Failed++
			m.log.Error("drift check failed", "user_id", id, "error", err)
			continue
		}
		if drifted {
			report.Drifted++
		}
		if repaired {
			report.Repaired++
		}
	}

	m.log.Info("drift check finished",
		"checked", report.Checked,
		"drifted", report.Drifted,
		"repaired", report.Repaired,
		"failed", report.Failed,
	)
	return report, nil
}

// Check compares one user's record with the provider
func (m *DriftMonitor) Check(ctx context.Context, userID string) (drifted, repaired bool, err error) {
	rec, err := m.manager.Get(ctx, userID)
	if err != nil {
		return false, false, err
	}
	if rec.ProviderSubscriptionID == "" {
		return false, false, nil
	}

	snap, err := m.source.GetSubscription(ctx, rec.ProviderSubscriptionID)
	if err != nil {
		return false, false, err
	}
	if !Drifted(rec, snap) {
		return false, false, nil
	}

	m.log.Warn("entitlement drifted from provider",
		"user_id", userID,
		"subscription_id", snap.SubscriptionID,
		"local_plan", rec.Plan,
		"provider_plan", snap.Plan,
	)

	ev := SnapshotEvent(snap, rec.Version, m.manager.Now())
	if snap.Status == "canceled" {
		ev.Type = webhook.TypeSubscriptionDeleted
		ev.Snapshot = nil
	}
	ev.UserID = userID

	res, err := m.applier.Apply(ctx, ev)
	if err != nil {
		return true, false, err
	}
	return true, res.Outcome == models.OutcomeApplied, nil
}

// Drifted reports whether the record disagrees with the provider snapshot
// on anything the webhooks would have synchronized
func Drifted(rec *models.EntitlementRecord, snap *billing.SubscriptionSnapshot) bool {
	if snap.Status == "canceled" {
		return rec.Status != models.StatusCanceled
	}
	if snap.Status != "active" && snap.Status != "trialing" {
		return false
	}
	if rec.CancelAtPeriodEnd != snap.CancelAtPeriodEnd {
		return true
	}
	if rec.CurrentPeriodEnd == nil || rec.CurrentPeriodEnd.Before(snap.CurrentPeriodEnd) {
		return true
	}
	if rec.PreviousPlan != nil {
		return false
	}
	if rec.PendingPlan != nil && *rec.PendingPlan == snap.Plan {
		return false
	}
	return rec.Plan != snap.Plan
}

// SnapshotEvent builds a synthetic subscription event. The id is derived
// from the snapshot and the local record version, so repeated runs over the
// same pair of states are deduplicated by the event log.
func SnapshotEvent(snap *billing.SubscriptionSnapshot, version int64, now time.Time) webhook.Event {
	id := fmt.Sprintf("drift:%s:%d:%s:%t:%s:v%d",
		snap.SubscriptionID, snap.CurrentPeriodEnd.Unix(), snap.Plan, snap.CancelAtPeriodEnd, snap.Status, version)
	return webhook.Event{
		ID:             id,
		ProviderType:   "drift.subscription",
		Type:           webhook.TypeSubscriptionUpdated,
		Created:        now,
		CustomerID:     snap.CustomerID,
		SubscriptionID: snap.SubscriptionID,
		Plan:           snap.Plan,
		Snapshot:       snap,
	}
}
