package webhook

import (
	"time"

	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
)

// Provider subscription statuses the snapshot rules look at
const (
	providerTrialing          = "trialing"
	providerIncomplete        = "incomplete"
	providerIncompleteExpired = "incomplete_expired"
	providerCanceled          = "canceled"
)

// applyCheckout attaches a freshly paid subscription to the record. Plan
// and limits move up immediately.
func applyCheckout(rec *models.EntitlementRecord, ev *Event) (models.EventOutcome, error) {
	if ev.SubscriptionID == "" {
		return models.OutcomeIgnored, nil
	}
	if rec.ProviderSubscriptionID == ev.SubscriptionID && rec.Status != models.StatusCanceled &&
		(ev.Plan == "" || rec.Plan == ev.Plan) {
		// A snapshot got here first
		return models.OutcomeIgnored, nil
	}

	if ev.CustomerID != "" {
		rec.ProviderCustomerID = ev.CustomerID
	}
	rec.ProviderSubscriptionID = ev.SubscriptionID
	rec.Status = models.StatusActive
	rec.CancelAtPeriodEnd = false
	rec.ClearPending()
	rec.PreviousPlan = nil
	rec.TrimDocumentsAt = nil
	if ev.Plan != "" {
		if err := plans.ApplyLimits(rec, ev.Plan); err != nil {
			return "", err
		}
	}
	return models.OutcomeApplied, nil
}

// applySnapshot reconciles the record with the provider's view of the
// subscription. The most advanced period wins: a snapshot whose period
// ends before the recorded one is stale and changes nothing.
func applySnapshot(rec *models.EntitlementRecord, snap *billing.SubscriptionSnapshot, now time.Time, trimGrace time.Duration) (models.EventOutcome, error) {
	if snap == nil {
		return models.OutcomeIgnored, nil
	}
	switch snap.Status {
	case providerIncomplete, providerIncompleteExpired, providerCanceled:
		// Not paid yet, or ended; the deletion event handles the end.
		return models.OutcomeIgnored, nil
	}

	newSubscription := rec.ProviderSubscriptionID != snap.SubscriptionID || rec.Status == models.StatusCanceled
	if newSubscription && rec.ProviderSubscriptionID != "" && rec.Status != models.StatusCanceled {
		// An old subscription still talking after a replacement
		return models.OutcomeIgnored, nil
	}
	if !newSubscription && rec.CurrentPeriodEnd != nil && snap.CurrentPeriodEnd.Before(*rec.CurrentPeriodEnd) {
		return models.OutcomeStale, nil
	}

	cmp, err := plans.Compare(snap.Plan, rec.Plan)
	if err != nil {
		return "", err
	}
	periodAdvanced := rec.CurrentPeriodEnd != nil && snap.CurrentPeriodEnd.After(*rec.CurrentPeriodEnd)

	switch {
	case newSubscription:
		rec.ProviderSubscriptionID = snap.SubscriptionID
		rec.PreviousPlan = nil
		rec.TrimDocumentsAt = nil
		rec.ClearPending()
		if err := plans.ApplyLimits(rec, snap.Plan); err != nil {
			return "", err
		}

	case rec.PreviousPlan != nil:
		// Forced to free by dunning; only a resubscribe or an explicit
		// upgrade restores a paid plan.

	case cmp > 0:
		rec.ClearPending()
		if err := plans.ApplyLimits(rec, snap.Plan); err != nil {
			return "", err
		}

	case cmp < 0 && periodAdvanced:
		// Period end: the scheduled downgrade takes effect
		keep := rec.DocumentsToKeep
		if rec.PendingPlan == nil || *rec.PendingPlan != snap.Plan {
			keep = nil
		}
		if err := plans.ApplyLimits(rec, snap.Plan); err != nil {
			return "", err
		}
		rec.ClearPending()
		rec.DocumentsToKeep = keep
		rec.TrimDocumentsAt = models.TimePtr(now.Add(trimGrace))

	case cmp < 0:
		if rec.PendingPlan == nil || *rec.PendingPlan != snap.Plan {
			rec.PendingPlan = models.PlanPtr(snap.Plan)
			rec.DocumentsToKeep = nil
		}

	case periodAdvanced && rec.PendingPlan != nil:
		// Renewed on the same plan; the provider dropped the downgrade
		rec.ClearPending()
	}

	if snap.CustomerID != "" {
		rec.ProviderCustomerID = snap.CustomerID
	}
	rec.Status = models.StatusActive
	if snap.Status == providerTrialing {
		rec.Status = models.StatusTrialing
	}
	rec.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	if !snap.CancelAtPeriodEnd && rec.PendingPlan != nil && *rec.PendingPlan == models.PlanFree {
		// Cancellation undone outside the app
		rec.ClearPending()
	}
	if !snap.CurrentPeriodEnd.IsZero() && (rec.CurrentPeriodEnd == nil || !snap.CurrentPeriodEnd.Before(*rec.CurrentPeriodEnd)) {
		rec.CurrentPeriodEnd = models.TimePtr(snap.CurrentPeriodEnd.UTC())
	}
	return models.OutcomeApplied, nil
}

// paymentIsStale reports whether a payment event predates one already applied
func paymentIsStale(rec *models.EntitlementRecord, created time.Time) bool {
	return rec.LastPaymentEventAt != nil && created.Before(*rec.LastPaymentEventAt)
}

// belongsToRecord reports whether an event about subscriptionID concerns
// the record's current subscription.
func belongsToRecord(rec *models.EntitlementRecord, subscriptionID string) bool {
	return subscriptionID == "" || rec.ProviderSubscriptionID == "" || rec.ProviderSubscriptionID == subscriptionID
}
