package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
)

// UpgradeRequest confirms an upgrade. When ExpectedAmount is set the upgrade
// is refused if the provider now quotes a different prorated amount.
type UpgradeRequest struct {
	Plan           models.Plan
	IdempotencyKey string
	ExpectedAmount *int64
}

// PreviewUpgrade quotes the prorated charge for moving to plan now
func (e *Engine) PreviewUpgrade(ctx context.Context, userID string, plan models.Plan) (*billing.ProrationPreview, error) {
	rec, err := e.manager.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := validateUpgrade(rec, plan); err != nil {
		return nil, err
	}

	var preview *billing.ProrationPreview
	if hasLiveSubscription(rec) {
		err = e.call(ctx, "preview_upgrade", func(ctx context.Context) error {
			var err error
			preview, err = e.gateway.PreviewUpgrade(ctx, account(rec), plan)
			return err
		})
	} else {
		// A new subscription is charged the full price of the first period
		err = e.call(ctx, "plan_price", func(ctx context.Context) error {
			price, err := e.gateway.PlanPrice(ctx, plan)
			if err != nil {
				return err
			}
			preview = &billing.ProrationPreview{
				Plan:          plan,
				Amount:        price.Amount,
				Currency:      price.Currency,
				ProrationDate: e.manager.Now().Truncate(time.Second),
			}
			return nil
		})
	}
	if err != nil {
		return nil, err
	}
	if preview.Display == "" {
		preview.Display = billing.FormatAmount(preview.Amount, preview.Currency)
	}
	return preview, nil
}

// UpgradeSubscription moves the user to a higher plan immediately. The
// record is marked with a provisional in-flight upgrade, the provider is
// called without holding the user's lock, and plan and limits are committed
// only after the provider charged the proration. A user without a live
// subscription but with a billing account gets a new subscription on the
// saved payment method.
func (e *Engine) UpgradeSubscription(ctx context.Context, userID string, req UpgradeRequest) (*models.EntitlementRecord, error) {
	rec, err := e.manager.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := validateUpgrade(rec, req.Plan); err != nil {
		return nil, err
	}

	key, err := e.reserveUpgrade(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	if req.ExpectedAmount != nil {
		preview, err := e.PreviewUpgrade(ctx, userID, req.Plan)
		if err != nil {
			e.releaseUpgrade(ctx, userID, key)
			return nil, err
		}
		if preview.Amount != *req.ExpectedAmount {
			e.releaseUpgrade(ctx, userID, key)
			return nil, domain.NewConflictError(fmt.Sprintf("the prorated amount changed to %s, review the new price", preview.Display))
		}
	}

	subscribe := !hasLiveSubscription(rec)
	prorationDate := e.manager.Now().Truncate(time.Second)
	var snap *billing.SubscriptionSnapshot
	if subscribe {
		err = e.call(ctx, "subscribe", func(ctx context.Context) error {
			var err error
			snap, err = e.gateway.Resubscribe(ctx, account(rec), req.Plan, key)
			return err
		})
	} else {
		err = e.call(ctx, "apply_upgrade", func(ctx context.Context) error {
			var err error
			snap, err = e.gateway.ApplyUpgrade(ctx, account(rec), req.Plan, prorationDate, key)
			return err
		})
	}
	if err != nil {
		e.releaseUpgrade(ctx, userID, key)
		return nil, err
	}

	updated, err := e.manager.Update(ctx, userID, func(r *models.EntitlementRecord) error {
		cmp, err := plans.Compare(req.Plan, r.Plan)
		if err != nil {
			return err
		}
		if cmp > 0 {
			if err := plans.ApplyLimits(r, req.Plan); err != nil {
				return err
			}
		}
		r.ClearPending()
		r.PreviousPlan = nil
		r.TrimDocumentsAt = nil
		if subscribe {
			r.Status = models.StatusActive
			r.CancelAtPeriodEnd = false
		}
		if snap != nil {
			if snap.SubscriptionID != "" {
				r.ProviderSubscriptionID = snap.SubscriptionID
			}
			advancePeriod(r, snap.CurrentPeriodEnd)
		}
		if r.UpgradeIdempotencyKey == key {
			r.ClearUpgrade()
		}
		return nil
	})
	if err != nil {
		// The provider already charged; the next snapshot event or the
		// drift job brings the record up to date.
		e.log.Error("failed to commit upgrade after provider accepted it",
			"user_id", userID, "plan", req.Plan, "idempotency_key", key, "error", err)
		return nil, err
	}
	e.committed(TransitionUpgrade, updated)
	return updated, nil
}

// reserveUpgrade sets the in-flight markers and returns the idempotency key
// to use. A retry of the same upgrade reuses the reserved key.
func (e *Engine) reserveUpgrade(ctx context.Context, userID string, req UpgradeRequest) (string, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = "upgrade:" + uuid.NewString()
	}
	now := e.manager.Now()

	_, err := e.manager.Update(ctx, userID, func(r *models.EntitlementRecord) error {
		if err := validateUpgrade(r, req.Plan); err != nil {
			return err
		}
		if upgradeInFlight(r, now, e.cfg.UpgradeInflightTTL) {
			sameRequest := req.IdempotencyKey == "" || req.IdempotencyKey == r.UpgradeIdempotencyKey
			if *r.UpgradePlan != req.Plan || !sameRequest {
				return domain.NewConflictError("another upgrade is in progress")
			}
			key = r.UpgradeIdempotencyKey
			return entitlement.ErrNoChange
		}
		if r.UpgradePlan != nil {
			e.log.Warn("overwriting abandoned upgrade reservation",
				"user_id", userID, "plan", *r.UpgradePlan, "started_at", r.UpgradeStartedAt)
		}
		r.UpgradePlan = models.PlanPtr(req.Plan)
		r.UpgradeIdempotencyKey = key
		r.UpgradeStartedAt = models.TimePtr(now)
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// releaseUpgrade drops the reservation made with key
func (e *Engine) releaseUpgrade(ctx context.Context, userID, key string) {
	_, err := e.manager.Update(ctx, userID, func(r *models.EntitlementRecord) error {
		if r.UpgradeIdempotencyKey != key {
			return entitlement.ErrNoChange
		}
		r.ClearUpgrade()
		return nil
	})
	if err != nil {
		e.log.Error("failed to release upgrade reservation", "user_id", userID, "error", err)
	}
}

func validateUpgrade(rec *models.EntitlementRecord, plan models.Plan) error {
	cmp, err := comparePlans(plan, rec.Plan)
	if err != nil {
		return err
	}
	if cmp < 0 {
		return domain.NewInvalidTransitionError(fmt.Sprintf("%s is below %s, use downgrade", plan, rec.Plan))
	}
	if rec.PaymentStatus != models.PaymentActive {
		return domain.NewInvalidTransitionError("update your payment method before upgrading")
	}
	if !hasLiveSubscription(rec) {
		if rec.ProviderCustomerID == "" {
			return domain.NewValidationError("no billing account yet, start a checkout first")
		}
		return nil
	}
	if rec.CancelAtPeriodEnd {
		return domain.NewInvalidTransitionError("subscription is set to cancel, reactivate it before upgrading")
	}
	return nil
}
