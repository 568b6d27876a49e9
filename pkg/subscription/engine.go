// Package subscription implements user-initiated plan changes. The
// provider is always called first; the local record changes only after
// the provider accepted the change.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/notify"
	"github.com/jordanlanch/docvault/pkg/plans"
)

// Transition kinds reported to the Recorder
const (
	TransitionUpgrade     = "upgrade"
	TransitionDowngrade   = "downgrade"
	TransitionCancel      = "cancel"
	TransitionReactivate  = "reactivate"
	TransitionResubscribe = "resubscribe"
)

// Recorder counts committed plan transitions
type Recorder interface {
	PlanTransition(kind string)
}

// Config holds gateway timing
type Config struct {
	GatewayTimeout     time.Duration
	UpgradeInflightTTL time.Duration
}

// Engine is the transition engine for user actions
type Engine struct {
	manager  *entitlement.Manager
	gateway  billing.Gateway
	notifier notify.Notifier
	recorder Recorder
	cfg      Config
	log      logger.Logger
}

// NewEngine creates an Engine
func NewEngine(manager *entitlement.Manager, gateway billing.Gateway, cfg Config, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.UpgradeInflightTTL <= 0 {
		cfg.UpgradeInflightTTL = 2 * time.Minute
	}
	return &Engine{
		manager:  manager,
		gateway:  gateway,
		notifier: notify.NewLogNotifier(log),
		cfg:      cfg,
		log:      log,
	}
}

// SetNotifier sets the user notifier
func (e *Engine) SetNotifier(n notify.Notifier) {
	e.notifier = n
}

// SetRecorder sets the metrics recorder
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// CreateCheckout starts a hosted checkout for a user without a live subscription
func (e *Engine) CreateCheckout(ctx context.Context, userID string, plan models.Plan) (*billing.CheckoutSession, error) {
	if plan == models.PlanFree || !plans.Valid(plan) {
		return nil, domain.NewValidationError("checkout requires a paid plan")
	}
	rec, err := e.manager.EnsureRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if hasLiveSubscription(rec) {
		return nil, domain.NewInvalidTransitionError("already subscribed, change plans with upgrade or downgrade")
	}

	var sess *billing.CheckoutSession
	err = e.call(ctx, "checkout", func(ctx context.Context) error {
		var err error
		sess, err = e.gateway.CreateCheckoutSession(ctx, account(rec), plan, uuid.NewString())
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("checkout session created", "user_id", userID, "plan", plan)
	return sess, nil
}

// CreatePortal opens the provider's billing portal
func (e *Engine) CreatePortal(ctx context.Context, userID string) (string, error) {
	rec, err := e.manager.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if rec.ProviderCustomerID == "" {
		return "", domain.NewValidationError("no billing account yet, start a checkout first")
	}
	var url string
	err = e.call(ctx, "portal", func(ctx context.Context) error {
		var err error
		url, err = e.gateway.CreatePortalSession(ctx, rec.ProviderCustomerID)
		return err
	})
	return url, err
}

// CancelSubscription schedules cancellation at the end of the paid period.
// Cancelling twice is a no-op.
func (e *Engine) CancelSubscription(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	rec, err := e.manager.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusActive || rec.Plan == models.PlanFree {
		return nil, domain.NewInvalidTransitionError(fmt.Sprintf("cannot cancel a %s %s subscription", rec.DisplayStatus(), rec.Plan))
	}
	if rec.CancelAtPeriodEnd {
		return rec, nil
	}
	if err := checkNoUpgradeInFlight(rec, e.manager.Now(), e.cfg.UpgradeInflightTTL); err != nil {
		return nil, err
	}

	key := actionKey("cancel", rec)
	if err := e.call(ctx, "cancel", func(ctx context.Context) error {
		return e.gateway.CancelAtPeriodEnd(ctx, account(rec), key)
	}); err != nil {
		return nil, err
	}

	updated, err := e.manager.Update(ctx, userID, func(r *models.EntitlementRecord) error {
		if r.CancelAtPeriodEnd {
			return entitlement.ErrNoChange
		}
		r.CancelAtPeriodEnd = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.committed(TransitionCancel, updated)
	e.notifier.Notify(ctx, notify.NoticeFor(notify.KindCancellation, updated))
	return updated, nil
}

// ReactivateSubscription undoes a scheduled cancellation or downgrade, or
// starts a new subscription on the last paid plan after the old one was
// deleted. Anything else is a no-op.
func (e *Engine) ReactivateSubscription(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	rec, err := e.manager.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if rec.Status == models.StatusCanceled {
		return e.resubscribe(ctx, rec)
	}
	if !rec.CancelAtPeriodEnd && rec.PendingPlan == nil {
		return rec, nil
	}

	key := actionKey("reactivate", rec)
	if err := e.call(ctx, "reactivate", func(ctx context.Context) error {
		return e.gateway.Reactivate(ctx, account(rec), rec.Plan, key)
	}); err != nil {
		return nil, err
	}

	updated, err := e.manager.Update(ctx, userID, func(r *models.EntitlementRecord) error {
		if !r.CancelAtPeriodEnd && r.PendingPlan == nil {
			return entitlement.ErrNoChange
		}
		r.CancelAtPeriodEnd = false
		r.ClearPending()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.committed(TransitionReactivate, updated)
	return updated, nil
}

func (e *Engine) resubscribe(ctx context.Context, rec *models.EntitlementRecord) (*models.EntitlementRecord, error) {
	if rec.PreviousPlan == nil || rec.ProviderCustomerID == "" {
		return nil, domain.NewValidationError("subscription has ended, start a checkout to subscribe again")
	}
	plan := *rec.PreviousPlan

	var snap *billing.SubscriptionSnapshot
	key := actionKey("resubscribe", rec)
	err := e.call(ctx, "resubscribe", func(ctx context.Context) error {
		var err error
		snap, err = e.gateway.Resubscribe(ctx, account(rec), plan, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	updated, err := e.manager.Update(ctx, rec.UserID, func(r *models.EntitlementRecord) error {
		r.Status = models.StatusActive
		r.CancelAtPeriodEnd = false
		r.ClearPending()
		r.PreviousPlan = nil
		r.TrimDocumentsAt = nil
		r.ProviderSubscriptionID = snap.SubscriptionID
		advancePeriod(r, snap.CurrentPeriodEnd)
		return plans.ApplyLimits(r, plan)
	})
	if err != nil {
		return nil, err
	}
	e.committed(TransitionResubscribe, updated)
	return updated, nil
}

// DowngradeSubscription schedules a move to a cheaper plan at period end.
// Limits stay at the current plan until the provider reports the new
// period. documentsToKeep names documents the sweeper must not delete.
func (e *Engine) DowngradeSubscription(ctx context.Context, userID string, plan models.Plan, documentsToKeep []string) (*models.EntitlementRecord, error) {
	rec, err := e.manager.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	cmp, err := comparePlans(plan, rec.Plan)
	if err != nil {
		return nil, err
	}
	if cmp > 0 {
		return nil, domain.NewInvalidTransitionError(fmt.Sprintf("%s is not below %s, use upgrade", plan, rec.Plan))
	}
	if rec.Status != models.StatusActive {
		return nil, domain.NewInvalidTransitionError(fmt.Sprintf("cannot change plans on a %s subscription", rec.Status))
	}
	limits, err := plans.LimitsFor(plan)
	if err != nil {
		return nil, err
	}
	keep := slices.Compact(slices.Sorted(slices.Values(documentsToKeep)))
	if len(keep) > limits.DocumentLimit {
		return nil, domain.NewValidationError(fmt.Sprintf("the %s plan keeps at most %d documents", plan, limits.DocumentLimit))
	}
	if err := checkNoUpgradeInFlight(rec, e.manager.Now(), e.cfg.UpgradeInflightTTL); err != nil {
		return nil, err
	}

	alreadyScheduled := rec.PendingPlan != nil && *rec.PendingPlan == plan
	if !alreadyScheduled {
		key := actionKey("downgrade-"+string(plan), rec)
		if err := e.call(ctx, "schedule_downgrade", func(ctx context.Context) error {
			return e.gateway.ScheduleDowngrade(ctx, account(rec), plan, key)
		}); err != nil {
			return nil, err
		}
	}

	updated, err := e.manager.Update(ctx, userID, func(r *models.EntitlementRecord) error {
		if r.Plan != rec.Plan {
			return domain.NewConflictError("plan changed while scheduling the downgrade")
		}
		r.PendingPlan = models.PlanPtr(plan)
		r.DocumentsToKeep = keep
		if plan == models.PlanFree {
			r.CancelAtPeriodEnd = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !alreadyScheduled {
		e.committed(TransitionDowngrade, updated)
	}
	return updated, nil
}

// call runs one gateway operation under the gateway timeout and maps its
// failure to a domain error.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, billing.ErrNoSubscription):
		return domain.NewValidationError("no active subscription, start a checkout first")
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.log.Warn("gateway timed out", "op", op, "error", err)
		return domain.NewGatewayTimeoutError(op, err)
	default:
		e.log.Error("gateway call failed", "op", op, "error", err)
		return domain.NewGatewayUnavailableError(op, err)
	}
}

func (e *Engine) committed(kind string, rec *models.EntitlementRecord) {
	if e.recorder != nil {
		e.recorder.PlanTransition(kind)
	}
	e.log.Info("subscription transition", "user_id", rec.UserID, "kind", kind, "plan", rec.Plan, "version", rec.Version)
}

func account(rec *models.EntitlementRecord) billing.Account {
	return billing.Account{
		UserID:         rec.UserID,
		CustomerID:     rec.ProviderCustomerID,
		SubscriptionID: rec.ProviderSubscriptionID,
	}
}

func hasLiveSubscription(rec *models.EntitlementRecord) bool {
	return rec.ProviderSubscriptionID != "" && rec.Status != models.StatusCanceled && rec.Status != models.StatusExpired
}

// comparePlans rejects a same-plan request and unknown plans
func comparePlans(target, current models.Plan) (int, error) {
	if !plans.Valid(target) {
		return 0, domain.NewValidationError(fmt.Sprintf("unknown plan %q", target))
	}
	cmp, err := plans.Compare(target, current)
	if err != nil {
		return 0, err
	}
	if cmp == 0 {
		return 0, domain.NewAlreadyOnPlanError(string(current))
	}
	return cmp, nil
}

// actionKey derives an idempotency key from the record version, so a
// double-submitted action hits the provider once.
func actionKey(action string, rec *models.EntitlementRecord) string {
	return fmt.Sprintf("%s:%s:v%d", action, rec.UserID, rec.Version)
}

func checkNoUpgradeInFlight(rec *models.EntitlementRecord, now time.Time, ttl time.Duration) error {
	if upgradeInFlight(rec, now, ttl) {
		return domain.NewConflictError("an upgrade is in progress, try again shortly")
	}
	return nil
}

func upgradeInFlight(rec *models.EntitlementRecord, now time.Time, ttl time.Duration) bool {
	return rec.UpgradePlan != nil && rec.UpgradeStartedAt != nil && now.Sub(*rec.UpgradeStartedAt) < ttl
}

func advancePeriod(rec *models.EntitlementRecord, periodEnd time.Time) {
	if periodEnd.IsZero() {
		return
	}
	if rec.CurrentPeriodEnd == nil || periodEnd.After(*rec.CurrentPeriodEnd) {
		rec.CurrentPeriodEnd = models.TimePtr(periodEnd.UTC())
	}
}
