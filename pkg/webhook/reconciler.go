package webhook

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/jordanlanch/docvault/pkg/alert"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/dunning"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
)

// Result reports what Apply did with an event
type Result struct {
	Outcome models.EventOutcome
	UserID  string
}

// Recorder counts processed events
type Recorder interface {
	WebhookEvent(eventType, outcome string)
}

// Reconciler applies provider events to entitlement records
type Reconciler struct {
	manager   *entitlement.Manager
	dunning   *dunning.Coordinator
	alerter   alert.Alerter
	recorder  Recorder
	trimGrace time.Duration
	log       logger.Logger
}

// NewReconciler creates a Reconciler. trimGrace is how long documents above
// a lowered limit survive before the sweeper may remove them.
func NewReconciler(manager *entitlement.Manager, coordinator *dunning.Coordinator, trimGrace time.Duration, alerter alert.Alerter, log logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter(log)
	}
	return &Reconciler{
		manager:   manager,
		dunning:   coordinator,
		alerter:   alerter,
		trimGrace: trimGrace,
		log:       log,
	}
}

// SetRecorder sets the metrics recorder
func (r *Reconciler) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Apply processes one event. A nil error means the event is durably
// handled, including duplicates and stale events, and may be acknowledged.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	log := r.log.With("event_id", ev.ID, "type", ev.Type)

	userID, err := r.resolveUser(ctx, &ev)
	if err != nil {
		return Result{}, err
	}

	logged := models.AppliedEvent{
		EventID:    ev.ID,
		UserID:     userID,
		EventType:  string(ev.Type),
		OccurredAt: ev.Created,
	}

	if ev.Type == TypeUnknownPrice {
		outcome, err := r.manager.RecordUnmatchedEvent(ctx, logged)
		if err != nil {
			return Result{}, err
		}
		if outcome == models.OutcomeIgnored {
			r.alerter.UnknownPrice(ctx, ev.SubscriptionID, ev.Err)
		}
		log.Error("webhook event references an unknown price",
			"user_id", userID, "subscription_id", ev.SubscriptionID, "outcome", outcome, "error", ev.Err)
		r.record(ev, outcome)
		return Result{Outcome: outcome, UserID: userID}, nil
	}

	if userID == "" {
		outcome, err := r.manager.RecordUnmatchedEvent(ctx, logged)
		if err != nil {
			return Result{}, err
		}
		log.Warn("webhook event matches no user",
			"customer_id", ev.CustomerID, "subscription_id", ev.SubscriptionID, "outcome", outcome)
		r.record(ev, outcome)
		return Result{Outcome: outcome}, nil
	}

	var change dunning.Change
	outcome, rec, err := r.manager.ApplyEvent(ctx, userID, logged, func(rec *models.EntitlementRecord) (models.EventOutcome, error) {
		change = dunning.Change{}
		before := rec.Clone()
		outcome, ch, err := r.mutate(ctx, rec, &ev)
		if err != nil || outcome != models.OutcomeApplied {
			return outcome, err
		}
		if reflect.DeepEqual(before, rec) {
			return models.OutcomeIgnored, nil
		}
		change = ch
		return models.OutcomeApplied, nil
	})
	if err != nil {
		log.Error("failed to apply webhook event", "user_id", userID, "error", err)
		return Result{}, err
	}

	switch outcome {
	case models.OutcomeStale:
		log.Warn("stale webhook event acknowledged", "user_id", userID, "error", domain.NewStaleEventError(ev.ID))
	case models.OutcomeDuplicate:
		log.Info("duplicate webhook event acknowledged", "user_id", userID)
	default:
		log.Info("webhook event processed", "user_id", userID, "outcome", outcome)
	}

	if outcome == models.OutcomeApplied && r.dunning != nil {
		r.dunning.Announce(ctx, rec, change)
	}
	r.record(ev, outcome)
	return Result{Outcome: outcome, UserID: userID}, nil
}

func (r *Reconciler) mutate(ctx context.Context, rec *models.EntitlementRecord, ev *Event) (models.EventOutcome, dunning.Change, error) {
	now := r.manager.Now()

	switch ev.Type {
	case TypeCheckoutCompleted:
		outcome, err := applyCheckout(rec, ev)
		return outcome, dunning.Change{}, err

	case TypeSubscriptionUpdated:
		outcome, err := applySnapshot(rec, ev.Snapshot, now, r.trimGrace)
		return outcome, dunning.Change{}, err

	case TypeSubscriptionDeleted:
		if !belongsToRecord(rec, ev.SubscriptionID) || rec.Status == models.StatusCanceled {
			return models.OutcomeIgnored, dunning.Change{}, nil
		}
		if err := dunning.SubscriptionDeleted(rec, now, r.trimGrace); err != nil {
			return "", dunning.Change{}, err
		}
		return models.OutcomeApplied, dunning.Change{}, nil

	case TypePaymentFailed, TypePaymentSucceeded:
		if !belongsToRecord(rec, ev.SubscriptionID) {
			return models.OutcomeIgnored, dunning.Change{}, nil
		}
		if paymentIsStale(rec, ev.Created) {
			return models.OutcomeStale, dunning.Change{}, nil
		}
		cfg := r.dunningConfig()
		if err := dunning.CheckConsistency(rec, cfg); err != nil {
			r.alerter.CorruptRecord(ctx, rec.UserID, err)
			return "", dunning.Change{}, err
		}

		var ch dunning.Change
		if ev.Type == TypePaymentFailed {
			var err error
			if ch, err = dunning.PaymentFailed(rec, now, cfg); err != nil {
				return "", dunning.Change{}, err
			}
		} else {
			ch = dunning.Recover(rec)
		}
		rec.LastPaymentEventAt = models.TimePtr(ev.Created)
		return models.OutcomeApplied, ch, nil
	}

	return models.OutcomeIgnored, dunning.Change{}, nil
}

func (r *Reconciler) dunningConfig() dunning.Config {
	if r.dunning == nil {
		return dunning.DefaultConfig()
	}
	return r.dunning.Config()
}

// resolveUser finds the record an event is about: by subscription, then by
// customer, then by the user id the checkout stamped into metadata.
func (r *Reconciler) resolveUser(ctx context.Context, ev *Event) (string, error) {
	store := r.manager.Store()

	if ev.SubscriptionID != "" {
		rec, err := store.FindByProviderSubscription(ctx, ev.SubscriptionID)
		if err == nil {
			return rec.UserID, nil
		}
		if !domain.IsNotFound(err) {
			return "", err
		}
	}
	if ev.CustomerID != "" {
		rec, err := store.FindByProviderCustomer(ctx, ev.CustomerID)
		if err == nil {
			return rec.UserID, nil
		}
		if !domain.IsNotFound(err) {
			return "", err
		}
	}
	if ev.UserID != "" {
		rec, err := store.Get(ctx, ev.UserID)
		if err == nil {
			return rec.UserID, nil
		}
		if !domain.IsNotFound(err) {
			return "", fmt.Errorf("failed to look up user %s: %w", ev.UserID, err)
		}
	}
	return "", nil
}

func (r *Reconciler) record(ev Event, outcome models.EventOutcome) {
	if r.recorder != nil {
		r.recorder.WebhookEvent(string(ev.Type), string(outcome))
	}
}
