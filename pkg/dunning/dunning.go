// Package dunning runs the payment-failure state machine. Transitions are
// plain functions over a record; Coordinator persists them and tells the
// user what happened.
package dunning

import (
	"fmt"
	"time"

	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/notify"
	"github.com/jordanlanch/docvault/pkg/plans"
)

// Config holds the escalation thresholds
type Config struct {
	RestrictStep  int
	DowngradeStep int
	FinalStep     int
	// StepSchedule[i] is the time since the first failure at which step i+1
	// is reached even without further failure events.
	StepSchedule    []time.Duration
	RetentionWindow time.Duration
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		RestrictStep:  3,
		DowngradeStep: 5,
		FinalStep:     7,
		StepSchedule: []time.Duration{
			0,
			72 * time.Hour,
			168 * time.Hour,
			240 * time.Hour,
			336 * time.Hour,
			504 * time.Hour,
			672 * time.Hour,
		},
		RetentionWindow: 720 * time.Hour,
	}
}

// Validate checks the thresholds are ordered
func (c Config) Validate() error {
	if c.RestrictStep < 1 || c.RestrictStep > c.DowngradeStep || c.DowngradeStep > c.FinalStep {
		return fmt.Errorf("dunning steps must satisfy 1 <= restrict <= downgrade <= final, got %d/%d/%d",
			c.RestrictStep, c.DowngradeStep, c.FinalStep)
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("retention window must be positive")
	}
	return nil
}

// Change describes what a transition did to a record
type Change struct {
	From     models.PaymentStatus
	To       models.PaymentStatus
	FromStep int
	ToStep   int
	// Reached lists milestones entered by this transition, in order.
	Reached []notify.Kind
}

// Changed reports whether the record was modified
func (c Change) Changed() bool {
	return c.From != c.To || c.FromStep != c.ToStep || len(c.Reached) > 0
}

func begin(rec *models.EntitlementRecord) Change {
	return Change{From: rec.PaymentStatus, To: rec.PaymentStatus, FromStep: rec.DunningStep, ToStep: rec.DunningStep}
}

// PaymentFailed counts one failed charge. The first failure opens the
// episode; later ones bump the step.
func PaymentFailed(rec *models.EntitlementRecord, now time.Time, cfg Config) (Change, error) {
	ch := begin(rec)
	if rec.PaymentStatus == models.PaymentActive {
		rec.PaymentStatus = models.PaymentPastDue
		rec.DunningStep = 1
		rec.PaymentFailedAt = models.TimePtr(now)
		ch.Reached = append(ch.Reached, notify.KindPaymentFailed)
	} else {
		rec.DunningStep++
	}
	return finish(rec, now, cfg, ch)
}

// Escalate moves the step forward by elapsed time since the first failure.
// The step never moves backwards. Milestones are only re-evaluated when the
// step moves; a swept account keeps its cleared deletion date.
func Escalate(rec *models.EntitlementRecord, now time.Time, cfg Config) (Change, error) {
	ch := begin(rec)
	if rec.PaymentStatus == models.PaymentActive || rec.PaymentFailedAt == nil {
		return ch, nil
	}
	step := StepForElapsed(now.Sub(*rec.PaymentFailedAt), cfg)
	if step <= rec.DunningStep {
		return ch, nil
	}
	rec.DunningStep = step
	return finish(rec, now, cfg, ch)
}

// StepForElapsed is the highest step whose schedule entry has passed
func StepForElapsed(elapsed time.Duration, cfg Config) int {
	step := 0
	for i, at := range cfg.StepSchedule {
		if elapsed >= at {
			step = i + 1
		}
	}
	return step
}

// Recover closes the episode after a successful payment. Every milestone
// is cleared at once; the plan stays where dunning left it.
func Recover(rec *models.EntitlementRecord) Change {
	ch := begin(rec)
	if rec.PaymentStatus == models.PaymentActive {
		return ch
	}
	rec.ClearDunning()
	ch.To = rec.PaymentStatus
	ch.ToStep = rec.DunningStep
	return ch
}

// finish applies the threshold milestones the current step has crossed
func finish(rec *models.EntitlementRecord, now time.Time, cfg Config, ch Change) (Change, error) {
	if rec.PaymentStatus == models.PaymentPastDue && rec.DunningStep >= cfg.RestrictStep {
		rec.PaymentStatus = models.PaymentRestricted
		if rec.RestrictedAt == nil {
			rec.RestrictedAt = models.TimePtr(now)
		}
		ch.Reached = append(ch.Reached, notify.KindRestricted)
	}

	if rec.PaymentStatus == models.PaymentRestricted && rec.DunningStep >= cfg.DowngradeStep {
		if err := forceFree(rec); err != nil {
			return ch, err
		}
		rec.PaymentStatus = models.PaymentDowngraded
		if rec.DowngradeDate == nil {
			rec.DowngradeDate = models.TimePtr(now)
		}
		ch.Reached = append(ch.Reached, notify.KindDowngraded)
	}

	if rec.PaymentStatus == models.PaymentDowngraded && rec.DunningStep >= cfg.FinalStep && rec.DeletionDate == nil {
		rec.DeletionDate = models.TimePtr(now.Add(cfg.RetentionWindow))
		ch.Reached = append(ch.Reached, notify.KindDeletionScheduled)
	}

	ch.To = rec.PaymentStatus
	ch.ToStep = rec.DunningStep
	return ch, nil
}

// forceFree drops a paid plan to free and remembers what it was
func forceFree(rec *models.EntitlementRecord) error {
	if rec.Plan != models.PlanFree && rec.PreviousPlan == nil {
		rec.PreviousPlan = models.PlanPtr(rec.Plan)
	}
	rec.ClearPending()
	return plans.ApplyLimits(rec, models.PlanFree)
}

// SubscriptionDeleted ends the subscription. The payment axis is left alone
// so an open dunning episode keeps escalating. A paid plan falls to free;
// outside dunning, excess documents become trimmable after trimGrace.
func SubscriptionDeleted(rec *models.EntitlementRecord, now time.Time, trimGrace time.Duration) error {
	wasPaid := rec.Plan != models.PlanFree
	keep := rec.DocumentsToKeep
	if rec.PendingPlan == nil || *rec.PendingPlan != models.PlanFree {
		keep = nil
	}

	rec.Status = models.StatusCanceled
	rec.CancelAtPeriodEnd = false
	rec.ClearUpgrade()
	if err := forceFree(rec); err != nil {
		return err
	}
	if wasPaid && rec.PaymentStatus == models.PaymentActive {
		rec.DocumentsToKeep = keep
		rec.TrimDocumentsAt = models.TimePtr(now.Add(trimGrace))
	}
	return nil
}

// Banner tiers shown by clients
const (
	TierNone              = "none"
	TierPaymentFailed     = "payment_failed"
	TierRestricted        = "restricted"
	TierDowngraded        = "downgraded"
	TierDeletionScheduled = "deletion_scheduled"
)

// BannerFor derives the client banner from the record
func BannerFor(rec *models.EntitlementRecord) models.BannerInfo {
	b := models.BannerInfo{Tier: TierNone, DunningStep: rec.DunningStep}
	switch rec.PaymentStatus {
	case models.PaymentPastDue:
		b.Tier = TierPaymentFailed
	case models.PaymentRestricted:
		b.Tier = TierRestricted
	case models.PaymentDowngraded:
		b.Tier = TierDowngraded
		if rec.DeletionDate != nil {
			b.Tier = TierDeletionScheduled
			d := *rec.DeletionDate
			b.DeletionDate = &d
		}
	}
	return b
}

// CheckConsistency verifies the payment status agrees with the step under cfg
func CheckConsistency(rec *models.EntitlementRecord, cfg Config) error {
	switch rec.PaymentStatus {
	case models.PaymentActive:
		if rec.DunningStep != 0 {
			return inconsistent(rec)
		}
	case models.PaymentPastDue:
		if rec.DunningStep < 1 || rec.DunningStep >= cfg.RestrictStep {
			return inconsistent(rec)
		}
	case models.PaymentRestricted:
		if rec.DunningStep < cfg.RestrictStep || rec.DunningStep >= cfg.DowngradeStep {
			return inconsistent(rec)
		}
	case models.PaymentDowngraded:
		if rec.DunningStep < cfg.DowngradeStep || rec.Plan != models.PlanFree {
			return inconsistent(rec)
		}
		if rec.DeletionDate != nil && rec.DunningStep < cfg.FinalStep {
			return inconsistent(rec)
		}
	}
	return nil
}

func inconsistent(rec *models.EntitlementRecord) error {
	return domain.NewCorruptRecordError(fmt.Sprintf("payment status %s does not match dunning step %d",
		rec.PaymentStatus, rec.DunningStep))
}
