package entitlement

import (
	"fmt"

	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
)

var (
	validStatuses = map[models.SubscriptionStatus]bool{
		models.StatusActive:   true,
		models.StatusCanceled: true,
		models.StatusExpired:  true,
		models.StatusTrialing: true,
	}
	validPaymentStatuses = map[models.PaymentStatus]bool{
		models.PaymentActive:     true,
		models.PaymentPastDue:    true,
		models.PaymentRestricted: true,
		models.PaymentDowngraded: true,
	}
)

// Validate checks the record invariants. Violations are CorruptRecord errors.
// Canceling is a display status and is never stored.
func Validate(rec *models.EntitlementRecord) error {
	if rec.UserID == "" {
		return domain.NewCorruptRecordError("missing user id")
	}
	limits, err := plans.LimitsFor(rec.Plan)
	if err != nil {
		return err
	}
	if !validStatuses[rec.Status] {
		return corrupt("unknown status %q", rec.Status)
	}
	if !validPaymentStatuses[rec.PaymentStatus] {
		return corrupt("unknown payment status %q", rec.PaymentStatus)
	}
	for _, p := range []*models.Plan{rec.PendingPlan, rec.PreviousPlan, rec.UpgradePlan} {
		if p != nil && !plans.Valid(*p) {
			return corrupt("unknown plan %q", *p)
		}
	}

	if rec.DocumentLimit != limits.DocumentLimit ||
		rec.AIQuestionLimit != limits.AIQuestionLimit ||
		rec.UploadLimit != limits.UploadLimit {
		return corrupt("limits do not match the %s plan", rec.Plan)
	}
	if rec.AIQuestionsUsed < 0 || rec.UploadsUsed < 0 {
		return corrupt("negative usage counter")
	}

	if rec.DunningStep < 0 {
		return corrupt("negative dunning step")
	}
	if rec.PaymentStatus == models.PaymentActive {
		if rec.DunningStep != 0 || rec.PaymentFailedAt != nil || rec.RestrictedAt != nil ||
			rec.DowngradeDate != nil || rec.DeletionDate != nil {
			return corrupt("active payment status with dunning state")
		}
	} else {
		if rec.DunningStep < 1 || rec.PaymentFailedAt == nil {
			return corrupt("payment status %s without a dunning episode", rec.PaymentStatus)
		}
	}
	if rec.PaymentStatus == models.PaymentRestricted && rec.RestrictedAt == nil {
		return corrupt("restricted without restrictedAt")
	}
	if rec.PaymentStatus == models.PaymentDowngraded && rec.DowngradeDate == nil {
		return corrupt("downgraded without downgradeDate")
	}
	if rec.DeletionDate != nil && rec.PaymentStatus != models.PaymentDowngraded {
		return corrupt("deletion scheduled for a %s account", rec.PaymentStatus)
	}
	return nil
}

func corrupt(format string, args ...any) error {
	return domain.NewCorruptRecordError(fmt.Sprintf(format, args...))
}
