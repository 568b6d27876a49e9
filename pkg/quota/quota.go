// Package quota answers "may this user do X now" and counts usage.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanlanch/docvault/pkg/documents"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
)

const (
	KindUpload     = "upload"
	KindAIQuestion = "ai_question"
)

// DenialRecorder counts refused usage; metrics implement it
type DenialRecorder interface {
	QuotaDenied(kind string)
}

// Enforcer checks and increments usage counters under the per-user lock
type Enforcer struct {
	manager *entitlement.Manager
	docs    documents.Counter
	denials DenialRecorder
	log     logger.Logger
}

// NewEnforcer creates an Enforcer
func NewEnforcer(manager *entitlement.Manager, docs documents.Counter, log logger.Logger) *Enforcer {
	if log == nil {
		log = logger.Default()
	}
	return &Enforcer{manager: manager, docs: docs, log: log}
}

// SetDenialRecorder sets the recorder for refused increments
func (e *Enforcer) SetDenialRecorder(r DenialRecorder) {
	e.denials = r
}

// CanUpload is true iff the live document count is below the document
// limit and the upload counter is below the upload limit. Restricted
// accounts can never upload.
func CanUpload(rec *models.EntitlementRecord, documentCount int) bool {
	if rec.IsRestricted() {
		return false
	}
	return documentCount < rec.DocumentLimit && rec.UploadsUsed < rec.UploadLimit
}

// CanAskQuestion is true for paid plans, or for free users below the limit.
// Restricted accounts can never ask.
func CanAskQuestion(rec *models.EntitlementRecord) bool {
	if rec.IsRestricted() {
		return false
	}
	return rec.Plan != models.PlanFree || rec.AIQuestionsUsed < rec.AIQuestionLimit
}

// ApplyResets zeroes any counter whose reset time has passed and moves that
// reset time to the next monthly boundary. It reports whether anything changed.
func ApplyResets(rec *models.EntitlementRecord, now time.Time) bool {
	changed := false
	if !rec.UploadsResetAt.After(now) {
		rec.UploadsUsed = 0
		rec.UploadsResetAt = entitlement.AdvanceReset(rec.UploadsResetAt, now)
		changed = true
	}
	if !rec.AIQuestionsResetAt.After(now) {
		rec.AIQuestionsUsed = 0
		rec.AIQuestionsResetAt = entitlement.AdvanceReset(rec.AIQuestionsResetAt, now)
		changed = true
	}
	return changed
}

// CanUpload evaluates the upload predicate against current data
func (e *Enforcer) CanUpload(ctx context.Context, userID string) (bool, error) {
	rec, err := e.manager.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	ApplyResets(rec, e.manager.Now())

	count, err := e.docs.Count(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to count documents: %w", err)
	}
	return CanUpload(rec, count), nil
}

// CanAskQuestion evaluates the AI question predicate against current data
func (e *Enforcer) CanAskQuestion(ctx context.Context, userID string) (bool, error) {
	rec, err := e.manager.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	ApplyResets(rec, e.manager.Now())
	return CanAskQuestion(rec), nil
}

// RecordUpload resets the counter if due, re-checks the predicate and
// increments by one, all under the user's lock. A false predicate is
// rejected with QuotaExceeded and nothing is written.
func (e *Enforcer) RecordUpload(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	rec, err := e.manager.Update(ctx, userID, func(rec *models.EntitlementRecord) error {
		ApplyResets(rec, e.manager.Now())

		count, err := e.docs.Count(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to count documents: %w", err)
		}
		if !CanUpload(rec, count) {
			return e.denied(KindUpload, rec, rec.UploadsUsed, rec.UploadLimit)
		}
		rec.UploadsUsed++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordQuestion is RecordUpload for AI questions
func (e *Enforcer) RecordQuestion(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	rec, err := e.manager.Update(ctx, userID, func(rec *models.EntitlementRecord) error {
		ApplyResets(rec, e.manager.Now())

		if !CanAskQuestion(rec) {
			return e.denied(KindAIQuestion, rec, rec.AIQuestionsUsed, rec.AIQuestionLimit)
		}
		rec.AIQuestionsUsed++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ResetDue persists counter resets for one user; the periodic resetter calls it
func (e *Enforcer) ResetDue(ctx context.Context, userID string) (bool, error) {
	changed := false
	_, err := e.manager.Update(ctx, userID, func(rec *models.EntitlementRecord) error {
		if !ApplyResets(rec, e.manager.Now()) {
			return entitlement.ErrNoChange
		}
		changed = true
		return nil
	})
	return changed, err
}

// ResetAllDue runs ResetDue for every user with a passed reset time
func (e *Enforcer) ResetAllDue(ctx context.Context) (int, error) {
	ids, err := e.manager.Store().ListResetDue(ctx, e.manager.Now())
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return reset, ctx.Err()
		}
		changed, err := e.ResetDue(ctx, id)
		if err != nil {
			e.log.Error("failed to reset usage counters", "user_id", id, "error", err)
			continue
		}
		if changed {
			reset++
		}
	}
	return reset, nil
}

// Usage is the lock-free dashboard read. Counters whose reset time has
// passed are shown as zero even before the resetter persists it.
func (e *Enforcer) Usage(ctx context.Context, userID string) (*models.EntitlementRecord, int, error) {
	rec, err := e.manager.View(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	ApplyResets(rec, e.manager.Now())

	count, err := e.docs.Count(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return rec, count, nil
}

func (e *Enforcer) denied(kind string, rec *models.EntitlementRecord, used, limit int) error {
	if e.denials != nil {
		e.denials.QuotaDenied(kind)
	}
	e.log.Info("quota denied", "user_id", rec.UserID, "kind", kind, "used", used, "limit", limit, "payment_status", rec.PaymentStatus)
	return domain.NewQuotaExceededError(kind, used, limit)
}
