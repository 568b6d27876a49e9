package entitlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const recordColumns = `user_id, plan, status, payment_status, dunning_step,
	document_limit, ai_question_limit, ai_questions_used, upload_limit, uploads_used,
	ai_questions_reset_at, uploads_reset_at, current_period_end, cancel_at_period_end,
	pending_plan, documents_to_keep, previous_plan, trim_documents_at,
	payment_failed_at, restricted_at, downgrade_date, deletion_date,
	upgrade_plan, upgrade_idempotency_key, upgrade_started_at,
	provider_customer_id, provider_subscription_id, last_applied_event_id, last_payment_event_at,
	version, created_at, updated_at`

// SQLStore implements Store on database/sql. The queries run unchanged on
// PostgreSQL (lib/pq) and SQLite (go-sqlite3).
type SQLStore struct {
	db     *sql.DB
	reader *sql.DB
}

// NewSQLStore creates a store. reader serves ReadView and may be a replica;
// nil means the primary.
func NewSQLStore(db *sql.DB, reader *sql.DB) *SQLStore {
	if reader == nil {
		reader = db
	}
	return &SQLStore{db: db, reader: reader}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) Get(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	return s.getOne(ctx, s.db, `SELECT `+recordColumns+` FROM entitlements WHERE user_id = $1`, userID)
}

func (s *SQLStore) ReadView(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	return s.getOne(ctx, s.reader, `SELECT `+recordColumns+` FROM entitlements WHERE user_id = $1`, userID)
}

func (s *SQLStore) FindByProviderSubscription(ctx context.Context, subscriptionID string) (*models.EntitlementRecord, error) {
	return s.getOne(ctx, s.db, `SELECT `+recordColumns+` FROM entitlements WHERE provider_subscription_id = $1`, subscriptionID)
}

func (s *SQLStore) FindByProviderCustomer(ctx context.Context, customerID string) (*models.EntitlementRecord, error) {
	return s.getOne(ctx, s.db, `SELECT `+recordColumns+` FROM entitlements WHERE provider_customer_id = $1`, customerID)
}

func (s *SQLStore) getOne(ctx context.Context, db *sql.DB, query string, arg string) (*models.EntitlementRecord, error) {
	rec, err := scanRecord(db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("entitlement")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) Create(ctx context.Context, rec *models.EntitlementRecord) error {
	keep, err := encodeKeep(rec.DocumentsToKeep)
	if err != nil {
		return err
	}
	if rec.Version == 0 {
		rec.Version = 1
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO entitlements (`+recordColumns+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)`,
		rec.UserID, string(rec.Plan), string(rec.Status), string(rec.PaymentStatus), rec.DunningStep,
		rec.DocumentLimit, rec.AIQuestionLimit, rec.AIQuestionsUsed, rec.UploadLimit, rec.UploadsUsed,
		rec.AIQuestionsResetAt.UTC(), rec.UploadsResetAt.UTC(), nullTime(rec.CurrentPeriodEnd), rec.CancelAtPeriodEnd,
		nullPlan(rec.PendingPlan), keep, nullPlan(rec.PreviousPlan), nullTime(rec.TrimDocumentsAt),
		nullTime(rec.PaymentFailedAt), nullTime(rec.RestrictedAt), nullTime(rec.DowngradeDate), nullTime(rec.DeletionDate),
		nullPlan(rec.UpgradePlan), rec.UpgradeIdempotencyKey, nullTime(rec.UpgradeStartedAt),
		nullString(rec.ProviderCustomerID), nullString(rec.ProviderSubscriptionID), rec.LastAppliedEventID, nullTime(rec.LastPaymentEventAt),
		rec.Version, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return domain.NewConflictError("entitlement already exists or provider id is in use")
	}
	if err != nil {
		return fmt.Errorf("failed to create entitlement: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, rec *models.EntitlementRecord, ev *models.AppliedEvent) error {
	keep, err := encodeKeep(rec.DocumentsToKeep)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE entitlements SET
		plan = $1, status = $2, payment_status = $3, dunning_step = $4,
		document_limit = $5, ai_question_limit = $6, ai_questions_used = $7, upload_limit = $8, uploads_used = $9,
		ai_questions_reset_at = $10, uploads_reset_at = $11, current_period_end = $12, cancel_at_period_end = $13,
		pending_plan = $14, documents_to_keep = $15, previous_plan = $16, trim_documents_at = $17,
		payment_failed_at = $18, restricted_at = $19, downgrade_date = $20, deletion_date = $21,
		upgrade_plan = $22, upgrade_idempotency_key = $23, upgrade_started_at = $24,
		provider_customer_id = $25, provider_subscription_id = $26, last_applied_event_id = $27, last_payment_event_at = $28,
		version = $29, updated_at = $30
		WHERE user_id = $31 AND version = $32`,
		string(rec.Plan), string(rec.Status), string(rec.PaymentStatus), rec.DunningStep,
		rec.DocumentLimit, rec.AIQuestionLimit, rec.AIQuestionsUsed, rec.UploadLimit, rec.UploadsUsed,
		rec.AIQuestionsResetAt.UTC(), rec.UploadsResetAt.UTC(), nullTime(rec.CurrentPeriodEnd), rec.CancelAtPeriodEnd,
		nullPlan(rec.PendingPlan), keep, nullPlan(rec.PreviousPlan), nullTime(rec.TrimDocumentsAt),
		nullTime(rec.PaymentFailedAt), nullTime(rec.RestrictedAt), nullTime(rec.DowngradeDate), nullTime(rec.DeletionDate),
		nullPlan(rec.UpgradePlan), rec.UpgradeIdempotencyKey, nullTime(rec.UpgradeStartedAt),
		nullString(rec.ProviderCustomerID), nullString(rec.ProviderSubscriptionID), rec.LastAppliedEventID, nullTime(rec.LastPaymentEventAt),
		rec.Version+1, rec.UpdatedAt.UTC(),
		rec.UserID, rec.Version,
	)
	if isUniqueViolation(err) {
		return domain.NewConflictError("provider id is linked to another user")
	}
	if err != nil {
		return fmt.Errorf("failed to update entitlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}

	if ev != nil {
		inserted, err := insertEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrDuplicateEvent
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entitlement: %w", err)
	}
	rec.Version++
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev *models.AppliedEvent) (bool, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO applied_events (event_id, user_id, event_type, outcome, occurred_at, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.UserID, ev.EventType, string(ev.Outcome), ev.OccurredAt.UTC(), ev.AppliedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", ev.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) RecordEvent(ctx context.Context, ev *models.AppliedEvent) (bool, error) {
	return insertEvent(ctx, s.db, ev)
}

func (s *SQLStore) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM applied_events WHERE event_id = $1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up event %s: %w", eventID, err)
	}
	return true, nil
}

// Event returns one row of the applied-event log
func (s *SQLStore) Event(ctx context.Context, eventID string) (*models.AppliedEvent, error) {
	var ev models.AppliedEvent
	var outcome string
	err := s.db.QueryRowContext(ctx, `SELECT event_id, user_id, event_type, outcome, occurred_at, applied_at
		FROM applied_events WHERE event_id = $1`, eventID).
		Scan(&ev.EventID, &ev.UserID, &ev.EventType, &outcome, &ev.OccurredAt, &ev.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("event")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	ev.Outcome = models.EventOutcome(outcome)
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.AppliedAt = ev.AppliedAt.UTC()
	return &ev, nil
}

func (s *SQLStore) ListDunning(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT user_id FROM entitlements WHERE payment_status <> $1 ORDER BY user_id`,
		string(models.PaymentActive))
}

func (s *SQLStore) ListDeletionDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.listIDs(ctx, `SELECT user_id FROM entitlements
		WHERE deletion_date IS NOT NULL AND deletion_date <= $1 AND payment_status = $2 ORDER BY user_id`,
		now.UTC(), string(models.PaymentDowngraded))
}

func (s *SQLStore) ListTrimDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.listIDs(ctx, `SELECT user_id FROM entitlements
		WHERE trim_documents_at IS NOT NULL AND trim_documents_at <= $1 ORDER BY user_id`, now.UTC())
}

func (s *SQLStore) ListResetDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.listIDs(ctx, `SELECT user_id FROM entitlements
		WHERE ai_questions_reset_at <= $1 OR uploads_reset_at <= $1 ORDER BY user_id`, now.UTC())
}

func (s *SQLStore) ListWithSubscription(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT user_id FROM entitlements WHERE provider_subscription_id IS NOT NULL ORDER BY user_id`)
}

func (s *SQLStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRecord(row rowScanner) (*models.EntitlementRecord, error) {
	var (
		rec                                                 models.EntitlementRecord
		plan, status, paymentStatus                         string
		pendingPlan, keep, previousPlan, upgradePlan        sql.NullString
		customerID, subscriptionID                          sql.NullString
		periodEnd, trimAt, failedAt, restrictedAt           sql.NullTime
		downgradeDate, deletionDate, upgradeStarted, lastPE sql.NullTime
	)

	err := row.Scan(
		&rec.UserID, &plan, &status, &paymentStatus, &rec.DunningStep,
		&rec.DocumentLimit, &rec.AIQuestionLimit, &rec.AIQuestionsUsed, &rec.UploadLimit, &rec.UploadsUsed,
		&rec.AIQuestionsResetAt, &rec.UploadsResetAt, &periodEnd, &rec.CancelAtPeriodEnd,
		&pendingPlan, &keep, &previousPlan, &trimAt,
		&failedAt, &restrictedAt, &downgradeDate, &deletionDate,
		&upgradePlan, &rec.UpgradeIdempotencyKey, &upgradeStarted,
		&customerID, &subscriptionID, &rec.LastAppliedEventID, &lastPE,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Plan = models.Plan(plan)
	rec.Status = models.SubscriptionStatus(status)
	rec.PaymentStatus = models.PaymentStatus(paymentStatus)
	rec.AIQuestionsResetAt = rec.AIQuestionsResetAt.UTC()
	rec.UploadsResetAt = rec.UploadsResetAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.CurrentPeriodEnd = fromNullTime(periodEnd)
	rec.PendingPlan = fromNullPlan(pendingPlan)
	rec.PreviousPlan = fromNullPlan(previousPlan)
	rec.UpgradePlan = fromNullPlan(upgradePlan)
	rec.TrimDocumentsAt = fromNullTime(trimAt)
	rec.PaymentFailedAt = fromNullTime(failedAt)
	rec.RestrictedAt = fromNullTime(restrictedAt)
	rec.DowngradeDate = fromNullTime(downgradeDate)
	rec.DeletionDate = fromNullTime(deletionDate)
	rec.UpgradeStartedAt = fromNullTime(upgradeStarted)
	rec.LastPaymentEventAt = fromNullTime(lastPE)
	rec.ProviderCustomerID = customerID.String
	rec.ProviderSubscriptionID = subscriptionID.String

	if keep.Valid && keep.String != "" {
		if err := json.Unmarshal([]byte(keep.String), &rec.DocumentsToKeep); err != nil {
			return nil, domain.NewCorruptRecordError("documents_to_keep is not a JSON array")
		}
	}
	return &rec, nil
}

func encodeKeep(ids []string) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode documents_to_keep: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullPlan(p *models.Plan) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func fromNullPlan(s sql.NullString) *models.Plan {
	if !s.Valid || s.String == "" {
		return nil
	}
	p := models.Plan(s.String)
	return &p
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
