package database

import (
	"context"
	"fmt"
)

// Statements are written in the subset shared by PostgreSQL and SQLite.
// Timestamps are stored as UTC in TIMESTAMP columns.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS entitlements (
		user_id                  TEXT PRIMARY KEY,
		plan                     TEXT NOT NULL,
		status                   TEXT NOT NULL,
		payment_status           TEXT NOT NULL,
		dunning_step             INTEGER NOT NULL DEFAULT 0,
		document_limit           INTEGER NOT NULL,
		ai_question_limit        INTEGER NOT NULL,
		ai_questions_used        INTEGER NOT NULL DEFAULT 0,
		upload_limit             INTEGER NOT NULL,
		uploads_used             INTEGER NOT NULL DEFAULT 0,
		ai_questions_reset_at    TIMESTAMP NOT NULL,
		uploads_reset_at         TIMESTAMP NOT NULL,
		current_period_end       TIMESTAMP NULL,
		cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
		pending_plan             TEXT NULL,
		documents_to_keep        TEXT NULL,
		previous_plan            TEXT NULL,
		trim_documents_at        TIMESTAMP NULL,
		payment_failed_at        TIMESTAMP NULL,
		restricted_at            TIMESTAMP NULL,
		downgrade_date           TIMESTAMP NULL,
		deletion_date            TIMESTAMP NULL,
		upgrade_plan             TEXT NULL,
		upgrade_idempotency_key  TEXT NOT NULL DEFAULT '',
		upgrade_started_at       TIMESTAMP NULL,
		provider_customer_id     TEXT NULL UNIQUE,
		provider_subscription_id TEXT NULL UNIQUE,
		last_applied_event_id    TEXT NOT NULL DEFAULT '',
		last_payment_event_at    TIMESTAMP NULL,
		version                  BIGINT NOT NULL DEFAULT 1,
		created_at               TIMESTAMP NOT NULL,
		updated_at               TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entitlements_payment_status ON entitlements (payment_status)`,
	`CREATE INDEX IF NOT EXISTS idx_entitlements_deletion_date ON entitlements (deletion_date)`,
	`CREATE INDEX IF NOT EXISTS idx_entitlements_trim_documents_at ON entitlements (trim_documents_at)`,
	`CREATE TABLE IF NOT EXISTS applied_events (
		event_id    TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		applied_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_applied_events_user ON applied_events (user_id, applied_at)`,
}

// Migrate creates the engine tables when they do not exist
func (c *Client) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	c.log.Info("database migrations applied", "statements", len(schema))
	return nil
}
