package entitlement

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, nil), mock
}

func TestSQLStore_SaveRollsBackWhenEventInsertFails(t *testing.T) {
	store, mock := newMockStore(t)
	rec := newRecord(t, "user-1")
	ev := &models.AppliedEvent{EventID: "evt_1", UserID: "user-1", EventType: "invoice.paid",
		Outcome: models.OutcomeApplied, OccurredAt: baseTime, AppliedAt: baseTime}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE entitlements SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO applied_events")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.Save(context.Background(), rec, ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(1), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SaveCommitFailure(t *testing.T) {
	store, mock := newMockStore(t)
	rec := newRecord(t, "user-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE entitlements SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := store.Save(context.Background(), rec, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PostgresUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entitlements")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := store.Create(context.Background(), newRecord(t, "user-1"))
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id FROM entitlements WHERE payment_status")).
		WillReturnError(errors.New("timeout"))

	_, err := store.ListDunning(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
