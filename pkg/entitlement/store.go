package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/jordanlanch/docvault/pkg/models"
)

var (
	// ErrVersionConflict means another writer saved the record first
	ErrVersionConflict = errors.New("entitlement: version conflict")
	// ErrDuplicateEvent means the provider event id is already in the log
	ErrDuplicateEvent = errors.New("entitlement: event already applied")
)

// Store persists entitlement records and the applied-event log
type Store interface {
	Get(ctx context.Context, userID string) (*models.EntitlementRecord, error)
	// ReadView may return slightly stale data; used for display only.
	ReadView(ctx context.Context, userID string) (*models.EntitlementRecord, error)
	Create(ctx context.Context, rec *models.EntitlementRecord) error
	// Save writes rec if its version is unchanged since it was read and
	// bumps rec.Version. When ev is non-nil it is appended to the event log
	// in the same transaction.
	Save(ctx context.Context, rec *models.EntitlementRecord, ev *models.AppliedEvent) error
	// RecordEvent appends to the event log without touching any record.
	// It reports false when the event id was already present.
	RecordEvent(ctx context.Context, ev *models.AppliedEvent) (bool, error)
	HasEvent(ctx context.Context, eventID string) (bool, error)

	FindByProviderSubscription(ctx context.Context, subscriptionID string) (*models.EntitlementRecord, error)
	FindByProviderCustomer(ctx context.Context, customerID string) (*models.EntitlementRecord, error)

	ListDunning(ctx context.Context) ([]string, error)
	ListDeletionDue(ctx context.Context, now time.Time) ([]string, error)
	ListTrimDue(ctx context.Context, now time.Time) ([]string, error)
	ListResetDue(ctx context.Context, now time.Time) ([]string, error)
	ListWithSubscription(ctx context.Context) ([]string, error)
}
