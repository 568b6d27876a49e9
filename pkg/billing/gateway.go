// Package billing talks to the payment provider. Nothing in here decides
// entitlements; callers commit local state only after a gateway call
// succeeds.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jordanlanch/docvault/pkg/models"
)

var (
	// ErrNoSubscription is returned for operations that need an existing
	// provider subscription when the account has none.
	ErrNoSubscription = errors.New("billing: account has no provider subscription")

	// ErrUnknownPrice is returned when a provider price maps to no plan
	ErrUnknownPrice = errors.New("billing: price does not map to a plan")
)

// Account identifies the provider side of a user
type Account struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
}

// CheckoutSession is a hosted checkout the client is redirected to
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// ProrationPreview is the immediate charge for switching plans now
type ProrationPreview struct {
	Plan          models.Plan
	Amount        int64
	Currency      string
	ProrationDate time.Time
	Display       string
}

// SubscriptionSnapshot is the provider's canonical view of a subscription
type SubscriptionSnapshot struct {
	SubscriptionID    string
	CustomerID        string
	UserID            string
	Plan              models.Plan
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// Price is the recurring price of a plan
type Price struct {
	Plan     models.Plan `json:"plan"`
	Amount   int64       `json:"amount"`
	Currency string      `json:"currency"`
}

// Gateway is the payment provider. Every mutating call takes an
// idempotency key so a retried request is charged at most once.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, acct Account, plan models.Plan, idempotencyKey string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
	PreviewUpgrade(ctx context.Context, acct Account, plan models.Plan) (*ProrationPreview, error)
	ApplyUpgrade(ctx context.Context, acct Account, plan models.Plan, prorationDate time.Time, idempotencyKey string) (*SubscriptionSnapshot, error)
	ScheduleDowngrade(ctx context.Context, acct Account, plan models.Plan, idempotencyKey string) error
	CancelAtPeriodEnd(ctx context.Context, acct Account, idempotencyKey string) error
	Reactivate(ctx context.Context, acct Account, plan models.Plan, idempotencyKey string) error
	Resubscribe(ctx context.Context, acct Account, plan models.Plan, idempotencyKey string) (*SubscriptionSnapshot, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
	PlanPrice(ctx context.Context, plan models.Plan) (*Price, error)
}
