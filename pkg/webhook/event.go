// Package webhook turns provider events into entitlement changes. Events
// arrive at least once and in any order; Reconciler applies each one at
// most once and never lets an older snapshot undo a newer one.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
	"github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
)

// ErrInvalidSignature means the payload was not signed with our secret
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Type is the provider-neutral kind of an event
type Type string

const (
	TypeCheckoutCompleted   Type = "checkout_completed"
	TypeSubscriptionUpdated Type = "subscription_updated"
	TypeSubscriptionDeleted Type = "subscription_deleted"
	TypePaymentFailed       Type = "payment_failed"
	TypePaymentSucceeded    Type = "payment_succeeded"
	TypeUnknownPrice        Type = "unknown_price"
	TypeUnhandled           Type = "unhandled"
)

// Event is a decoded provider event
type Event struct {
	ID string
	// ProviderType is the provider's own name for the event, kept for the log.
	ProviderType   string
	Type           Type
	Created        time.Time
	UserID         string
	CustomerID     string
	SubscriptionID string
	// Plan is set for checkout completions that carry it in metadata.
	Plan     models.Plan
	Snapshot *billing.SubscriptionSnapshot
	// Err explains a TypeUnknownPrice event.
	Err error
}

// SnapshotResolver converts provider subscriptions to snapshots
type SnapshotResolver interface {
	SnapshotFromSubscription(sub *stripe.Subscription) (*billing.SubscriptionSnapshot, error)
}

// StripeDecoder verifies and decodes Stripe webhook payloads
type StripeDecoder struct {
	secret   string
	resolver SnapshotResolver
}

// NewStripeDecoder creates a StripeDecoder
func NewStripeDecoder(secret string, resolver SnapshotResolver) *StripeDecoder {
	return &StripeDecoder{secret: secret, resolver: resolver}
}

// Decode checks the Stripe-Signature header and maps the event
func (d *StripeDecoder) Decode(payload []byte, signature string) (*Event, error) {
	if d.secret == "" {
		return nil, fmt.Errorf("webhook secret not configured")
	}
	event, err := stripewebhook.ConstructEventWithOptions(payload, signature, d.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return d.mapEvent(&event)
}

func (d *StripeDecoder) mapEvent(event *stripe.Event) (*Event, error) {
	ev := &Event{
		ID:           event.ID,
		ProviderType: string(event.Type),
		Type:         TypeUnhandled,
		Created:      time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return ev, nil
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
		}
		if sess.Mode != stripe.CheckoutSessionModeSubscription {
			return ev, nil
		}
		ev.Type = TypeCheckoutCompleted
		ev.UserID = sess.Metadata["user_id"]
		if ev.UserID == "" {
			ev.UserID = sess.ClientReferenceID
		}
		if sess.Customer != nil {
			ev.CustomerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			ev.SubscriptionID = sess.Subscription.ID
		}
		if plan, err := plans.Parse(sess.Metadata["plan"]); err == nil {
			ev.Plan = plan
		}

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		snap, err := d.resolver.SnapshotFromSubscription(&sub)
		if errors.Is(err, billing.ErrUnknownPrice) {
			// Retrying cannot fix a price we do not sell
			ev.Type = TypeUnknownPrice
			ev.Err = fmt.Errorf("subscription %s: %w", sub.ID, err)
			ev.UserID = sub.Metadata["user_id"]
			ev.SubscriptionID = sub.ID
			if sub.Customer != nil {
				ev.CustomerID = sub.Customer.ID
			}
			return ev, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read subscription %s: %w", sub.ID, err)
		}
		ev.Type = TypeSubscriptionUpdated
		ev.Snapshot = snap
		ev.UserID = snap.UserID
		ev.CustomerID = snap.CustomerID
		ev.SubscriptionID = snap.SubscriptionID

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		ev.Type = TypeSubscriptionDeleted
		ev.UserID = sub.Metadata["user_id"]
		ev.SubscriptionID = sub.ID
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}

	case "invoice.payment_failed", "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		if inv.Subscription == nil {
			// One-off invoices do not affect entitlements
			return ev, nil
		}
		ev.Type = TypePaymentSucceeded
		if event.Type == "invoice.payment_failed" {
			ev.Type = TypePaymentFailed
		}
		ev.SubscriptionID = inv.Subscription.ID
		if inv.Customer != nil {
			ev.CustomerID = inv.Customer.ID
		}
	}
	return ev, nil
}
