// Package alert reports entitlement records that violate their invariants
// and provider events that cannot be applied. Neither is coerced back into
// shape; an operator has to look.
package alert

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jordanlanch/docvault/pkg/logger"
)

// Alerter is notified when a user's record is found corrupt or when a
// subscription carries a price that maps to no plan
type Alerter interface {
	CorruptRecord(ctx context.Context, userID string, err error)
	UnknownPrice(ctx context.Context, subscriptionID string, err error)
}

// LogAlerter writes alerts to the structured log only
type LogAlerter struct {
	log logger.Logger
}

// NewLogAlerter is used when no Sentry DSN is configured
func NewLogAlerter(log logger.Logger) *LogAlerter {
	if log == nil {
		log = logger.Default()
	}
	return &LogAlerter{log: log}
}

// CorruptRecord logs the violation
func (a *LogAlerter) CorruptRecord(ctx context.Context, userID string, err error) {
	a.log.Error("corrupt entitlement record", "user_id", userID, "error", err)
}

// UnknownPrice logs the unmapped subscription
func (a *LogAlerter) UnknownPrice(ctx context.Context, subscriptionID string, err error) {
	a.log.Error("subscription price maps to no plan", "subscription_id", subscriptionID, "error", err)
}

// SentryAlerter captures alerts as Sentry exceptions and also logs them
type SentryAlerter struct {
	hub *sentry.Hub
	log logger.Logger
}

// NewSentryAlerter uses the given hub, or the current hub when nil
func NewSentryAlerter(hub *sentry.Hub, log logger.Logger) *SentryAlerter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if log == nil {
		log = logger.Default()
	}
	return &SentryAlerter{hub: hub, log: log}
}

// CorruptRecord sends a fatal-level event tagged with the user
func (a *SentryAlerter) CorruptRecord(ctx context.Context, userID string, err error) {
	a.log.Error("corrupt entitlement record", "user_id", userID, "error", err)

	hub := a.hub
	if h := sentry.GetHubFromContext(ctx); h != nil {
		hub = h
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("component", "entitlement")
		scope.SetTag("alert", "corrupt_record")
		scope.SetUser(sentry.User{ID: userID})
		hub.CaptureException(err)
	})
}

// UnknownPrice sends an error-level event tagged with the subscription
func (a *SentryAlerter) UnknownPrice(ctx context.Context, subscriptionID string, err error) {
	a.log.Error("subscription price maps to no plan", "subscription_id", subscriptionID, "error", err)

	hub := a.hub
	if h := sentry.GetHubFromContext(ctx); h != nil {
		hub = h
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("component", "webhook")
		scope.SetTag("alert", "unknown_price")
		scope.SetTag("subscription_id", subscriptionID)
		hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent
func (a *SentryAlerter) Flush(timeout time.Duration) bool {
	return a.hub.Flush(timeout)
}
