// Package notify tells users about billing events by email. Delivery is
// best effort: failures are logged and never roll back a transition.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
)

// Kind is the event a notice reports
type Kind string

const (
	KindPaymentFailed     Kind = "payment_failed"
	KindRestricted        Kind = "restricted"
	KindDowngraded        Kind = "downgraded"
	KindDeletionScheduled Kind = "deletion_scheduled"
	KindCancellation      Kind = "cancellation"
)

// Notice is one message to a user
type Notice struct {
	Kind         Kind
	UserID       string
	CustomerID   string
	Plan         models.Plan
	PreviousPlan models.Plan
	PeriodEnd    *time.Time
	DeletionDate *time.Time
}

// NoticeFor builds a notice of kind from the record's current state
func NoticeFor(kind Kind, rec *models.EntitlementRecord) Notice {
	n := Notice{
		Kind:       kind,
		UserID:     rec.UserID,
		CustomerID: rec.ProviderCustomerID,
		Plan:       rec.Plan,
		PeriodEnd:  rec.CurrentPeriodEnd,
	}
	if rec.PreviousPlan != nil {
		n.PreviousPlan = *rec.PreviousPlan
	}
	if rec.DeletionDate != nil {
		d := *rec.DeletionDate
		n.DeletionDate = &d
	}
	return n
}

// Notifier delivers notices
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// ContactLookup resolves a provider customer to an email address
type ContactLookup interface {
	Contact(ctx context.Context, customerID string) (email, name string, err error)
}

// EmailNotifier renders notices and hands them to a Sender
type EmailNotifier struct {
	sender   Sender
	contacts ContactLookup
	baseURL  string
	log      logger.Logger
}

// NewEmailNotifier creates an EmailNotifier
func NewEmailNotifier(sender Sender, contacts ContactLookup, baseURL string, log logger.Logger) *EmailNotifier {
	if log == nil {
		log = logger.Default()
	}
	return &EmailNotifier{sender: sender, contacts: contacts, baseURL: baseURL, log: log}
}

// Notify sends the notice. Errors are logged.
func (e *EmailNotifier) Notify(ctx context.Context, n Notice) {
	log := e.log.With("user_id", n.UserID, "kind", string(n.Kind))

	if n.CustomerID == "" || e.contacts == nil {
		log.Warn("notice skipped, no contact for user")
		return
	}
	email, name, err := e.contacts.Contact(ctx, n.CustomerID)
	if err != nil {
		log.Error("failed to look up contact", "error", err)
		return
	}
	if email == "" {
		log.Warn("notice skipped, customer has no email")
		return
	}
	if name == "" {
		name = "there"
	}

	subject, html, plain, err := e.render(n, name)
	if err != nil {
		log.Error("failed to render notice", "error", err)
		return
	}
	if err := e.sender.SendEmail(ctx, email, name, subject, html, plain); err != nil {
		log.Error("failed to send notice", "error", err)
		return
	}
	log.Info("notice sent")
}

func (e *EmailNotifier) render(n Notice, name string) (subject, html, plain string, err error) {
	switch n.Kind {
	case KindPaymentFailed:
		subject, html, plain = buildPaymentFailedEmail(name, e.baseURL)
	case KindRestricted:
		subject, html, plain = buildRestrictedEmail(name, e.baseURL)
	case KindDowngraded:
		prev := n.PreviousPlan
		if prev == "" {
			prev = n.Plan
		}
		subject, html, plain = buildDowngradedEmail(name, string(prev), e.baseURL)
	case KindDeletionScheduled:
		if n.DeletionDate == nil {
			return "", "", "", fmt.Errorf("deletion notice without a deletion date")
		}
		subject, html, plain = buildDeletionScheduledEmail(name, *n.DeletionDate, e.baseURL)
	case KindCancellation:
		subject, html, plain = buildCancellationEmail(name, string(n.Plan), n.PeriodEnd, e.baseURL)
	default:
		return "", "", "", fmt.Errorf("unknown notice kind %q", n.Kind)
	}
	return subject, html, plain, nil
}

// LogNotifier only logs notices
type LogNotifier struct {
	log logger.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.Default()
	}
	return &LogNotifier{log: log}
}

// Notify logs the notice
func (l *LogNotifier) Notify(ctx context.Context, n Notice) {
	l.log.Info("notice", "user_id", n.UserID, "kind", string(n.Kind))
}
