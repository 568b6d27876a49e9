// Package entitlement owns the per-user entitlement record. Every mutation
// goes through Manager, which serializes writers per user and commits
// all-or-nothing.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanlanch/docvault/pkg/alert"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/locks"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
)

// ErrNoChange may be returned by a Mutation to skip the write
var ErrNoChange = errors.New("entitlement: no change")

// Mutation edits a private copy of the record. Returning an error discards it.
type Mutation func(rec *models.EntitlementRecord) error

// EventMutation is a Mutation that also classifies a provider event. Only
// OutcomeApplied commits the copy; other outcomes just log the event.
type EventMutation func(rec *models.EntitlementRecord) (models.EventOutcome, error)

// Manager serializes every mutation of a user's record
type Manager struct {
	store      Store
	locker     locks.Locker
	alerter    alert.Alerter
	log        logger.Logger
	now        func() time.Time
	maxRetries int
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAlerter sets the corruption alerter
func WithAlerter(a alert.Alerter) Option {
	return func(m *Manager) { m.alerter = a }
}

// NewManager creates a Manager
func NewManager(store Store, locker locks.Locker, log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		store:      store,
		locker:     locker,
		log:        log,
		now:        time.Now,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.alerter == nil {
		m.alerter = alert.NewLogAlerter(log)
	}
	return m
}

// Now returns the manager's clock reading in UTC
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// Store exposes the underlying store for list queries
func (m *Manager) Store() Store {
	return m.store
}

// Get loads the record from the primary and validates it
func (m *Manager) Get(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := m.check(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// View is a lock-free, possibly stale read for display
func (m *Manager) View(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	rec, err := m.store.ReadView(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := m.check(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// EnsureRecord returns the user's record, creating the free-tier default on
// first use.
func (m *Manager) EnsureRecord(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	rec, err := m.Get(ctx, userID)
	if err == nil || !domain.IsNotFound(err) {
		return rec, err
	}

	rec, err = NewDefaultRecord(userID, m.Now())
	if err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, rec); err != nil {
		if domain.IsConflict(err) {
			// Lost a signup race
			return m.Get(ctx, userID)
		}
		return nil, err
	}
	m.log.Info("entitlement created", "user_id", userID, "plan", rec.Plan)
	return rec, nil
}

// NewDefaultRecord builds the signup record: free tier, counters at zero,
// resets one month out.
func NewDefaultRecord(userID string, now time.Time) (*models.EntitlementRecord, error) {
	now = now.UTC()
	rec := &models.EntitlementRecord{
		UserID:             userID,
		Status:             models.StatusActive,
		PaymentStatus:      models.PaymentActive,
		AIQuestionsResetAt: AddMonths(now, 1),
		UploadsResetAt:     AddMonths(now, 1),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := plans.ApplyLimits(rec, models.PlanFree); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies fn under the user's lock. On a version conflict the record
// is reloaded and fn runs again on fresh data.
func (m *Manager) Update(ctx context.Context, userID string, fn Mutation) (*models.EntitlementRecord, error) {
	unlock, err := m.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock entitlement %s: %w", userID, err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		rec, err := m.Get(ctx, userID)
		if err != nil {
			return nil, err
		}

		work := rec.Clone()
		if err := fn(work); err != nil {
			if errors.Is(err, ErrNoChange) {
				return rec, nil
			}
			return nil, err
		}
		if err := m.check(ctx, work); err != nil {
			return nil, err
		}

		work.UpdatedAt = m.Now()
		err = m.store.Save(ctx, work, nil)
		if errors.Is(err, ErrVersionConflict) && attempt < m.maxRetries {
			m.log.Warn("entitlement version conflict, retrying", "user_id", userID, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, ErrVersionConflict) {
			return nil, domain.NewConflictError("entitlement was modified concurrently")
		}
		if err != nil {
			return nil, err
		}
		return work, nil
	}
}

// ApplyEvent runs fn for a provider event under the user's lock. An event
// id already in the log yields OutcomeDuplicate without calling fn. An
// applied outcome commits the record and the log row in one transaction;
// stale and ignored outcomes only add the log row.
func (m *Manager) ApplyEvent(ctx context.Context, userID string, ev models.AppliedEvent, fn EventMutation) (models.EventOutcome, *models.EntitlementRecord, error) {
	unlock, err := m.locker.Lock(ctx, userID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to lock entitlement %s: %w", userID, err)
	}
	defer unlock()

	ev.UserID = userID
	for attempt := 0; ; attempt++ {
		seen, err := m.store.HasEvent(ctx, ev.EventID)
		if err != nil {
			return "", nil, err
		}
		if seen {
			return models.OutcomeDuplicate, nil, nil
		}

		rec, err := m.Get(ctx, userID)
		if err != nil {
			return "", nil, err
		}

		work := rec.Clone()
		outcome, err := fn(work)
		if err != nil {
			return "", nil, err
		}
		ev.Outcome = outcome
		ev.AppliedAt = m.Now()

		if outcome != models.OutcomeApplied {
			if _, err := m.store.RecordEvent(ctx, &ev); err != nil {
				return "", nil, err
			}
			return outcome, rec, nil
		}

		if err := m.check(ctx, work); err != nil {
			return "", nil, err
		}
		work.LastAppliedEventID = ev.EventID
		work.UpdatedAt = ev.AppliedAt

		err = m.store.Save(ctx, work, &ev)
		switch {
		case err == nil:
			return models.OutcomeApplied, work, nil
		case errors.Is(err, ErrDuplicateEvent):
			return models.OutcomeDuplicate, nil, nil
		case errors.Is(err, ErrVersionConflict) && attempt < m.maxRetries:
			m.log.Warn("entitlement version conflict, retrying event", "user_id", userID, "event_id", ev.EventID)
			continue
		case errors.Is(err, ErrVersionConflict):
			return "", nil, domain.NewConflictError("entitlement was modified concurrently")
		default:
			return "", nil, err
		}
	}
}

// RecordUnmatchedEvent logs an event that changes no record, either because
// it maps to no user or because it cannot be applied, so retries are
// acknowledged as duplicates.
func (m *Manager) RecordUnmatchedEvent(ctx context.Context, ev models.AppliedEvent) (models.EventOutcome, error) {
	ev.Outcome = models.OutcomeIgnored
	ev.AppliedAt = m.Now()
	inserted, err := m.store.RecordEvent(ctx, &ev)
	if err != nil {
		return "", err
	}
	if !inserted {
		return models.OutcomeDuplicate, nil
	}
	return models.OutcomeIgnored, nil
}

func (m *Manager) check(ctx context.Context, rec *models.EntitlementRecord) error {
	if err := Validate(rec); err != nil {
		m.alerter.CorruptRecord(ctx, rec.UserID, err)
		return err
	}
	return nil
}
