package models

import (
	"slices"
	"time"
)

// Plan is a subscription tier
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)

// SubscriptionStatus is the provider-facing lifecycle of the subscription
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusCanceling SubscriptionStatus = "canceling"
	StatusCanceled  SubscriptionStatus = "canceled"
	StatusExpired   SubscriptionStatus = "expired"
	StatusTrialing  SubscriptionStatus = "trialing"
)

// PaymentStatus is the dunning axis, independent from SubscriptionStatus
type PaymentStatus string

const (
	PaymentActive     PaymentStatus = "active"
	PaymentPastDue    PaymentStatus = "past_due"
	PaymentRestricted PaymentStatus = "restricted"
	PaymentDowngraded PaymentStatus = "downgraded"
)

// EntitlementRecord is the authoritative record of what a user may do.
// It is only mutated through entitlement.Manager.
type EntitlementRecord struct {
	UserID        string
	Plan          Plan
	Status        SubscriptionStatus
	PaymentStatus PaymentStatus
	DunningStep   int

	DocumentLimit      int
	AIQuestionLimit    int
	AIQuestionsUsed    int
	UploadLimit        int
	UploadsUsed        int
	AIQuestionsResetAt time.Time
	UploadsResetAt     time.Time

	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	PendingPlan       *Plan
	DocumentsToKeep   []string
	PreviousPlan      *Plan
	TrimDocumentsAt   *time.Time

	// Dunning milestones, set once per episode and cleared together.
	PaymentFailedAt *time.Time
	RestrictedAt    *time.Time
	DowngradeDate   *time.Time
	DeletionDate    *time.Time

	// In-flight upgrade: set before the gateway call, cleared on commit or failure.
	UpgradePlan           *Plan
	UpgradeIdempotencyKey string
	UpgradeStartedAt      *time.Time

	ProviderCustomerID     string
	ProviderSubscriptionID string
	LastAppliedEventID     string
	LastPaymentEventAt     *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so mutations can be discarded on failure
func (r *EntitlementRecord) Clone() *EntitlementRecord {
	c := *r
	c.CurrentPeriodEnd = cloneTime(r.CurrentPeriodEnd)
	c.PendingPlan = clonePlan(r.PendingPlan)
	c.PreviousPlan = clonePlan(r.PreviousPlan)
	c.UpgradePlan = clonePlan(r.UpgradePlan)
	c.TrimDocumentsAt = cloneTime(r.TrimDocumentsAt)
	c.PaymentFailedAt = cloneTime(r.PaymentFailedAt)
	c.RestrictedAt = cloneTime(r.RestrictedAt)
	c.DowngradeDate = cloneTime(r.DowngradeDate)
	c.DeletionDate = cloneTime(r.DeletionDate)
	c.UpgradeStartedAt = cloneTime(r.UpgradeStartedAt)
	c.LastPaymentEventAt = cloneTime(r.LastPaymentEventAt)
	c.DocumentsToKeep = slices.Clone(r.DocumentsToKeep)
	return &c
}

// DisplayStatus folds a scheduled cancellation into the canceling status
func (r *EntitlementRecord) DisplayStatus() SubscriptionStatus {
	if r.Status == StatusActive && r.CancelAtPeriodEnd {
		return StatusCanceling
	}
	return r.Status
}

// IsRestricted reports whether dunning has disabled uploads and AI chat
func (r *EntitlementRecord) IsRestricted() bool {
	return r.PaymentStatus == PaymentRestricted
}

// ClearDunning resets the dunning step and every milestone as one group
func (r *EntitlementRecord) ClearDunning() {
	r.PaymentStatus = PaymentActive
	r.DunningStep = 0
	r.PaymentFailedAt = nil
	r.RestrictedAt = nil
	r.DowngradeDate = nil
	r.DeletionDate = nil
}

// ClearUpgrade drops the provisional in-flight upgrade markers
func (r *EntitlementRecord) ClearUpgrade() {
	r.UpgradePlan = nil
	r.UpgradeIdempotencyKey = ""
	r.UpgradeStartedAt = nil
}

// ClearPending drops a scheduled downgrade
func (r *EntitlementRecord) ClearPending() {
	r.PendingPlan = nil
	r.DocumentsToKeep = nil
}

// PlanPtr returns a pointer to p
func PlanPtr(p Plan) *Plan {
	return &p
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func clonePlan(p *Plan) *Plan {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// EventOutcome records what the reconciler did with a provider event
type EventOutcome string

const (
	OutcomeApplied   EventOutcome = "applied"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeStale     EventOutcome = "stale"
	OutcomeIgnored   EventOutcome = "ignored"
)

// AppliedEvent is one row of the append-only applied-event log
type AppliedEvent struct {
	EventID    string
	UserID     string
	EventType  string
	Outcome    EventOutcome
	OccurredAt time.Time
	AppliedAt  time.Time
}
