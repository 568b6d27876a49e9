package models

import "time"

// CheckoutRequest represents a request to create a checkout session
type CheckoutRequest struct {
	Plan string `json:"plan" validate:"required,oneof=starter pro"`
}

// CheckoutResponse represents a checkout session response
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// CustomerPortalResponse represents a customer portal session response
type CustomerPortalResponse struct {
	URL string `json:"url"`
}

// UpgradePreviewRequest asks for the prorated charge of an upgrade
type UpgradePreviewRequest struct {
	Plan string `json:"plan" validate:"required,oneof=starter pro"`
}

// UpgradePreviewResponse is the prorated charge shown before confirmation
type UpgradePreviewResponse struct {
	Plan          string `json:"plan"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Display       string `json:"display"`
	ProrationDate int64  `json:"proration_date"`
}

// UpgradeRequest confirms an upgrade. ExpectedAmount is the previewed amount;
// when set and the provider now quotes a different amount the upgrade is refused.
type UpgradeRequest struct {
	Plan           string `json:"plan" validate:"required,oneof=starter pro"`
	ExpectedAmount *int64 `json:"expected_amount,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

// DowngradeRequest schedules a downgrade for the end of the current period
type DowngradeRequest struct {
	Plan            string   `json:"plan" validate:"required,oneof=free starter"`
	DocumentsToKeep []string `json:"documents_to_keep,omitempty" validate:"omitempty,max=1000,dive,required,max=128"`
}

// PricingTier represents a plan with its limits and cached price
type PricingTier struct {
	Name            string          `json:"name"`
	Price           int64           `json:"price"`
	Currency        string          `json:"currency"`
	DocumentLimit   int             `json:"document_limit"`
	AIQuestionLimit int             `json:"ai_question_limit"`
	UploadLimit     int             `json:"upload_limit"`
	Features        map[string]bool `json:"features"`
}

// PricingResponse represents pricing information
type PricingResponse struct {
	Tiers []PricingTier `json:"tiers"`
}

// UsageCounter is one usage bar on the dashboard
type UsageCounter struct {
	Used    int        `json:"used"`
	Limit   int        `json:"limit"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// BannerInfo is what client banners render during dunning
type BannerInfo struct {
	Tier         string     `json:"tier"`
	DunningStep  int        `json:"dunning_step"`
	DeletionDate *time.Time `json:"deletion_date,omitempty"`
}

// EntitlementResponse is the client read view. Provider identifiers are never exposed.
type EntitlementResponse struct {
	Plan              string          `json:"plan"`
	PendingPlan       *string         `json:"pending_plan,omitempty"`
	Status            string          `json:"status"`
	PaymentStatus     string          `json:"payment_status"`
	CancelAtPeriodEnd bool            `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time      `json:"current_period_end,omitempty"`
	Banner            BannerInfo      `json:"banner"`
	Documents         UsageCounter    `json:"documents"`
	AIQuestions       UsageCounter    `json:"ai_questions"`
	Uploads           UsageCounter    `json:"uploads"`
	Features          map[string]bool `json:"features"`
}

// PermissionResponse answers a may-I question
type PermissionResponse struct {
	Allowed bool `json:"allowed"`
}

// UsageResponse is returned after a usage counter increment
type UsageResponse struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}
