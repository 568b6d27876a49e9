package handlers

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jordanlanch/docvault/pkg/api/errors"
	apimw "github.com/jordanlanch/docvault/pkg/api/middleware"
	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/subscription"
	"github.com/labstack/echo/v4"
)

// HeaderIdempotencyKey lets a client retry an upgrade safely
const HeaderIdempotencyKey = "Idempotency-Key"

// SubscriptionService performs user initiated subscription changes
type SubscriptionService interface {
	CreateCheckout(ctx context.Context, userID string, plan models.Plan) (*billing.CheckoutSession, error)
	CreatePortal(ctx context.Context, userID string) (string, error)
	PreviewUpgrade(ctx context.Context, userID string, plan models.Plan) (*billing.ProrationPreview, error)
	UpgradeSubscription(ctx context.Context, userID string, req subscription.UpgradeRequest) (*models.EntitlementRecord, error)
	DowngradeSubscription(ctx context.Context, userID string, plan models.Plan, documentsToKeep []string) (*models.EntitlementRecord, error)
	CancelSubscription(ctx context.Context, userID string) (*models.EntitlementRecord, error)
	ReactivateSubscription(ctx context.Context, userID string) (*models.EntitlementRecord, error)
}

// SubscriptionHandler handles subscription action endpoints. Every action
// answers with the refreshed entitlement view.
type SubscriptionHandler struct {
	service   SubscriptionService
	usage     UsageService
	validator *validator.Validate
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(service SubscriptionService, usage UsageService) *SubscriptionHandler {
	return &SubscriptionHandler{
		service:   service,
		usage:     usage,
		validator: validator.New(),
	}
}

// CreateCheckout handles creating a checkout session
// @Summary Create Stripe checkout session
// @Description Start a hosted checkout for a paid plan. Only for users without a live subscription.
// @Tags Subscription
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.CheckoutRequest true "Target plan"
// @Success 200 {object} models.CheckoutResponse
// @Failure 400 {object} models.ErrorResponse "Invalid request"
// @Failure 409 {object} models.ErrorResponse "Already subscribed"
// @Failure 503 {object} models.ErrorResponse "Billing provider unavailable"
// @Router /subscription/checkout [post]
func (h *SubscriptionHandler) CreateCheckout(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}

	var req models.CheckoutRequest
	if err := h.bind(c, &req); err != nil {
		return errors.ValidationError(c, err)
	}

	sess, err := h.service.CreateCheckout(c.Request().Context(), userID, models.Plan(req.Plan))
	if err != nil {
		return errors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, models.CheckoutResponse{
		SessionID: sess.ID,
		URL:       sess.URL,
		ExpiresAt: sess.ExpiresAt.Unix(),
	})
}

// CreatePortal handles creating a customer portal session
// @Summary Create Stripe customer portal session
// @Description Open the provider portal for payment methods and invoices
// @Tags Subscription
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.CustomerPortalResponse
// @Failure 400 {object} models.ErrorResponse "No billing account yet"
// @Failure 503 {object} models.ErrorResponse "Billing provider unavailable"
// @Router /subscription/portal [post]
func (h *SubscriptionHandler) CreatePortal(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}

	url, err := h.service.CreatePortal(c.Request().Context(), userID)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.CustomerPortalResponse{URL: url})
}

// PreviewUpgrade quotes the prorated charge of an upgrade
// @Summary Preview an upgrade
// @Tags Subscription
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.UpgradePreviewRequest true "Target plan"
// @Success 200 {object} models.UpgradePreviewResponse
// @Failure 409 {object} models.ErrorResponse "Already on plan or not an upgrade"
// @Router /subscription/upgrade/preview [post]
func (h *SubscriptionHandler) PreviewUpgrade(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}

	var req models.UpgradePreviewRequest
	if err := h.bind(c, &req); err != nil {
		return errors.ValidationError(c, err)
	}

	preview, err := h.service.PreviewUpgrade(c.Request().Context(), userID, models.Plan(req.Plan))
	if err != nil {
		return errors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, models.UpgradePreviewResponse{
		Plan:          string(preview.Plan),
		Amount:        preview.Amount,
		Currency:      preview.Currency,
		Display:       preview.Display,
		ProrationDate: preview.ProrationDate.Unix(),
	})
}

// Upgrade moves the caller to a higher plan immediately
// @Summary Upgrade subscription
// @Description Charge the prorated difference and grant the new limits at once. Send the same Idempotency-Key to retry safely.
// @Tags Subscription
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string false "Client retry key"
// @Param request body models.UpgradeRequest true "Target plan and previewed amount"
// @Success 200 {object} models.EntitlementResponse
// @Failure 409 {object} models.ErrorResponse "Already on plan, upgrade in progress or price changed"
// @Failure 503 {object} models.ErrorResponse "Billing provider unavailable"
// @Router /subscription/upgrade [post]
func (h *SubscriptionHandler) Upgrade(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}

	var req models.UpgradeRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if key := c.Request().Header.Get(HeaderIdempotencyKey); key != "" {
		req.IdempotencyKey = key
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	rec, err := h.service.UpgradeSubscription(c.Request().Context(), userID, subscription.UpgradeRequest{
		Plan:           models.Plan(req.Plan),
		IdempotencyKey: req.IdempotencyKey,
		ExpectedAmount: req.ExpectedAmount,
	})
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return h.respond(c, rec)
}

// Downgrade schedules a lower plan for the end of the period
// @Summary Downgrade subscription
// @Description The current plan stays until period end. Documents above the new limit are trimmed after a grace period, keeping documents_to_keep first.
// @Tags Subscription
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.DowngradeRequest true "Target plan and documents to keep"
// @Success 200 {object} models.EntitlementResponse
// @Failure 409 {object} models.ErrorResponse "Not a downgrade"
// @Router /subscription/downgrade [post]
func (h *SubscriptionHandler) Downgrade(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}

	var req models.DowngradeRequest
	if err := h.bind(c, &req); err != nil {
		return errors.ValidationError(c, err)
	}

	rec, err := h.service.DowngradeSubscription(c.Request().Context(), userID, models.Plan(req.Plan), req.DocumentsToKeep)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return h.respond(c, rec)
}

// Cancel schedules cancellation at period end
// @Summary Cancel subscription
// @Tags Subscription
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.EntitlementResponse
// @Failure 409 {object} models.ErrorResponse "No paid subscription"
// @Router /subscription/cancel [post]
func (h *SubscriptionHandler) Cancel(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}

	rec, err := h.service.CancelSubscription(c.Request().Context(), userID)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return h.respond(c, rec)
}

// Reactivate undoes a scheduled cancellation, or resubscribes after one
// @Summary Reactivate subscription
// @Tags Subscription
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.EntitlementResponse
// @Failure 409 {object} models.ErrorResponse "Nothing to reactivate"
// @Router /subscription/reactivate [post]
func (h *SubscriptionHandler) Reactivate(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}

	rec, err := h.service.ReactivateSubscription(c.Request().Context(), userID)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return h.respond(c, rec)
}

func (h *SubscriptionHandler) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return h.validator.Struct(req)
}

// respond writes the entitlement view of rec with the live document count
func (h *SubscriptionHandler) respond(c echo.Context, rec *models.EntitlementRecord) error {
	count := 0
	if h.usage != nil {
		_, n, err := h.usage.Usage(c.Request().Context(), rec.UserID)
		if err != nil {
			return errors.FromDomain(c, err)
		}
		count = n
	}
	resp, err := EntitlementView(rec, count)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
