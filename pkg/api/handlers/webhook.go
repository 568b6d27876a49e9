package handlers

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/jordanlanch/docvault/pkg/api/errors"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/webhook"
	"github.com/labstack/echo/v4"
)

// HeaderStripeSignature carries the webhook signature
const HeaderStripeSignature = "Stripe-Signature"

// maxWebhookBody bounds the payload read from the provider
const maxWebhookBody = 512 << 10

// EventDecoder verifies and decodes a provider payload
type EventDecoder interface {
	Decode(payload []byte, signature string) (*webhook.Event, error)
}

// EventApplier applies a decoded event to the entitlement records
type EventApplier interface {
	Apply(ctx context.Context, ev webhook.Event) (webhook.Result, error)
}

// WebhookHandler receives provider events
type WebhookHandler struct {
	decoder EventDecoder
	applier EventApplier
	log     logger.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(decoder EventDecoder, applier EventApplier, log logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Default()
	}
	return &WebhookHandler{decoder: decoder, applier: applier, log: log}
}

// HandleStripe handles Stripe webhook events
// @Summary Handle Stripe webhook
// @Description Verify and apply a provider event. 200 once the event is durably handled, including duplicates and stale events; any 5xx makes the provider retry.
// @Tags Webhook
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Stripe webhook signature for verification"
// @Param payload body object true "Stripe webhook event payload"
// @Success 200 {object} models.SuccessResponse "Webhook processed successfully"
// @Failure 400 {object} models.ErrorResponse "Invalid request or signature"
// @Failure 413 {object} models.ErrorResponse "Payload too large"
// @Failure 500 {object} models.ErrorResponse "Internal server error"
// @Router /webhook/stripe [post]
func (h *WebhookHandler) HandleStripe(c echo.Context) error {
	// Get raw body
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			h.log.Error("webhook payload too large", "limit", tooLarge.Limit)
			return c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
				Error:   "payload_too_large",
				Message: "Request body exceeds the webhook size limit",
			})
		}
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_body",
			Message: "Failed to read request body",
		})
	}

	signature := c.Request().Header.Get(HeaderStripeSignature)
	if signature == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "missing_signature",
		})
	}

	ev, err := h.decoder.Decode(body, signature)
	if err != nil {
		if stderrors.Is(err, webhook.ErrInvalidSignature) {
			h.log.Warn("webhook signature rejected", "error", err)
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: "invalid_signature",
			})
		}
		return errors.InternalError(c, err)
	}

	res, err := h.applier.Apply(c.Request().Context(), *ev)
	if err != nil {
		return errors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Message: string(res.Outcome),
	})
}
