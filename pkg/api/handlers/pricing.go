package handlers

import (
	"context"
	"net/http"

	"github.com/jordanlanch/docvault/pkg/api/errors"
	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
	"github.com/labstack/echo/v4"
)

const defaultCurrency = "usd"

// PriceSource returns the display price of a paid plan
type PriceSource interface {
	Get(ctx context.Context, plan models.Plan) (*billing.Price, error)
}

// PricingHandler serves the public plan catalog
type PricingHandler struct {
	prices PriceSource
}

// NewPricingHandler creates a new pricing handler
func NewPricingHandler(prices PriceSource) *PricingHandler {
	return &PricingHandler{prices: prices}
}

// GetPricing handles returning pricing information
// @Summary Get pricing tiers
// @Description Get all plans with their price, limits and features
// @Tags Pricing
// @Produce json
// @Success 200 {object} models.PricingResponse
// @Failure 503 {object} models.ErrorResponse "Billing provider unavailable"
// @Router /pricing [get]
func (h *PricingHandler) GetPricing(c echo.Context) error {
	ctx := c.Request().Context()

	catalog := plans.Plans()
	resp := models.PricingResponse{Tiers: make([]models.PricingTier, 0, len(catalog))}
	for _, plan := range catalog {
		limits, err := plans.LimitsFor(plan)
		if err != nil {
			return errors.InternalError(c, err)
		}
		tier := models.PricingTier{
			Name:            string(plan),
			Currency:        defaultCurrency,
			DocumentLimit:   limits.DocumentLimit,
			AIQuestionLimit: limits.AIQuestionLimit,
			UploadLimit:     limits.UploadLimit,
			Features:        limits.Features,
		}
		if plan != models.PlanFree {
			price, err := h.prices.Get(ctx, plan)
			if err != nil {
				return errors.FromDomain(c, err)
			}
			tier.Price = price.Amount
			tier.Currency = price.Currency
		}
		resp.Tiers = append(resp.Tiers, tier)
	}

	return c.JSON(http.StatusOK, resp)
}
