package handlers

import (
	"context"
	"net/http"

	"github.com/jordanlanch/docvault/pkg/api/errors"
	apimw "github.com/jordanlanch/docvault/pkg/api/middleware"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/dunning"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
	"github.com/labstack/echo/v4"
)

// UsageService answers quota questions and counts usage
type UsageService interface {
	Usage(ctx context.Context, userID string) (*models.EntitlementRecord, int, error)
	CanUpload(ctx context.Context, userID string) (bool, error)
	CanAskQuestion(ctx context.Context, userID string) (bool, error)
	RecordUpload(ctx context.Context, userID string) (*models.EntitlementRecord, error)
	RecordQuestion(ctx context.Context, userID string) (*models.EntitlementRecord, error)
}

// RecordEnsurer creates the default free record on first use
type RecordEnsurer interface {
	EnsureRecord(ctx context.Context, userID string) (*models.EntitlementRecord, error)
}

// EntitlementHandler serves the client read view of a user's entitlement
type EntitlementHandler struct {
	usage   UsageService
	records RecordEnsurer
}

// NewEntitlementHandler creates a new entitlement handler
func NewEntitlementHandler(usage UsageService, records RecordEnsurer) *EntitlementHandler {
	return &EntitlementHandler{usage: usage, records: records}
}

// GetEntitlement returns plan, status, banner, usage and features
// @Summary Get current entitlement
// @Description Plan, subscription status, dunning banner, usage counters and feature flags of the caller
// @Tags Entitlement
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.EntitlementResponse
// @Failure 401 {object} models.ErrorResponse "Unauthorized"
// @Failure 500 {object} models.ErrorResponse "Internal server error"
// @Router /entitlement [get]
func (h *EntitlementHandler) GetEntitlement(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}
	ctx := c.Request().Context()

	var (
		rec   *models.EntitlementRecord
		count int
	)
	err := withRecord(ctx, h.records, userID, func() error {
		var err error
		rec, count, err = h.usage.Usage(ctx, userID)
		return err
	})
	if err != nil {
		return errors.FromDomain(c, err)
	}

	resp, err := EntitlementView(rec, count)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// EntitlementView builds the client read view. Provider identifiers and
// internal bookkeeping never leave the server.
func EntitlementView(rec *models.EntitlementRecord, documentCount int) (*models.EntitlementResponse, error) {
	limits, err := plans.LimitsFor(rec.Plan)
	if err != nil {
		return nil, err
	}

	resp := &models.EntitlementResponse{
		Plan:              string(rec.Plan),
		Status:            string(rec.DisplayStatus()),
		PaymentStatus:     string(rec.PaymentStatus),
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		Banner:            dunning.BannerFor(rec),
		Documents: models.UsageCounter{
			Used:  documentCount,
			Limit: rec.DocumentLimit,
		},
		AIQuestions: models.UsageCounter{
			Used:    rec.AIQuestionsUsed,
			Limit:   rec.AIQuestionLimit,
			ResetAt: models.TimePtr(rec.AIQuestionsResetAt),
		},
		Uploads: models.UsageCounter{
			Used:    rec.UploadsUsed,
			Limit:   rec.UploadLimit,
			ResetAt: models.TimePtr(rec.UploadsResetAt),
		},
		Features: limits.Features,
	}
	if rec.PendingPlan != nil {
		p := string(*rec.PendingPlan)
		resp.PendingPlan = &p
	}
	if rec.CurrentPeriodEnd != nil {
		t := *rec.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &t
	}
	// Restricted accounts keep reading but lose the gated features
	if rec.IsRestricted() {
		resp.Features[plans.FeatureAIChat] = false
	}
	return resp, nil
}

// withRecord runs fn and, if the user has no record yet, creates the
// default one and runs fn again
func withRecord(ctx context.Context, records RecordEnsurer, userID string, fn func() error) error {
	err := fn()
	if !domain.IsNotFound(err) || records == nil {
		return err
	}
	if _, err := records.EnsureRecord(ctx, userID); err != nil {
		return err
	}
	return fn()
}
