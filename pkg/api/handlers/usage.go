package handlers

import (
	"context"
	"net/http"

	"github.com/jordanlanch/docvault/pkg/api/errors"
	apimw "github.com/jordanlanch/docvault/pkg/api/middleware"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/labstack/echo/v4"
)

// UsageHandler handles quota checks and usage counting. The document
// service calls these before and after it stores a document or answers
// a question.
type UsageHandler struct {
	usage   UsageService
	records RecordEnsurer
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(usage UsageService, records RecordEnsurer) *UsageHandler {
	return &UsageHandler{usage: usage, records: records}
}

// CanUpload reports whether the caller may upload a document now
// @Summary Check upload permission
// @Tags Usage
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.PermissionResponse
// @Router /usage/can-upload [get]
func (h *UsageHandler) CanUpload(c echo.Context) error {
	return h.permission(c, h.usage.CanUpload)
}

// CanAsk reports whether the caller may ask an AI question now
// @Summary Check AI question permission
// @Tags Usage
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.PermissionResponse
// @Router /usage/can-ask [get]
func (h *UsageHandler) CanAsk(c echo.Context) error {
	return h.permission(c, h.usage.CanAskQuestion)
}

// RecordUpload counts one upload
// @Summary Record an upload
// @Description Increment the monthly upload counter. Refused with 402 when a limit is reached.
// @Tags Usage
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.UsageResponse
// @Failure 402 {object} models.ErrorResponse "Quota exceeded"
// @Router /usage/upload [post]
func (h *UsageHandler) RecordUpload(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}
	ctx := c.Request().Context()

	var rec *models.EntitlementRecord
	err := withRecord(ctx, h.records, userID, func() error {
		var err error
		rec, err = h.usage.RecordUpload(ctx, userID)
		return err
	})
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.UsageResponse{Used: rec.UploadsUsed, Limit: rec.UploadLimit})
}

// RecordQuestion counts one AI question
// @Summary Record an AI question
// @Description Increment the monthly AI question counter. Refused with 402 when the free limit is reached.
// @Tags Usage
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.UsageResponse
// @Failure 402 {object} models.ErrorResponse "Quota exceeded"
// @Router /usage/question [post]
func (h *UsageHandler) RecordQuestion(c echo.Context) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}
	ctx := c.Request().Context()

	var rec *models.EntitlementRecord
	err := withRecord(ctx, h.records, userID, func() error {
		var err error
		rec, err = h.usage.RecordQuestion(ctx, userID)
		return err
	})
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.UsageResponse{Used: rec.AIQuestionsUsed, Limit: rec.AIQuestionLimit})
}

func (h *UsageHandler) permission(c echo.Context, check func(ctx context.Context, userID string) (bool, error)) error {
	userID := apimw.UserID(c)
	if userID == "" {
		return errors.UnauthorizedError(c)
	}
	ctx := c.Request().Context()

	var allowed bool
	err := withRecord(ctx, h.records, userID, func() error {
		var err error
		allowed, err = check(ctx, userID)
		return err
	})
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.PermissionResponse{Allowed: allowed})
}
