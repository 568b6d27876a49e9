package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/labstack/echo/v4"
)

var log = logger.Default()

// SetLogger replaces the logger used for internal error details
func SetLogger(l logger.Logger) {
	if l != nil {
		log = l
	}
}

// ValidationError returns a generic validation error without exposing internal details
func ValidationError(c echo.Context, err error) error {
	log.Warn("validation error", "path", c.Request().URL.Path, "error", err)

	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	})
}

// DatabaseError returns a generic database error without exposing internal details
func DatabaseError(c echo.Context, err error) error {
	log.Error("database error", "path", c.Request().URL.Path, "error", err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "database_error",
		Message: "A database error occurred. Please try again later.",
	})
}

// InternalError returns a generic internal server error
func InternalError(c echo.Context, err error) error {
	log.Error("internal error", "path", c.Request().URL.Path, "error", err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

// UnauthorizedError returns a generic unauthorized error
func UnauthorizedError(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: "You are not authorized to access this resource.",
	})
}

// NotFoundError returns a generic not found error
func NotFoundError(c echo.Context) error {
	return c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error:   "not_found",
		Message: "The requested resource was not found.",
	})
}

// ConflictError returns a conflict error. message is shown to the user.
func ConflictError(c echo.Context, message string) error {
	return c.JSON(http.StatusConflict, models.ErrorResponse{
		Error:   "conflict",
		Message: message,
	})
}

// GatewayError tells the user to retry without naming the provider
func GatewayError(c echo.Context, err error) error {
	log.Error("payment provider error", "path", c.Request().URL.Path, "error", err)

	return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
		Error:   "billing_unavailable",
		Message: "Billing is temporarily unavailable. Please try again in a moment.",
	})
}

// FromDomain writes the response for err. Messages of user-facing domain
// errors are returned as is; everything else is logged and answered with a
// generic message.
func FromDomain(c echo.Context, err error) error {
	switch domain.GetErrorCode(err) {
	case domain.ErrCodeValidation:
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: message(err),
		})
	case domain.ErrCodeAlreadyOnPlan:
		return c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "already_on_plan",
			Message: message(err),
		})
	case domain.ErrCodeInvalidTransition:
		return c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "invalid_transition",
			Message: message(err),
		})
	case domain.ErrCodeConflict:
		return ConflictError(c, message(err))
	case domain.ErrCodeQuotaExceeded:
		return c.JSON(http.StatusPaymentRequired, models.ErrorResponse{
			Error:   "quota_exceeded",
			Message: message(err),
		})
	case domain.ErrCodeGatewayUnavailable, domain.ErrCodeGatewayTimeout:
		return GatewayError(c, err)
	case domain.ErrCodeNotFound:
		return NotFoundError(c)
	case domain.ErrCodeUnauthorized:
		return UnauthorizedError(c)
	case domain.ErrCodeForbidden:
		return c.JSON(http.StatusForbidden, models.ErrorResponse{
			Error:   "forbidden",
			Message: "You do not have permission to access this resource.",
		})
	case domain.ErrCodeCorruptRecord:
		log.Error("corrupt entitlement record", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Your account needs attention from support. Please contact us.",
		})
	}
	return InternalError(c, err)
}

func message(err error) string {
	var de *domain.DomainError
	if stderrors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
