package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error with a code and message
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeAlreadyOnPlan      = "ALREADY_ON_PLAN"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
	ErrCodeStaleEvent         = "STALE_EVENT"
	ErrCodeCorruptRecord      = "CORRUPT_RECORD"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
)

// Error constructors

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) error {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &DomainError{
		Code:    ErrCodeValidation,
		Message: msg,
	}
}

// NewAlreadyOnPlanError is returned when a plan change targets the current plan
func NewAlreadyOnPlanError(plan string) error {
	return &DomainError{
		Code:    ErrCodeAlreadyOnPlan,
		Message: fmt.Sprintf("already on the %s plan", plan),
	}
}

// NewInvalidTransitionError is returned when an action is not allowed from the current state
func NewInvalidTransitionError(msg string) error {
	return &DomainError{
		Code:    ErrCodeInvalidTransition,
		Message: msg,
	}
}

// NewQuotaExceededError creates a new quota exceeded error
func NewQuotaExceededError(kind string, used, limit int) error {
	return &DomainError{
		Code:    ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("%s quota exceeded: %d/%d used. Please upgrade your plan.", kind, used, limit),
	}
}

// NewGatewayUnavailableError wraps a failed payment provider call
func NewGatewayUnavailableError(op string, err error) error {
	return &DomainError{
		Code:    ErrCodeGatewayUnavailable,
		Message: fmt.Sprintf("payment provider call %s failed", op),
		Err:     err,
	}
}

// NewGatewayTimeoutError wraps a payment provider call that exceeded its deadline
func NewGatewayTimeoutError(op string, err error) error {
	return &DomainError{
		Code:    ErrCodeGatewayTimeout,
		Message: fmt.Sprintf("payment provider call %s timed out", op),
		Err:     err,
	}
}

// NewStaleEventError marks a provider event older than the stored state
func NewStaleEventError(eventID string) error {
	return &DomainError{
		Code:    ErrCodeStaleEvent,
		Message: fmt.Sprintf("event %s is older than the stored state", eventID),
	}
}

// NewCorruptRecordError reports an invariant violation in a stored record
func NewCorruptRecordError(msg string) error {
	return &DomainError{
		Code:    ErrCodeCorruptRecord,
		Message: msg,
	}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError() error {
	return &DomainError{
		Code:    ErrCodeUnauthorized,
		Message: "Authentication required",
	}
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(msg string) error {
	return &DomainError{
		Code:    ErrCodeForbidden,
		Message: msg,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(err error) error {
	return &DomainError{
		Code:    ErrCodeInternal,
		Message: "An internal error occurred",
		Err:     err,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(msg string) error {
	return &DomainError{
		Code:    ErrCodeConflict,
		Message: msg,
	}
}

// Helper functions to check error types

func hasCode(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsAlreadyOnPlan checks if the error is an already-on-plan error
func IsAlreadyOnPlan(err error) bool { return hasCode(err, ErrCodeAlreadyOnPlan) }

// IsInvalidTransition checks if the error is an invalid transition error
func IsInvalidTransition(err error) bool { return hasCode(err, ErrCodeInvalidTransition) }

// IsQuotaExceeded checks if the error is a quota exceeded error
func IsQuotaExceeded(err error) bool { return hasCode(err, ErrCodeQuotaExceeded) }

// IsGatewayFailure reports gateway unavailable and gateway timeout errors
func IsGatewayFailure(err error) bool {
	return hasCode(err, ErrCodeGatewayUnavailable) || hasCode(err, ErrCodeGatewayTimeout)
}

// IsGatewayTimeout checks if the error is a gateway timeout
func IsGatewayTimeout(err error) bool { return hasCode(err, ErrCodeGatewayTimeout) }

// IsStaleEvent checks if the error is a stale event error
func IsStaleEvent(err error) bool { return hasCode(err, ErrCodeStaleEvent) }

// IsCorruptRecord checks if the error is a corrupt record error
func IsCorruptRecord(err error) bool { return hasCode(err, ErrCodeCorruptRecord) }

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool { return hasCode(err, ErrCodeUnauthorized) }

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool { return hasCode(err, ErrCodeForbidden) }

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool { return hasCode(err, ErrCodeInternal) }

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// GetErrorCode extracts the error code from a domain error
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}
