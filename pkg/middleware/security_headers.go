package middleware

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
)

// apiContentSecurityPolicy forbids every resource load. Responses are JSON
// and are never rendered as a document.
const apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

// SecurityHeadersConfig configures SecurityHeaders
type SecurityHeadersConfig struct {
	// HSTS enables Strict-Transport-Security. Only set it behind TLS.
	HSTS       bool
	HSTSMaxAge time.Duration
}

// SecurityHeaders sets the response headers of a JSON-only API. Entitlement
// and billing responses are per-user, so nothing may be cached.
func SecurityHeaders(config SecurityHeadersConfig) echo.MiddlewareFunc {
	if config.HSTSMaxAge <= 0 {
		config.HSTSMaxAge = 365 * 24 * time.Hour
	}
	hsts := fmt.Sprintf("max-age=%d; includeSubDomains", int64(config.HSTSMaxAge.Seconds()))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderContentSecurityPolicy, apiContentSecurityPolicy)
			h.Set(echo.HeaderXContentTypeOptions, "nosniff")
			h.Set(echo.HeaderXFrameOptions, "DENY")
			h.Set(echo.HeaderReferrerPolicy, "no-referrer")
			h.Set(echo.HeaderCacheControl, "no-store")
			if config.HSTS {
				h.Set(echo.HeaderStrictTransportSecurity, hsts)
			}
			return next(c)
		}
	}
}
