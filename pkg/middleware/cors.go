package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// corsMaxAge is how long browsers may cache a preflight, in seconds
const corsMaxAge = 600

// CORSConfig allows exactly the configured frontend origins to call the API
// with credentials. Wildcards are not honored and an empty list allows no
// origin. The API only serves GET and POST.
func CORSConfig(origins []string) middleware.CORSConfig {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" || strings.Contains(o, "*") {
			continue
		}
		allowed[o] = struct{}{}
	}

	return middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			_, ok := allowed[origin]
			return ok, nil
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}
}
