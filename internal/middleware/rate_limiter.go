package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RequestsPerSecond is the sustained rate RateLimiter allows per client IP.
// The same number of requests may arrive in a burst.
const RequestsPerSecond = 20

// RateLimiter limits the REST history reads per client IP. Clients paging
// through a long history stay well under the limit; scrapers do not.
func RateLimiter() echo.MiddlewareFunc {
	config := middleware.RateLimiterConfig{
		// In-memory counts are fine for a single relay instance.
		Store: middleware.NewRateLimiterMemoryStore(RequestsPerSecond),

		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			FromContext(c.Request().Context()).Warn("Rate limit exceeded", "client_ip", identifier)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"message": "Too many requests. Please try again later.",
			})
		},
	}
	return middleware.RateLimiterWithConfig(config)
}
