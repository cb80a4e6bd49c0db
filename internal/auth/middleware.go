// ABOUTME: Echo middleware guarding the admin API with bearer tokens.
// ABOUTME: Open (with a warning) when no JWT secret is configured.

package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// principalKey is the echo context key carrying the verified principal ID.
const principalKey = "auth.principal"

// Middleware returns an echo middleware that requires a valid bearer token on
// every request. A nil verifier disables authentication; the admin API is
// then open, which is only sane for local development.
func Middleware(verifier TokenVerifier, logger *slog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	if verifier == nil {
		logger.Warn("no JWT secret configured; admin API is unauthenticated")
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("token rejected", "error", err)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(principalKey, principal)
			return next(c)
		}
	}
}

// Principal returns the verified principal ID for a request, if any.
func Principal(c echo.Context) string {
	if v, ok := c.Get(principalKey).(string); ok {
		return v
	}
	return ""
}
