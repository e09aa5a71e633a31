// Package middleware provides the resource-endpoint-side bearer token check.
// The protected tool layer consumes the validated token context; it never
// sees the raw credential store.
package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	broker "github.com/loopwork/ci-oauth-broker"
)

// tokenContextKey is the echo context key the validated token is stored under.
const tokenContextKey = "broker.token"

// TokenContext is what the resource layer learns about the caller.
type TokenContext struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	UserID   string `json:"user_id"`
}

// RequireToken validates the bearer token on every request and rejects
// absent, unknown, or expired tokens with 401. The validated token context
// is stored on the request for downstream handlers.
func RequireToken(service *broker.OAuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractBearerToken(c.Request().Header.Get("Authorization"))
			if token == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing_token"})
			}

			record, err := service.ValidateToken(c.Request().Context(), token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_token"})
			}

			c.Set(tokenContextKey, &TokenContext{
				ClientID: record.ClientID,
				Scope:    record.Scope,
				UserID:   record.UserID,
			})

			return next(c)
		}
	}
}

// TokenFromContext returns the validated token context set by RequireToken.
func TokenFromContext(c echo.Context) (*TokenContext, bool) {
	tc, ok := c.Get(tokenContextKey).(*TokenContext)
	return tc, ok
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return parts[1]
}
