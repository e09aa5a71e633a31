package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loopwork/ci-oauth-broker/middleware"
)

// MCPHandler stands in for the protected tool layer: it answers with the
// validated token context so the resource boundary can be exercised end to
// end. The real MCP tool dispatch lives outside this subsystem.
func (oa *OAuth2API) MCPHandler(c echo.Context) error {
	tc, ok := middleware.TokenFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_token"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"message":   "MCP endpoint not fully implemented",
		"client_id": tc.ClientID,
		"user_id":   tc.UserID,
		"scope":     tc.Scope,
	})
}
