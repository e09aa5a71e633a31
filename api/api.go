//nolint:varnamelen
package api

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	broker "github.com/loopwork/ci-oauth-broker"
	"github.com/loopwork/ci-oauth-broker/client"
	"github.com/loopwork/ci-oauth-broker/cookie"
	"github.com/loopwork/ci-oauth-broker/errors"
	"github.com/loopwork/ci-oauth-broker/store"
)

// flowCookieMaxAge bounds how long an in-flight consent may take.
const flowCookieMaxAge = 3600

// OAuth2API struct to hold dependencies.
type OAuth2API struct {
	service   *broker.OAuthService
	registrar *client.Registrar
	upstream  *broker.UpstreamClient
	codec     *cookie.Codec
	issuer    string
}

// NewOAuth2API initializes the OAuth2 API.
func NewOAuth2API(
	service *broker.OAuthService,
	registrar *client.Registrar,
	upstream *broker.UpstreamClient,
	codec *cookie.Codec,
	issuer string,
) *OAuth2API {
	return &OAuth2API{
		service:   service,
		registrar: registrar,
		upstream:  upstream,
		codec:     codec,
		issuer:    issuer,
	}
}

// RegisterRoutes registers the OAuth2 routes.
func (oa *OAuth2API) RegisterRoutes(e *echo.Echo) {
	e.POST("/register", oa.RegisterHandler)
	e.GET("/authorize", oa.AuthorizeHandler)
	e.POST("/oauth/consent", oa.ConsentHandler)
	e.GET("/oauth/callback", oa.CallbackHandler)
	e.POST("/token", oa.TokenHandler)

	// Discovery endpoints
	e.GET("/.well-known/oauth-authorization-server", oa.MetadataHandler)
	e.GET("/.well-known/jwks.json", oa.JWKSHandler)

	e.GET("/", oa.IndexHandler)
}

// AuthorizeHandler handles OAuth 2.0 authorization requests. It validates the
// request parameters and renders the consent page carrying them as hidden
// resubmission fields. Consent is always prompted, even when a standing
// grant exists for the client; no server-side session is created here.
func (oa *OAuth2API) AuthorizeHandler(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	redirectURI := c.QueryParam("redirect_uri")
	responseType := c.QueryParam("response_type")
	state := c.QueryParam("state")
	scope := c.QueryParam("scope")

	if clientID == "" || redirectURI == "" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("client_id and redirect_uri are required"))
	}
	if responseType != "code" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Unsupported response_type"))
	}
	if scope == "" {
		scope = client.DefaultScope
	}

	page, err := renderConsentPage(&consentPageData{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       scope,
		State:       state,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to render consent page")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Failed to render consent page"))
	}

	return c.HTMLBlob(http.StatusOK, page)
}

// ConsentHandler handles the consent form submission. A denial redirects
// straight back to the client application with access_denied. An approval
// seals the flow state into the browser cookie and redirects to the upstream
// identity provider, with the upstream state parameter carrying a freshly
// generated correlation token rather than the client's own state value.
func (oa *OAuth2API) ConsentHandler(c echo.Context) error {
	clientID := c.FormValue("client_id")
	redirectURI := c.FormValue("redirect_uri")
	state := c.FormValue("state")
	scope := c.FormValue("scope")
	action := c.FormValue("action")

	if clientID == "" || redirectURI == "" || scope == "" || action == "" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Missing required consent fields"))
	}

	target, err := url.Parse(redirectURI)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Malformed redirect_uri"))
	}

	if action != "allow" {
		q := target.Query()
		q.Set("error", errors.AccessDenied)
		if state != "" {
			q.Set("state", state)
		}
		target.RawQuery = q.Encode()

		return c.Redirect(http.StatusFound, target.String())
	}

	if oa.codec == nil || oa.upstream == nil {
		log.Error().Msg("Consent approved but upstream login is not configured")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Upstream login is not configured"))
	}
	if err := oa.upstream.Validate(); err != nil {
		log.Error().Err(err).Msg("Consent approved but upstream login is not configured")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Upstream login is not configured"))
	}

	correlationToken, err := broker.NewOpaqueToken()
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate correlation token")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Failed to start upstream login"))
	}

	sealed, err := oa.codec.SealState(&cookie.FlowState{
		ClientID:         clientID,
		RedirectURI:      redirectURI,
		ExternalState:    state,
		Scope:            scope,
		CorrelationToken: correlationToken,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to seal flow state")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Failed to start upstream login"))
	}

	c.SetCookie(&http.Cookie{
		Name:     cookie.Name,
		Value:    sealed,
		Path:     "/",
		MaxAge:   flowCookieMaxAge,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return c.Redirect(http.StatusFound, oa.upstream.AuthorizationURL(correlationToken))
}

// CallbackHandler completes the upstream identity exchange. It verifies the
// returned state against the correlation token sealed in the flow cookie,
// exchanges the upstream code, fetches the user identity, records the grant,
// mints the broker's own authorization code, and sends the browser back to
// the client application with the original external state echoed. The flow
// cookie is cleared once it has been read, whatever the outcome.
func (oa *OAuth2API) CallbackHandler(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	upstreamErr := c.QueryParam("error")

	if upstreamErr != "" {
		return c.JSON(http.StatusBadRequest, errors.NewAccessDenied("Upstream authorization failed: "+upstreamErr))
	}

	if code == "" || state == "" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Missing authorization code or state"))
	}

	flowCookie, err := c.Cookie(cookie.Name)
	if err != nil || flowCookie.Value == "" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Missing flow state cookie"))
	}

	// The cookie has been read: clear it regardless of how the rest of the
	// callback plays out.
	oa.clearFlowCookie(c)

	flow, ok := oa.codec.UnsealState(flowCookie.Value)
	if !ok {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Invalid flow state cookie"))
	}

	// Binds the browser session that initiated consent to the one completing
	// the callback.
	if subtle.ConstantTimeCompare([]byte(flow.CorrelationToken), []byte(state)) != 1 {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("State mismatch"))
	}

	ctx := c.Request().Context()

	upstreamToken, err := oa.upstream.Exchange(ctx, code)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Upstream token exchange failed"))
	}

	identity, err := oa.upstream.UserInfo(ctx, upstreamToken)
	if err != nil {
		log.Error().Err(err).Msg("Upstream identity fetch failed")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("User verification failed"))
	}

	grant := &store.AuthorizationGrant{
		AuthorizedAt: time.Now().UTC(),
		Scope:        flow.Scope,
		UserID:       identity.Subject,
		UserEmail:    identity.Email,
		UserName:     identity.Name,
	}
	if err := oa.service.SaveGrant(ctx, flow.ClientID, grant); err != nil {
		log.Error().Err(err).Msg("Failed to save authorization grant")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Failed to record authorization"))
	}

	authCode, err := oa.service.GenerateAuthCode(ctx, flow.ClientID, flow.RedirectURI, flow.Scope, identity.Subject)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate authorization code")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Failed to generate authorization code"))
	}

	target, err := url.Parse(flow.RedirectURI)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Malformed redirect_uri"))
	}
	q := target.Query()
	q.Set("code", authCode)
	if flow.ExternalState != "" {
		q.Set("state", flow.ExternalState)
	}
	target.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, target.String())
}

func (oa *OAuth2API) clearFlowCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// IndexHandler identifies the service.
func (oa *OAuth2API) IndexHandler(c echo.Context) error {
	return c.String(http.StatusOK, "CI MCP Server with OAuth")
}
