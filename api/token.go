package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	broker "github.com/loopwork/ci-oauth-broker"
	"github.com/loopwork/ci-oauth-broker/client"
	"github.com/loopwork/ci-oauth-broker/errors"
)

// TokenHandler redeems a single-use authorization code for an access token.
// Client secret verification is optional: public clients may omit it, but a
// presented secret must match the registered one exactly.
func (oa *OAuth2API) TokenHandler(c echo.Context) error {
	grantType := c.FormValue("grant_type")
	code := c.FormValue("code")
	clientID := c.FormValue("client_id")
	clientSecret := c.FormValue("client_secret")

	if grantType != "authorization_code" {
		return c.JSON(http.StatusBadRequest, errors.NewUnsupportedGrantType())
	}
	if code == "" || clientID == "" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("code and client_id are required"))
	}

	ctx := c.Request().Context()

	if clientSecret != "" {
		if err := oa.registrar.VerifySecret(ctx, clientID, clientSecret); err != nil {
			log.Warn().Str("client_id", clientID).Msg("Client secret verification failed")
			return c.JSON(http.StatusUnauthorized, errors.NewInvalidClient("Invalid client credentials"))
		}
	}

	authCode, err := oa.service.RedeemAuthCode(ctx, code, clientID)
	if err != nil {
		if broker.IsInvalidGrant(err) {
			return c.JSON(http.StatusBadRequest, errors.NewInvalidGrant("Invalid or expired authorization code"))
		}
		log.Error().Err(err).Msg("Failed to redeem authorization code")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Failed to redeem authorization code"))
	}

	tokenResponse, err := oa.service.IssueAccessToken(ctx, authCode)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue access token")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Failed to generate token"))
	}

	log.Info().
		Str("client_id", clientID).
		Str("scope", tokenResponse.Scope).
		Int("expires_in", tokenResponse.ExpiresIn).
		Msg("Access token issued")

	return c.JSON(http.StatusOK, tokenResponse)
}

// RegistrationResponse is the dynamic registration answer (RFC 7591).
//
//nolint:tagliatelle
type RegistrationResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"`
	ClientIDIssuedAt      int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at"`
	RedirectURIs          []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuth     string   `json:"token_endpoint_auth_method"`
	GrantTypes            []string `json:"grant_types"`
	ResponseTypes         []string `json:"response_types"`
	Name                  string   `json:"client_name,omitempty"`
	URI                   string   `json:"client_uri,omitempty"`
	Scope                 string   `json:"scope"`
}

// RegisterHandler performs dynamic client registration. The only failure
// mode is malformed input; defaults are applied for omitted metadata.
func (oa *OAuth2API) RegisterHandler(c echo.Context) error {
	var meta client.Metadata
	if err := c.Bind(&meta); err != nil {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Malformed registration request"))
	}

	cli, err := oa.registrar.Register(c.Request().Context(), meta)
	if err != nil {
		log.Error().Err(err).Msg("Failed to register client")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("Failed to register client"))
	}

	log.Info().Str("client_id", cli.ID).Str("client_name", cli.Name).Msg("Client registered")

	return c.JSON(http.StatusCreated, &RegistrationResponse{
		ClientID:              cli.ID,
		ClientSecret:          cli.Secret,
		ClientIDIssuedAt:      cli.CreatedAt.Unix(),
		ClientSecretExpiresAt: 0, // never expires
		RedirectURIs:          cli.RedirectURIs,
		TokenEndpointAuth:     cli.TokenEndpointAuth,
		GrantTypes:            cli.GrantTypes,
		ResponseTypes:         cli.ResponseTypes,
		Name:                  cli.Name,
		URI:                   cli.URI,
		Scope:                 cli.Scope,
	})
}

// AuthorizationServerMetadata is the discovery document (RFC 8414).
//
//nolint:tagliatelle
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// MetadataHandler serves the authorization server discovery document. PKCE
// methods are advertised so public clients can close the no-secret gap.
func (oa *OAuth2API) MetadataHandler(c echo.Context) error {
	baseURL := oa.issuer
	if baseURL == "" {
		baseURL = c.Scheme() + "://" + c.Request().Host
	}

	return c.JSON(http.StatusOK, &AuthorizationServerMetadata{
		Issuer:                            baseURL,
		AuthorizationEndpoint:             baseURL + "/authorize",
		TokenEndpoint:                     baseURL + "/token",
		JwksURI:                           baseURL + "/.well-known/jwks.json",
		RegistrationEndpoint:              baseURL + "/register",
		ScopesSupported:                   []string{"read", "write"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
	})
}

// JWKSHandler serves an empty key set: the broker issues opaque bearer
// tokens, not signed ones, so there are no verification keys to publish.
func (oa *OAuth2API) JWKSHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"keys": []any{}})
}
