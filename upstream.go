package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// upstreamTimeout bounds every call to the identity provider. A timeout is a
// fatal upstream error for the current request; the user-driven redirect flow
// is the retry mechanism.
const upstreamTimeout = 10 * time.Second

// UpstreamConfig holds the broker's own registration at the upstream
// identity provider.
type UpstreamConfig struct {
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	ClientID         string
	ClientSecret     string
	CallbackURL      string
}

// Validate reports the first missing required setting. Missing upstream
// configuration is a server configuration error, never silently defaulted.
func (c *UpstreamConfig) Validate() error {
	switch {
	case c.AuthorizationURL == "":
		return errors.New("upstream authorization URL is not configured")
	case c.TokenURL == "":
		return errors.New("upstream token URL is not configured")
	case c.UserInfoURL == "":
		return errors.New("upstream userinfo URL is not configured")
	case c.ClientID == "":
		return errors.New("upstream client id is not configured")
	case c.ClientSecret == "":
		return errors.New("upstream client secret is not configured")
	case c.CallbackURL == "":
		return errors.New("callback URL is not configured")
	}
	return nil
}

// Identity is the subset of the upstream userinfo response the broker needs.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// UpstreamClient performs the delegated login against the upstream identity
// provider: building the authorization redirect, exchanging the returned
// code, and fetching the user identity.
type UpstreamClient struct {
	cfg    UpstreamConfig
	oauth  *oauth2.Config
	client *http.Client
}

// NewUpstreamClient creates an upstream client with bounded call timeouts.
func NewUpstreamClient(cfg UpstreamConfig) *UpstreamClient {
	return &UpstreamClient{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &http.Client{Timeout: upstreamTimeout},
	}
}

// Validate re-checks the upstream configuration at use time.
func (u *UpstreamClient) Validate() error {
	return u.cfg.Validate()
}

// AuthorizationURL builds the upstream authorization redirect. The state
// parameter carries the broker's correlation token, never the client
// application's own state value.
func (u *UpstreamClient) AuthorizationURL(correlationToken string) string {
	return u.oauth.AuthCodeURL(correlationToken)
}

// Exchange redeems the upstream authorization code for an upstream access
// token. A non-success answer is logged with the upstream response body for
// diagnosis and returned as an opaque error.
func (u *UpstreamClient) Exchange(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.client)

	token, err := u.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			log.Error().
				Int("status", retrieveErr.Response.StatusCode).
				Str("body", string(retrieveErr.Body)).
				Msg("Upstream token exchange failed")
		} else {
			log.Error().Err(err).Msg("Upstream token exchange failed")
		}
		return "", fmt.Errorf("upstream token exchange failed: %w", err)
	}

	if token.AccessToken == "" {
		return "", errors.New("upstream token response missing access token")
	}

	return token.AccessToken, nil
}

// UserInfo fetches the upstream identity for the obtained access token. A
// non-success response or a missing subject identifier is an upstream error.
func (u *UpstreamClient) UserInfo(ctx context.Context, accessToken string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Error().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("Upstream userinfo fetch failed")
		return nil, fmt.Errorf("upstream userinfo fetch failed with status %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}

	if identity.Subject == "" {
		return nil, errors.New("upstream userinfo response missing subject")
	}

	return &identity, nil
}

// DeriveUserInfoURL maps a JWKS endpoint onto its sibling userinfo endpoint
// for providers that only advertise the certificate URL.
func DeriveUserInfoURL(jwksURL string) string {
	return strings.Replace(jwksURL, "/certs", "/userinfo", 1)
}
