// Package broker implements the OAuth 2.0 authorization-code broker: it lets
// a client application obtain a delegated, scoped bearer token for a
// protected resource without ever holding the end user's upstream identity
// provider credentials. All durable state lives in a TTL credential store;
// nothing is shared across requests in process.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loopwork/ci-oauth-broker/store"
)

// Credential lifetimes.
const (
	CodeTTL  = 10 * time.Minute
	TokenTTL = time.Hour
	GrantTTL = 30 * 24 * time.Hour
)

// TokenResponse represents an OAuth 2.0 token response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// OAuthService mints, redeems, and validates the broker's own credentials.
type OAuthService struct {
	store store.Store
}

// NewOAuthService creates a new OAuthService backed by the credential store.
func NewOAuthService(st store.Store) *OAuthService {
	return &OAuthService{store: st}
}

// NewOpaqueToken generates a high-entropy opaque identifier used for
// authorization codes, access tokens, and correlation tokens.
func NewOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAuthCode mints a new single-use authorization code bound to the
// client, redirect URI, scope, and authenticated user.
func (s *OAuthService) GenerateAuthCode(ctx context.Context, clientID, redirectURI, scope, userID string) (string, error) {
	code, err := NewOpaqueToken()
	if err != nil {
		return "", err
	}

	record := &store.AuthorizationCode{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       scope,
		UserID:      userID,
		ExpiresAt:   time.Now().Add(CodeTTL),
	}

	if err := s.store.Put(ctx, store.CodeKey(code), record, CodeTTL); err != nil {
		return "", fmt.Errorf("failed to save auth code: %w", err)
	}

	return code, nil
}

// RedeemAuthCode consumes an authorization code. The read removes the record
// atomically, so a second redemption of the same code observes it absent.
// Expiry is checked against the record itself: a code the store has not yet
// evicted is still rejected once past its ExpiresAt.
func (s *OAuthService) RedeemAuthCode(ctx context.Context, code, clientID string) (*store.AuthorizationCode, error) {
	var record store.AuthorizationCode
	found, err := s.store.GetDel(ctx, store.CodeKey(code), &record)
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth code: %w", err)
	}
	if !found {
		return nil, ErrCodeNotFound
	}

	if err := record.Validate(); err != nil {
		log.Warn().Err(err).Msg("Rejecting malformed authorization code record")
		return nil, ErrCodeNotFound
	}

	if record.Expired(time.Now()) {
		return nil, ErrCodeExpired
	}

	if record.ClientID != clientID {
		return nil, ErrCodeMismatch
	}

	return &record, nil
}

// IssueAccessToken mints a bearer token carrying the redeemed code's client,
// scope, and user binding.
func (s *OAuthService) IssueAccessToken(ctx context.Context, code *store.AuthorizationCode) (*TokenResponse, error) {
	token, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	record := &store.AccessToken{
		ClientID:  code.ClientID,
		Scope:     code.Scope,
		UserID:    code.UserID,
		IssuedAt:  now,
		ExpiresAt: now.Add(TokenTTL),
	}

	if err := s.store.Put(ctx, store.TokenKey(token), record, TokenTTL); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(TokenTTL.Seconds()),
		Scope:       code.Scope,
	}, nil
}

// ValidateToken checks a bearer token and returns its record. A token past
// its own ExpiresAt is deleted and reported as expired even when the store
// has not evicted it yet.
func (s *OAuthService) ValidateToken(ctx context.Context, token string) (*store.AccessToken, error) {
	var record store.AccessToken
	found, err := s.store.Get(ctx, store.TokenKey(token), &record)
	if err != nil {
		return nil, fmt.Errorf("failed to read access token: %w", err)
	}
	if !found {
		return nil, ErrTokenNotFound
	}

	if err := record.Validate(); err != nil {
		log.Warn().Err(err).Msg("Rejecting malformed access token record")
		return nil, ErrTokenNotFound
	}

	if record.Expired(time.Now()) {
		if delErr := s.store.Delete(ctx, store.TokenKey(token)); delErr != nil {
			log.Error().Err(delErr).Msg("Failed to delete expired access token")
		}
		return nil, ErrTokenExpired
	}

	return &record, nil
}

// SaveGrant records (or overwrites) the standing authorization grant for a
// client/user pair after a successful upstream login.
func (s *OAuthService) SaveGrant(ctx context.Context, clientID string, grant *store.AuthorizationGrant) error {
	if err := s.store.Put(ctx, store.GrantKey(clientID, grant.UserID), grant, GrantTTL); err != nil {
		return fmt.Errorf("failed to save authorization grant: %w", err)
	}
	return nil
}

// GetGrant retrieves the standing grant for a client/user pair, if any.
func (s *OAuthService) GetGrant(ctx context.Context, clientID, userID string) (*store.AuthorizationGrant, bool, error) {
	var grant store.AuthorizationGrant
	found, err := s.store.Get(ctx, store.GrantKey(clientID, userID), &grant)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read authorization grant: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	if err := grant.Validate(); err != nil {
		log.Warn().Err(err).Msg("Rejecting malformed authorization grant record")
		return nil, false, nil
	}

	return &grant, true, nil
}

// IsInvalidGrant reports whether err maps onto an invalid_grant answer at
// the token endpoint.
func IsInvalidGrant(err error) bool {
	return errors.Is(err, ErrCodeNotFound) || errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrCodeMismatch)
}
