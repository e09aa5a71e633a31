package store

import (
	"fmt"
	"time"
)

// AuthorizationCode is the short-lived, single-use credential minted by the
// broker and redeemed at the token endpoint.
type AuthorizationCode struct {
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scope       string    `json:"scope"`
	UserID      string    `json:"user_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its own expiry, independent of
// store eviction.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Validate rejects records whose required fields are missing, so a malformed
// store entry is treated as absent instead of trusted.
func (c *AuthorizationCode) Validate() error {
	if c.ClientID == "" || c.RedirectURI == "" || c.ExpiresAt.IsZero() {
		return fmt.Errorf("malformed authorization code record")
	}
	return nil
}

// AccessToken is the bearer credential issued by the token endpoint and
// checked by the token validator on every resource call.
type AccessToken struct {
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t *AccessToken) Validate() error {
	if t.ClientID == "" || t.ExpiresAt.IsZero() {
		return fmt.Errorf("malformed access token record")
	}
	return nil
}

// AuthorizationGrant records that a user completed an upstream login for a
// client. It evidences a standing grant; consent is still prompted on every
// authorization request.
type AuthorizationGrant struct {
	AuthorizedAt time.Time `json:"authorized_at"`
	Scope        string    `json:"scope"`
	UserID       string    `json:"user_id"`
	UserEmail    string    `json:"user_email,omitempty"`
	UserName     string    `json:"user_name,omitempty"`
}

func (g *AuthorizationGrant) Validate() error {
	if g.UserID == "" || g.AuthorizedAt.IsZero() {
		return fmt.Errorf("malformed authorization grant record")
	}
	return nil
}
