package client

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopwork/ci-oauth-broker/store"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrInvalidSecret  = errors.New("invalid client secret")
)

// Registration defaults applied when the metadata omits a field (RFC 7591).
const (
	DefaultTokenEndpointAuth = "client_secret_post"
	DefaultScope             = "read"
)

// ClientTTL is how long a registration stays valid in the credential store.
const ClientTTL = 365 * 24 * time.Hour

// Client represents a registered OAuth2 client application.
//
//nolint:tagliatelle
type Client struct {
	ID                string    `json:"client_id"`
	Secret            string    `json:"client_secret"`
	RedirectURIs      []string  `json:"redirect_uris,omitempty"`
	GrantTypes        []string  `json:"grant_types"`
	ResponseTypes     []string  `json:"response_types"`
	TokenEndpointAuth string    `json:"token_endpoint_auth_method"`
	Name              string    `json:"client_name,omitempty"`
	URI               string    `json:"client_uri,omitempty"`
	Scope             string    `json:"scope"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate rejects malformed store records so they are treated as absent
// instead of trusted.
func (c *Client) Validate() error {
	if c.ID == "" || c.Secret == "" || c.CreatedAt.IsZero() {
		return fmt.Errorf("malformed client record")
	}
	return nil
}

// Metadata is the dynamic registration request body (RFC 7591 subset).
//
//nolint:tagliatelle
type Metadata struct {
	RedirectURIs      []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuth string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes        []string `json:"grant_types,omitempty"`
	ResponseTypes     []string `json:"response_types,omitempty"`
	Name              string   `json:"client_name,omitempty"`
	URI               string   `json:"client_uri,omitempty"`
	Scope             string   `json:"scope,omitempty"`
}

// Registrar handles dynamic client registration and lookup.
type Registrar struct {
	store store.Store
}

// NewRegistrar creates a new Registrar backed by the credential store.
func NewRegistrar(st store.Store) *Registrar {
	return &Registrar{store: st}
}

// generateRandomString creates a cryptographically secure random string of the specified length
func generateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	_, _ = rand.Read(b)

	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}

	return string(b)
}

// Register creates a new client from the supplied metadata, applying defaults
// for omitted fields, and persists the record with a long TTL.
func (r *Registrar) Register(ctx context.Context, meta Metadata) (*Client, error) {
	cli := &Client{
		ID:                uuid.NewString(),
		Secret:            generateRandomString(32),
		RedirectURIs:      meta.RedirectURIs,
		GrantTypes:        meta.GrantTypes,
		ResponseTypes:     meta.ResponseTypes,
		TokenEndpointAuth: meta.TokenEndpointAuth,
		Name:              meta.Name,
		URI:               meta.URI,
		Scope:             meta.Scope,
		CreatedAt:         time.Now().UTC(),
	}

	if len(cli.GrantTypes) == 0 {
		cli.GrantTypes = []string{"authorization_code"}
	}
	if len(cli.ResponseTypes) == 0 {
		cli.ResponseTypes = []string{"code"}
	}
	if cli.TokenEndpointAuth == "" {
		cli.TokenEndpointAuth = DefaultTokenEndpointAuth
	}
	if cli.Scope == "" {
		cli.Scope = DefaultScope
	}

	if err := r.store.Put(ctx, store.ClientKey(cli.ID), cli, ClientTTL); err != nil {
		return nil, fmt.Errorf("failed to persist client registration: %w", err)
	}

	return cli, nil
}

// Get retrieves a registered client by ID.
func (r *Registrar) Get(ctx context.Context, clientID string) (*Client, error) {
	var cli Client
	found, err := r.store.Get(ctx, store.ClientKey(clientID), &cli)
	if err != nil {
		return nil, fmt.Errorf("failed to read client record: %w", err)
	}
	if !found {
		return nil, ErrClientNotFound
	}
	if err := cli.Validate(); err != nil {
		return nil, ErrClientNotFound
	}

	return &cli, nil
}

// VerifySecret checks a presented client secret against the registered one
// with a constant-time comparison. The registered record must exist and the
// secret must match exactly.
func (r *Registrar) VerifySecret(ctx context.Context, clientID, clientSecret string) error {
	cli, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(cli.Secret), []byte(clientSecret)) != 1 {
		return ErrInvalidSecret
	}

	return nil
}
