package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/ci-oauth-broker/store/memory"
)

func TestRegisterAppliesDefaults(t *testing.T) {
	st := memory.New()
	defer st.Close()
	registrar := NewRegistrar(st)

	cli, err := registrar.Register(context.Background(), Metadata{
		RedirectURIs: []string{"https://app.example/cb"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, cli.ID)
	assert.Len(t, cli.Secret, 32)
	assert.Equal(t, []string{"authorization_code"}, cli.GrantTypes)
	assert.Equal(t, []string{"code"}, cli.ResponseTypes)
	assert.Equal(t, DefaultTokenEndpointAuth, cli.TokenEndpointAuth)
	assert.Equal(t, DefaultScope, cli.Scope)
	assert.False(t, cli.CreatedAt.IsZero())
}

func TestRegisterEchoesMetadata(t *testing.T) {
	st := memory.New()
	defer st.Close()
	registrar := NewRegistrar(st)

	cli, err := registrar.Register(context.Background(), Metadata{
		RedirectURIs:      []string{"https://app.example/cb"},
		TokenEndpointAuth: "none",
		GrantTypes:        []string{"authorization_code"},
		ResponseTypes:     []string{"code"},
		Name:              "Example App",
		URI:               "https://app.example",
		Scope:             "write",
	})
	require.NoError(t, err)

	assert.Equal(t, "Example App", cli.Name)
	assert.Equal(t, "https://app.example", cli.URI)
	assert.Equal(t, "none", cli.TokenEndpointAuth)
	assert.Equal(t, "write", cli.Scope)
}

func TestRegisteredClientIsRetrievable(t *testing.T) {
	st := memory.New()
	defer st.Close()
	registrar := NewRegistrar(st)
	ctx := context.Background()

	cli, err := registrar.Register(ctx, Metadata{Name: "Example App"})
	require.NoError(t, err)

	got, err := registrar.Get(ctx, cli.ID)
	require.NoError(t, err)
	assert.Equal(t, cli.ID, got.ID)
	assert.Equal(t, cli.Secret, got.Secret)
	assert.Equal(t, "Example App", got.Name)
}

func TestGetUnknownClient(t *testing.T) {
	st := memory.New()
	defer st.Close()
	registrar := NewRegistrar(st)

	_, err := registrar.Get(context.Background(), "no-such-client")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestVerifySecret(t *testing.T) {
	st := memory.New()
	defer st.Close()
	registrar := NewRegistrar(st)
	ctx := context.Background()

	cli, err := registrar.Register(ctx, Metadata{})
	require.NoError(t, err)

	assert.NoError(t, registrar.VerifySecret(ctx, cli.ID, cli.Secret))
	assert.ErrorIs(t, registrar.VerifySecret(ctx, cli.ID, "wrong-secret"), ErrInvalidSecret)
	assert.ErrorIs(t, registrar.VerifySecret(ctx, "no-such-client", cli.Secret), ErrClientNotFound)
}
