package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	broker "github.com/loopwork/ci-oauth-broker"
	"github.com/loopwork/ci-oauth-broker/client"
	"github.com/loopwork/ci-oauth-broker/cookie"
	"github.com/loopwork/ci-oauth-broker/store/memory"
)

const testSigningKey = "test-cookie-signing-key"

// fakeIdP is a stand-in upstream identity provider serving the token and
// userinfo endpoints the callback exercises.
func fakeIdP(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.FormValue("code") != "upstream-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"upstream-token","token_type":"Bearer","expires_in":300}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"user-1","email":"user@example.com","name":"User One"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	echo    *echo.Echo
	service *broker.OAuthService
	idp     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })

	idp := fakeIdP(t)

	service := broker.NewOAuthService(st)
	registrar := client.NewRegistrar(st)
	upstream := broker.NewUpstreamClient(broker.UpstreamConfig{
		AuthorizationURL: idp.URL + "/authorize",
		TokenURL:         idp.URL + "/token",
		UserInfoURL:      idp.URL + "/userinfo",
		ClientID:         "broker-at-idp",
		ClientSecret:     "broker-secret",
		CallbackURL:      "https://broker.example/oauth/callback",
	})
	codec := cookie.NewCodec(testSigningKey)

	oauthAPI := NewOAuth2API(service, registrar, upstream, codec, "https://broker.example")

	e := echo.New()
	oauthAPI.RegisterRoutes(e)

	return &testEnv{echo: e, service: service, idp: idp}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return env.do(req)
}

func (env *testEnv) registerClient(t *testing.T) *RegistrationResponse {
	t.Helper()

	body := `{"client_name":"CI Dashboard","redirect_uris":["https://app.example/cb"]}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var reg RegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	return &reg
}

// startFlow runs register, authorize, and consent approval, returning the
// upstream correlation token and the sealed flow cookie.
func (env *testEnv) startFlow(t *testing.T, reg *RegistrationResponse, externalState string) (string, *http.Cookie) {
	t.Helper()

	form := url.Values{}
	form.Set("client_id", reg.ClientID)
	form.Set("redirect_uri", "https://app.example/cb")
	form.Set("scope", "read")
	form.Set("state", externalState)
	form.Set("action", "allow")
	rec := env.postForm("/oauth/consent", form)
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(location.String(), env.idp.URL+"/authorize"))
	correlation := location.Query().Get("state")
	require.NotEmpty(t, correlation)

	var flowCookie *http.Cookie
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == cookie.Name {
			flowCookie = ck
		}
	}
	require.NotNil(t, flowCookie, "consent approval must set the flow cookie")

	return correlation, flowCookie
}

func TestRegisterAppliesDefaults(t *testing.T) {
	env := newTestEnv(t)

	reg := env.registerClient(t)

	assert.NotEmpty(t, reg.ClientID)
	assert.NotEmpty(t, reg.ClientSecret)
	assert.NotZero(t, reg.ClientIDIssuedAt)
	assert.Zero(t, reg.ClientSecretExpiresAt)
	assert.Equal(t, "client_secret_post", reg.TokenEndpointAuth)
	assert.Equal(t, []string{"authorization_code"}, reg.GrantTypes)
	assert.Equal(t, []string{"code"}, reg.ResponseTypes)
	assert.Equal(t, "read", reg.Scope)
	assert.Equal(t, "CI Dashboard", reg.Name)
}

func TestRegisterRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestAuthorizeRendersConsentPage(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerClient(t)

	q := url.Values{}
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", "https://app.example/cb")
	q.Set("response_type", "code")
	q.Set("state", "xyz")
	rec := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, reg.ClientID)
	assert.Contains(t, body, "https://app.example/cb")
	assert.Contains(t, body, `name="state" value="xyz"`)
	// Omitted scope falls back to the registration default.
	assert.Contains(t, body, `name="scope" value="read"`)
}

func TestAuthorizeRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		query url.Values
	}{
		{"missing client_id", url.Values{"redirect_uri": {"https://a/cb"}, "response_type": {"code"}}},
		{"missing redirect_uri", url.Values{"client_id": {"c"}, "response_type": {"code"}}},
		{"wrong response_type", url.Values{"client_id": {"c"}, "redirect_uri": {"https://a/cb"}, "response_type": {"token"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+tt.query.Encode(), nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_request")
		})
	}
}

func TestConsentDenialRedirectsWithError(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerClient(t)

	form := url.Values{}
	form.Set("client_id", reg.ClientID)
	form.Set("redirect_uri", "https://app.example/cb")
	form.Set("scope", "read")
	form.Set("state", "xyz")
	form.Set("action", "deny")
	rec := env.postForm("/oauth/consent", form)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example", location.Host)
	assert.Equal(t, "access_denied", location.Query().Get("error"))
	assert.Equal(t, "xyz", location.Query().Get("state"))
	assert.Empty(t, rec.Result().Cookies(), "denial must not set a flow cookie")
}

func TestConsentRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		form url.Values
	}{
		{"missing client_id", url.Values{"redirect_uri": {"https://a/cb"}, "scope": {"read"}, "action": {"allow"}}},
		{"missing action", url.Values{"client_id": {"c"}, "redirect_uri": {"https://a/cb"}, "scope": {"read"}}},
		{"relative redirect_uri", url.Values{"client_id": {"c"}, "redirect_uri": {"/cb"}, "scope": {"read"}, "action": {"allow"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postForm("/oauth/consent", tt.form)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_request")
		})
	}
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerClient(t)

	correlation, flowCookie := env.startFlow(t, reg, "xyz")

	// The upstream state carries the correlation token, never the client's
	// own state value.
	assert.NotEqual(t, "xyz", correlation)

	q := url.Values{}
	q.Set("code", "upstream-code")
	q.Set("state", correlation)
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil)
	req.AddCookie(flowCookie)
	rec := env.do(req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example", location.Host)
	assert.Equal(t, "xyz", location.Query().Get("state"))
	authCode := location.Query().Get("code")
	require.NotEmpty(t, authCode)

	// The flow cookie was cleared on the way out.
	var cleared bool
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == cookie.Name {
			cleared = ck.MaxAge < 0
		}
	}
	assert.True(t, cleared, "callback must clear the flow cookie")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", authCode)
	form.Set("client_id", reg.ClientID)
	form.Set("client_secret", reg.ClientSecret)
	tokenRec := env.postForm("/token", form)

	require.Equal(t, http.StatusOK, tokenRec.Code)
	var tokenResp broker.TokenResponse
	require.NoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &tokenResp))
	assert.NotEmpty(t, tokenResp.AccessToken)
	assert.Equal(t, "Bearer", tokenResp.TokenType)
	assert.Equal(t, 3600, tokenResp.ExpiresIn)
	assert.Equal(t, "read", tokenResp.Scope)

	// The issued token validates and carries the upstream identity binding.
	record, err := env.service.ValidateToken(req.Context(), tokenResp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.ClientID, record.ClientID)
	assert.Equal(t, "user-1", record.UserID)

	// The standing grant was recorded for the client/user pair.
	grant, found, err := env.service.GetGrant(req.Context(), reg.ClientID, "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "user@example.com", grant.UserEmail)

	// A second redemption of the same code fails: codes are single use.
	replay := env.postForm("/token", form)
	assert.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Contains(t, replay.Body.String(), "invalid_grant")
}

func TestCallbackRejectsUpstreamError(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
}

func TestCallbackRejectsMissingParams(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		query string
	}{
		{"missing code", "state=abc"},
		{"missing state", "code=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?"+tt.query, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCallbackRejectsMissingCookie(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=upstream-code&state=abc", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing flow state cookie")
}

func TestCallbackRejectsTamperedCookie(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerClient(t)

	correlation, flowCookie := env.startFlow(t, reg, "xyz")

	// A cookie sealed under a different key fails the MAC check.
	forged, err := cookie.NewCodec("attacker-key").SealState(&cookie.FlowState{
		ClientID:         reg.ClientID,
		RedirectURI:      "https://evil.example/cb",
		CorrelationToken: correlation,
	})
	require.NoError(t, err)
	flowCookie.Value = forged

	q := url.Values{}
	q.Set("code", "upstream-code")
	q.Set("state", correlation)
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil)
	req.AddCookie(flowCookie)
	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid flow state cookie")
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerClient(t)

	_, flowCookie := env.startFlow(t, reg, "xyz")

	q := url.Values{}
	q.Set("code", "upstream-code")
	q.Set("state", "not-the-correlation-token")
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil)
	req.AddCookie(flowCookie)
	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "State mismatch")
}

func TestCallbackSurfacesUpstreamExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerClient(t)

	correlation, flowCookie := env.startFlow(t, reg, "xyz")

	q := url.Values{}
	q.Set("code", "code-the-idp-rejects")
	q.Set("state", correlation)
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil)
	req.AddCookie(flowCookie)
	rec := env.do(req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "server_error")
}

func TestTokenRejectsUnsupportedGrantType(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("code", "x")
	form.Set("client_id", "c")
	rec := env.postForm("/token", form)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")
}

func TestTokenRejectsMissingParams(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	rec := env.postForm("/token", form)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestTokenRejectsWrongClientSecret(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerClient(t)

	code, err := env.service.GenerateAuthCode(
		httptest.NewRequest(http.MethodGet, "/", nil).Context(),
		reg.ClientID, "https://app.example/cb", "read", "user-1",
	)
	require.NoError(t, err)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", reg.ClientID)
	form.Set("client_secret", "wrong")
	rec := env.postForm("/token", form)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")
}

func TestTokenRejectsCodeBoundToOtherClient(t *testing.T) {
	env := newTestEnv(t)
	reg := env.registerClient(t)
	other := env.registerClient(t)

	code, err := env.service.GenerateAuthCode(
		httptest.NewRequest(http.MethodGet, "/", nil).Context(),
		other.ClientID, "https://app.example/cb", "read", "user-1",
	)
	require.NoError(t, err)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", reg.ClientID)
	form.Set("client_secret", reg.ClientSecret)
	rec := env.postForm("/token", form)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestMetadataDocument(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta AuthorizationServerMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "https://broker.example", meta.Issuer)
	assert.Equal(t, "https://broker.example/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, "https://broker.example/token", meta.TokenEndpoint)
	assert.Equal(t, "https://broker.example/register", meta.RegistrationEndpoint)
	assert.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
	assert.Equal(t, []string{"authorization_code"}, meta.GrantTypesSupported)
	assert.Contains(t, meta.TokenEndpointAuthMethodsSupported, "none")
}

func TestJWKSDocumentIsEmpty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"keys":[]}`, rec.Body.String())
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OAuth")
}
