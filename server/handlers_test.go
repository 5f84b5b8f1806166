package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://issuer.test"
	cfg.Server.SecretsPath = ""
	cfg.Tokens.KeyRotateInterval = 0
	cfg.Clients = []ClientConfig{
		{
			ClientID:     "webapp",
			ClientSecret: "s3cret",
			Name:         "Web App",
			RedirectURIs: []string{"https://rp.test/callback"},
			Scopes:       []string{"openid", "profile", "email"},
		},
		{
			ClientID:     "locked",
			ClientSecret: "s3cret",
			RedirectURIs: []string{"https://locked.test/callback"},
			Scopes:       []string{"openid"},
		},
	}
	cfg.Users = []UserConfig{{
		ID:       "user-1",
		Username: "alice",
		Password: "wonderland",
		Email:    "alice@example.test",
		Name:     "Alice",
	}}
	cfg.Permissions = []PermissionGroupConfig{
		{ClientID: "webapp", DefaultAllowed: true, Scopes: []string{"openid", "profile", "email"}},
		{ClientID: "locked", DefaultAllowed: false},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

// authorizeForCode drives login and consent and returns the issued code.
func authorizeForCode(t *testing.T, ts *httptest.Server, scope string) string {
	t.Helper()
	form := url.Values{
		"response_type": {"code"},
		"client_id":     {"webapp"},
		"redirect_uri":  {"https://rp.test/callback"},
		"scope":         {scope},
		"state":         {"xyz"},
		"nonce":         {"n-1"},
		"username":      {"alice"},
		"password":      {"wonderland"},
		"action":        {"approve"},
	}
	resp, err := noRedirectClient().PostForm(ts.URL+"/login", form)
	if err != nil {
		t.Fatalf("authorize submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize submit status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Query().Get("state") != "xyz" {
		t.Fatalf("state not echoed: %s", loc)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", loc)
	}
	return code
}

func exchangeCode(t *testing.T, ts *httptest.Server, code string) TokenResponse {
	t.Helper()
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://rp.test/callback"},
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("webapp", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("token status = %d: %s", resp.StatusCode, body)
	}
	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	return tokens
}

func TestDiscoveryAndJWKS(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	defer resp.Body.Close()
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if doc["issuer"] != "http://issuer.test" {
		t.Errorf("issuer = %v", doc["issuer"])
	}
	if doc["token_endpoint"] != "http://issuer.test/token" {
		t.Errorf("token_endpoint = %v", doc["token_endpoint"])
	}

	resp, err = http.Get(ts.URL + "/jwks.json")
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	defer resp.Body.Close()
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) == 0 {
		t.Fatalf("jwks should publish at least one key")
	}
	for _, key := range jwks.Keys {
		if _, private := key["d"]; private {
			t.Fatalf("jwks must not leak private key material")
		}
	}
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	// The authorize endpoint renders the login form.
	resp, err := http.Get(ts.URL + "/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {"webapp"},
		"redirect_uri":  {"https://rp.test/callback"},
		"scope":         {"openid email"},
	}.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "<form") {
		t.Fatalf("authorize should render the login form, status %d", resp.StatusCode)
	}

	code := authorizeForCode(t, ts, "openid email")
	tokens := exchangeCode(t, ts, code)
	if tokens.IDToken == "" {
		t.Fatalf("openid scope should yield an id token")
	}
	if tokens.Scope != "openid email" {
		t.Errorf("scope = %q", tokens.Scope)
	}

	// Userinfo honors the access token and the granted scope.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	uresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	defer uresp.Body.Close()
	var userinfo map[string]any
	if err := json.NewDecoder(uresp.Body).Decode(&userinfo); err != nil {
		t.Fatalf("decode userinfo: %v", err)
	}
	if userinfo["sub"] != "user-1" {
		t.Errorf("sub = %v", userinfo["sub"])
	}
	if userinfo["email"] != "alice@example.test" {
		t.Errorf("email = %v", userinfo["email"])
	}
	if _, ok := userinfo["name"]; ok {
		t.Errorf("name must not appear without the profile scope")
	}
}

func TestTokenEndpointRefreshAndRevoke(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	tokens := exchangeCode(t, ts, authorizeForCode(t, ts, "openid"))

	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/token", strings.NewReader(refreshForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("webapp", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	var rotated TokenResponse
	_ = json.NewDecoder(resp.Body).Decode(&rotated)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || rotated.RefreshToken == tokens.RefreshToken {
		t.Fatalf("refresh should rotate, status %d", resp.StatusCode)
	}

	revokeForm := url.Values{"token": {rotated.RefreshToken}}
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/revoke", strings.NewReader(revokeForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("webapp", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}

	// Introspection reports the revoked token inactive.
	introspectForm := url.Values{"token": {rotated.RefreshToken}}
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/introspect", strings.NewReader(introspectForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("webapp", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	defer resp.Body.Close()
	var state map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&state)
	if state["active"] != false {
		t.Fatalf("revoked token should introspect inactive: %v", state)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	post := func(form url.Values, user, pass string) (*http.Response, map[string]string) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("token request: %v", err)
		}
		defer resp.Body.Close()
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp, body
	}

	resp, body := post(url.Values{"grant_type": {"password"}}, "webapp", "s3cret")
	if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorUnsupportedGrantType {
		t.Errorf("password grant: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = post(url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"bogus"},
		"redirect_uri": {"https://rp.test/callback"},
	}, "webapp", "wrong-secret")
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != ErrorInvalidClient {
		t.Errorf("bad client secret: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = post(url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"bogus"},
		"redirect_uri": {"https://rp.test/callback"},
	}, "webapp", "s3cret")
	if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorInvalidGrant {
		t.Errorf("bogus code: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = post(url.Values{"grant_type": {"refresh_token"}}, "webapp", "s3cret")
	if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorInvalidRequest {
		t.Errorf("missing refresh_token: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestAuthorizeRejectsUnknownClientWithoutRedirect(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	resp, err := noRedirectClient().Get(ts.URL + "/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {"ghost"},
		"redirect_uri":  {"https://evil.test/cb"},
	}.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown client must never be redirected, status = %d", resp.StatusCode)
	}
}

func TestAuthorizeRedirectsProtocolErrors(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	resp, err := noRedirectClient().Get(ts.URL + "/authorize?" + url.Values{
		"response_type": {"token"},
		"client_id":     {"webapp"},
		"redirect_uri":  {"https://rp.test/callback"},
		"state":         {"abc"},
	}.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != ErrorUnsupportedResponseType {
		t.Errorf("error = %q", loc.Query().Get("error"))
	}
	if loc.Query().Get("state") != "abc" {
		t.Errorf("state not echoed")
	}
}

func TestAuthorizeDeniedByPermissionEngine(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	form := url.Values{
		"response_type": {"code"},
		"client_id":     {"locked"},
		"redirect_uri":  {"https://locked.test/callback"},
		"scope":         {"openid"},
		"username":      {"alice"},
		"password":      {"wonderland"},
		"action":        {"approve"},
	}
	resp, err := noRedirectClient().PostForm(ts.URL+"/login", form)
	if err != nil {
		t.Fatalf("authorize submit: %v", err)
	}
	defer resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != ErrorAccessDenied {
		t.Fatalf("default-deny client should produce access_denied, got %q", loc.Query().Get("error"))
	}
}

func TestAuthorizeUserDenies(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	form := url.Values{
		"response_type": {"code"},
		"client_id":     {"webapp"},
		"redirect_uri":  {"https://rp.test/callback"},
		"scope":         {"openid"},
		"action":        {"deny"},
	}
	resp, err := noRedirectClient().PostForm(ts.URL+"/login", form)
	if err != nil {
		t.Fatalf("authorize submit: %v", err)
	}
	defer resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != ErrorAccessDenied {
		t.Fatalf("deny action should produce access_denied, got %q", loc.Query().Get("error"))
	}
}

func TestUserinfoRejectsRevokedToken(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Routes())
	defer ts.Close()

	tokens := exchangeCode(t, ts, authorizeForCode(t, ts, "openid"))

	revokeForm := url.Values{"token": {tokens.AccessToken}}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/revoke", strings.NewReader(revokeForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("webapp", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked access token should be rejected, status = %d", resp.StatusCode)
	}
}
