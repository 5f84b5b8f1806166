package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

// App wires together the application state.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Store       Store
	Clients     *ClientRegistry
	Users       UserDirectory
	Keys        *KeyManager
	Codec       *Codec
	Permissions *PermissionService
	Codes       *CodeService
	Tokens      *TokenService
	Metrics     *Metrics

	discovery map[string]any
}

// NewApp builds the application from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var store Store
	switch cfg.Storage.Driver {
	case StoragePostgres:
		pg, err := OpenPostgres(ctx, cfg.Storage.DSN, cfg.Storage.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		store = pg
	default:
		store = NewMemStore()
	}

	clients, err := NewClientRegistry(cfg.ClientSeeds())
	if err != nil {
		return nil, err
	}
	seedUsers, err := cfg.SeedUsers()
	if err != nil {
		return nil, err
	}

	keyPath := ""
	if cfg.Server.SecretsPath != "" {
		keyPath = filepath.Join(cfg.Server.SecretsPath, "jwks.json")
	}
	keys, err := NewKeyManager(keyPath, cfg.Tokens.KeyRotateInterval.Std(), logger)
	if err != nil {
		return nil, err
	}

	codec := NewCodec(cfg.Issuer(), cfg.Tokens.AccessTTL.Std(), cfg.Tokens.IDTokenTTL.Std(), keys)
	users := NewStaticDirectory(seedUsers)
	permissions := NewPermissionService(store.Permissions(), logger)
	tokens := NewTokenService(store.Grants(), codec, users, cfg.Tokens.RefreshTTL.Std(), logger)
	codes := NewCodeService(store.Codes(), tokens, cfg.Tokens.CodeTTL.Std(), logger)

	for _, group := range cfg.PermissionSeeds() {
		if err := permissions.UpsertGroup(ctx, group); err != nil {
			return nil, fmt.Errorf("seed permission group %s: %w", group.ClientID, err)
		}
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Clients:     clients,
		Users:       users,
		Keys:        keys,
		Codec:       codec,
		Permissions: permissions,
		Codes:       codes,
		Tokens:      tokens,
		Metrics:     NewMetrics(),
		discovery:   BuildDiscoveryDocument(cfg.Issuer()),
	}, nil
}

// Close releases the storage backend.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.discovery)
}

func (a *App) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.Keys.PublicJWKS())
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// AuthorizeRequest holds the validated parameters of an authorization
// request.
type AuthorizeRequest struct {
	Client              Client
	RedirectURI         string
	Scope               ScopeSet
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// handleAuthorize validates the authorization request and renders the
// login form that re-submits the same parameters.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.authorizeError(w, req, err)
		return
	}
	a.renderLogin(w, req, "")
}

// handleAuthorizeSubmit authenticates the user, applies the permission
// engine and redirects back to the client with a code or an error.
func (a *App) handleAuthorizeSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.authorizeError(w, req, err)
		return
	}

	if r.PostFormValue("action") == "deny" {
		a.Metrics.AccessDenials.WithLabelValues("user_denied").Inc()
		a.authorizeError(w, req, NewError(ErrorAccessDenied, "the user denied the request"))
		return
	}

	user, err := a.Users.Authenticate(r.Context(), r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		a.renderLogin(w, req, "invalid username or password")
		return
	}

	decision, err := a.Permissions.Resolve(r.Context(), user.ID, req.Client.ID, req.Scope)
	if err != nil {
		a.Logger.Error("permission resolution failed", "error", err,
			"user_id", user.ID, "client_id", req.Client.ID)
		a.authorizeError(w, req, err)
		return
	}
	if !decision.HasPermission() {
		a.Metrics.AccessDenials.WithLabelValues(decision.Reason).Inc()
		a.Logger.Info("authorization denied",
			"user_id", user.ID, "client_id", req.Client.ID, "reason", decision.Reason)
		a.authorizeError(w, req, NewError(ErrorAccessDenied, "access denied"))
		return
	}

	scope := Negotiate(req.Client.Scopes, req.Scope, decision.Granted)
	code, err := a.Codes.Issue(r.Context(), IssueRequest{
		UserID:              user.ID,
		ClientID:            req.Client.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
	})
	if err != nil {
		a.Logger.Error("code issuance failed", "error", err, "client_id", req.Client.ID)
		a.authorizeError(w, req, err)
		return
	}
	a.Metrics.CodesIssued.Inc()

	uri, _ := url.Parse(req.RedirectURI)
	q := uri.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

// parseAuthorizeRequest validates the authorization parameters. Client
// and redirect URI problems fail before a redirect target exists, so
// those surface as direct errors; everything later redirects back to
// the client.
func (a *App) parseAuthorizeRequest(r *http.Request) (AuthorizeRequest, error) {
	if err := r.ParseForm(); err != nil {
		return AuthorizeRequest{}, NewError(ErrorInvalidRequest, "malformed request")
	}
	param := func(key string) string {
		if v := r.PostFormValue(key); v != "" {
			return v
		}
		return r.FormValue(key)
	}

	client, err := a.Clients.Get(r.Context(), param("client_id"))
	if err != nil {
		return AuthorizeRequest{}, NewError(ErrorInvalidClient, "unknown client")
	}
	redirectURI := param("redirect_uri")
	if !client.ValidRedirect(redirectURI) {
		return AuthorizeRequest{}, NewError(ErrorInvalidRequest, "redirect_uri is not registered for this client")
	}

	req := AuthorizeRequest{
		Client:              client,
		RedirectURI:         redirectURI,
		State:               param("state"),
		Nonce:               param("nonce"),
		CodeChallenge:       param("code_challenge"),
		CodeChallengeMethod: param("code_challenge_method"),
	}

	if rt := param("response_type"); rt != "code" {
		return req, Errf(ErrorUnsupportedResponseType, "response_type %q is not supported", rt)
	}

	req.Scope = ParseScopes(param("scope"))
	if req.Scope.Empty() {
		req.Scope = client.Scopes.Clone()
	}

	if req.CodeChallenge != "" && req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = PKCEMethodPlain
	}
	switch req.CodeChallengeMethod {
	case "", PKCEMethodS256, PKCEMethodPlain:
	default:
		return req, Errf(ErrorInvalidRequest, "code_challenge_method %q is not supported", req.CodeChallengeMethod)
	}
	if client.Public && req.CodeChallenge == "" {
		return req, NewError(ErrorInvalidRequest, "public clients must use PKCE")
	}

	return req, nil
}

// authorizeError reports an authorization failure, redirecting when a
// validated redirect URI exists and answering directly otherwise.
func (a *App) authorizeError(w http.ResponseWriter, req AuthorizeRequest, err error) {
	code, desc := ErrorCode(err), ErrorDescription(err)
	if req.RedirectURI == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error": code, "error_description": desc,
		})
		return
	}
	uri, perr := url.Parse(req.RedirectURI)
	if perr != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if req.State != "" {
		q.Set("state", req.State)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in to continue to {{.ClientName}}</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<p>Requested scopes: {{.Scope}}</p>
<form method="POST" action="{{.Action}}">
  <input type="hidden" name="response_type" value="code">
  <input type="hidden" name="client_id" value="{{.ClientID}}">
  <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
  <input type="hidden" name="scope" value="{{.Scope}}">
  <input type="hidden" name="state" value="{{.State}}">
  <input type="hidden" name="nonce" value="{{.Nonce}}">
  <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
  <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
  <label>Username <input type="text" name="username" autofocus></label>
  <label>Password <input type="password" name="password"></label>
  <button type="submit" name="action" value="approve">Sign in and approve</button>
  <button type="submit" name="action" value="deny">Deny</button>
</form>
</body>
</html>`))

func (a *App) renderLogin(w http.ResponseWriter, req AuthorizeRequest, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := loginTemplate.Execute(w, map[string]string{
		"ClientName":          req.Client.Name,
		"ClientID":            req.Client.ID,
		"RedirectURI":         req.RedirectURI,
		"Scope":               req.Scope.String(),
		"State":               req.State,
		"Nonce":               req.Nonce,
		"CodeChallenge":       req.CodeChallenge,
		"CodeChallengeMethod": req.CodeChallengeMethod,
		"Action":              a.Config.Server.LoginURL,
		"Error":               errMsg,
	})
	if err != nil {
		a.Logger.Error("login template render failed", "error", err)
	}
}

// Token endpoint request variants.
type tokenRequest interface {
	grantType() string
}

type authorizationCodeRequest struct {
	code         string
	redirectURI  string
	codeVerifier string
}

func (authorizationCodeRequest) grantType() string { return "authorization_code" }

type refreshTokenRequest struct {
	refreshToken string
}

func (refreshTokenRequest) grantType() string { return "refresh_token" }

type clientCredentialsRequest struct {
	scope ScopeSet
}

func (clientCredentialsRequest) grantType() string { return "client_credentials" }

func parseTokenRequest(r *http.Request) (tokenRequest, error) {
	switch gt := r.FormValue("grant_type"); gt {
	case "authorization_code":
		req := authorizationCodeRequest{
			code:         r.FormValue("code"),
			redirectURI:  r.FormValue("redirect_uri"),
			codeVerifier: r.FormValue("code_verifier"),
		}
		if req.code == "" {
			return nil, NewError(ErrorInvalidRequest, "code is required")
		}
		if req.redirectURI == "" {
			return nil, NewError(ErrorInvalidRequest, "redirect_uri is required")
		}
		return req, nil
	case "refresh_token":
		req := refreshTokenRequest{refreshToken: r.FormValue("refresh_token")}
		if req.refreshToken == "" {
			return nil, NewError(ErrorInvalidRequest, "refresh_token is required")
		}
		return req, nil
	case "client_credentials":
		return clientCredentialsRequest{scope: ParseScopes(r.FormValue("scope"))}, nil
	case "":
		return nil, NewError(ErrorInvalidRequest, "grant_type is required")
	default:
		return nil, Errf(ErrorUnsupportedGrantType, "grant_type %q is not supported", gt)
	}
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.tokenError(w, NewError(ErrorInvalidRequest, "malformed form body"))
		return
	}
	req, err := parseTokenRequest(r)
	if err != nil {
		a.tokenError(w, err)
		return
	}
	client, err := a.authenticateClient(r)
	if err != nil {
		a.tokenError(w, err)
		return
	}

	var resp TokenResponse
	switch req := req.(type) {
	case authorizationCodeRequest:
		resp, err = a.Codes.Exchange(r.Context(), req.code, client.ID, req.redirectURI, req.codeVerifier)
		a.Metrics.CodeExchanges.WithLabelValues(resultLabel(err)).Inc()
	case refreshTokenRequest:
		resp, err = a.Tokens.Refresh(r.Context(), req.refreshToken, client.ID)
		a.Metrics.TokenRefreshes.WithLabelValues(resultLabel(err)).Inc()
	case clientCredentialsRequest:
		resp, err = a.Tokens.MintClientCredentials(r.Context(), client, req.scope)
	}
	if err != nil {
		if ErrorCode(err) == ErrorServerError {
			a.Logger.Error("token grant failed", "grant_type", req.grantType(), "error", err)
		}
		a.tokenError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, resp)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := a.Codec.VerifyAccessToken(token)
	if err != nil {
		a.userinfoUnauthorized(w)
		return
	}
	grant, err := a.Store.Grants().FindByAccessTokenID(r.Context(), claims.ID)
	if err != nil || grant.Revoked {
		a.userinfoUnauthorized(w)
		return
	}

	resp := map[string]any{"sub": claims.Subject}
	if user, err := a.Users.GetUser(r.Context(), claims.Subject); err == nil {
		for k, v := range AuthClaims(user, ParseScopes(claims.Scope)) {
			resp[k] = v
		}
	}
	writeJSON(w, resp)
}

func (a *App) userinfoUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	http.Error(w, "invalid token", http.StatusUnauthorized)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.tokenError(w, NewError(ErrorInvalidRequest, "malformed form body"))
		return
	}
	if _, err := a.authenticateClient(r); err != nil {
		a.tokenError(w, err)
		return
	}
	token := r.FormValue("token")
	if token == "" {
		a.tokenError(w, NewError(ErrorInvalidRequest, "token is required"))
		return
	}
	writeJSON(w, a.Tokens.Introspect(r.Context(), token))
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.tokenError(w, NewError(ErrorInvalidRequest, "malformed form body"))
		return
	}
	client, err := a.authenticateClient(r)
	if err != nil {
		a.tokenError(w, err)
		return
	}
	token := r.FormValue("token")
	if token == "" {
		a.tokenError(w, NewError(ErrorInvalidRequest, "token is required"))
		return
	}
	if err := a.Tokens.Revoke(r.Context(), token, client.ID); err != nil {
		if ErrorCode(err) == ErrorServerError {
			a.Logger.Error("revocation failed", "error", err, "client_id", client.ID)
		}
		a.tokenError(w, err)
		return
	}
	a.Metrics.TokenRevocations.Inc()
	w.WriteHeader(http.StatusOK)
}

func (a *App) authenticateClient(r *http.Request) (Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	} else {
		// Basic auth credentials are form-urlencoded per RFC 6749 §2.3.1.
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if secret, err := url.QueryUnescape(clientSecret); err == nil {
			clientSecret = secret
		}
	}
	return a.Clients.Authenticate(r.Context(), clientID, clientSecret)
}

func (a *App) tokenError(w http.ResponseWriter, err error) {
	code, desc := ErrorCode(err), ErrorDescription(err)
	status := http.StatusBadRequest
	switch code {
	case ErrorInvalidClient:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	case ErrorServerError:
		status = http.StatusInternalServerError
	}
	writeJSONStatus(w, status, map[string]string{
		"error": code, "error_description": desc,
	})
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return ErrorCode(err)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
