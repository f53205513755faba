package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/server"
	"github.com/nimbusid/sso/session"
	"github.com/nimbusid/sso/storage/memory"
	"github.com/nimbusid/sso/token"
)

type stubDirectory struct {
	mu        sync.Mutex
	passwords map[string]string // email -> password
	ids       map[string]string // email -> id
	logins    map[string]int
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		passwords: make(map[string]string),
		ids:       make(map[string]string),
		logins:    make(map[string]int),
	}
}

func (d *stubDirectory) add(id, email, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[email] = password
	d.ids[email] = id
}

func (d *stubDirectory) userFor(email string) *server.User {
	return &server.User{ID: d.ids[email], Email: email, Name: email, Role: "member"}
}

func (d *stubDirectory) Authenticate(_ context.Context, email, password string) (*server.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pw, ok := d.passwords[email]; ok && pw == password {
		return d.userFor(email), nil
	}
	return nil, server.ErrInvalidCredentials
}

func (d *stubDirectory) GetUser(_ context.Context, userID string) (*server.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for email, id := range d.ids {
		if id == userID {
			return d.userFor(email), nil
		}
	}
	return nil, server.ErrUserNotFound
}

func (d *stubDirectory) GetUserByEmail(_ context.Context, email string) (*server.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[email]; ok {
		return d.userFor(email), nil
	}
	return nil, server.ErrUserNotFound
}

func (d *stubDirectory) SetPassword(_ context.Context, userID, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for email, id := range d.ids {
		if id == userID {
			d.passwords[email] = password
			return nil
		}
	}
	return server.ErrUserNotFound
}

func (d *stubDirectory) RecordLogin(_ context.Context, userID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logins[userID]++
	return d.logins[userID], nil
}

type stubDeliverer struct {
	mu    sync.Mutex
	links map[string]string
	pins  map[string]string
}

func newStubDeliverer() *stubDeliverer {
	return &stubDeliverer{links: make(map[string]string), pins: make(map[string]string)}
}

func (d *stubDeliverer) DeliverMagicLink(_ context.Context, email, link string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links[email] = link
	return nil
}

func (d *stubDeliverer) DeliverPin(_ context.Context, email, pin string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pins[email] = pin
	return nil
}

func (d *stubDeliverer) DeliverPasswordReset(_ context.Context, email, link string) error {
	return d.DeliverMagicLink(nil, email, link)
}

type handlerEnv struct {
	ts        *httptest.Server
	directory *stubDirectory
	deliverer *stubDeliverer
	client    *http.Client
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	auditor := security.NewAuditor(logger, false)

	signer, err := security.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	store := memory.New()
	t.Cleanup(store.Stop)

	sessions := session.NewService(store, auditor, logger, 0)
	t.Cleanup(sessions.Close)

	issuer, err := token.NewIssuer(signer, store, auditor, logger, token.IssuerConfig{Issuer: "http://sso.test"})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	directory := newStubDirectory()
	deliverer := newStubDeliverer()

	core, err := server.New(
		directory,
		deliverer,
		sessions,
		token.NewPinService(store, auditor, logger),
		token.NewSingleUseService(signer, store, auditor, logger),
		issuer,
		store,
		store,
		&server.Config{IssuerURL: "http://sso.test", FailureDelay: 1},
		logger,
	)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	core.SetAuditor(auditor)

	cfg := &Config{
		Environment:   EnvDevelopment,
		IssuerURL:     "http://sso.test",
		SigningSecret: "0123456789abcdef0123456789abcdef",
		LogLevel:      "error",
	}

	mux := http.NewServeMux()
	NewHandler(core, cfg, logger).RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &handlerEnv{ts: ts, directory: directory, deliverer: deliverer, client: client}
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (e *handlerEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := e.client.Post(e.ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

// login runs a password login and returns the session cookie.
func (e *handlerEnv) login(t *testing.T, email, password string) *http.Cookie {
	t.Helper()
	resp := e.postJSON(t, "/login", LoginRequestBody{Email: email, Password: password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	body := decodeBody[LoginResponse](t, resp)
	if !body.Success {
		t.Fatal("login not successful")
	}
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func (e *handlerEnv) registerClient(t *testing.T) ClientRegistrationResponse {
	t.Helper()
	resp := e.postJSON(t, "/clients", ClientRegistrationRequest{
		ClientName:   "test-app",
		RedirectURIs: []string{"https://app.test/callback"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("client registration status = %d", resp.StatusCode)
	}
	return decodeBody[ClientRegistrationResponse](t, resp)
}

func TestMetadataEndpoint(t *testing.T) {
	env := newHandlerEnv(t)

	resp, err := env.client.Get(env.ts.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("GET metadata: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	md := decodeBody[AuthorizationServerMetadata](t, resp)
	if md.Issuer != "http://sso.test" {
		t.Errorf("issuer = %q", md.Issuer)
	}
	if md.TokenEndpoint != "http://sso.test/token" {
		t.Errorf("token endpoint = %q", md.TokenEndpoint)
	}
	if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code challenge methods = %v", md.CodeChallengeMethodsSupported)
	}
}

func TestLoginSetsSessionCookie(t *testing.T) {
	env := newHandlerEnv(t)
	env.directory.add("u1", "u1@example.com", "hunter2")

	cookie := env.login(t, "u1@example.com", "hunter2")

	envelope, err := DecodeSessionEnvelope(cookie.Value)
	if err != nil {
		t.Fatalf("DecodeSessionEnvelope: %v", err)
	}
	if envelope.UserID != "u1" {
		t.Errorf("envelope user = %q", envelope.UserID)
	}
	if !cookie.HttpOnly {
		t.Error("session cookie is not HttpOnly")
	}
}

func TestLoginFailureReturnsGenericError(t *testing.T) {
	env := newHandlerEnv(t)
	env.directory.add("u1", "u1@example.com", "hunter2")

	resp := env.postJSON(t, "/login", LoginRequestBody{Email: "u1@example.com", Password: "wrong"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	body := decodeBody[ErrorResponse](t, resp)
	if body.Error != "access_denied" {
		t.Errorf("error = %q", body.Error)
	}
	if strings.Contains(strings.ToLower(body.ErrorDescription), "password") {
		t.Errorf("description leaks detail: %q", body.ErrorDescription)
	}
}

func TestSessionInfoAndLogout(t *testing.T) {
	env := newHandlerEnv(t)
	env.directory.add("u1", "u1@example.com", "hunter2")
	cookie := env.login(t, "u1@example.com", "hunter2")

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/session", nil)
	req.AddCookie(cookie)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("GET /session: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	info := decodeBody[SessionInfoResponse](t, resp)
	if info.UserID != "u1" || info.Email != "u1@example.com" {
		t.Errorf("session info = %+v", info)
	}

	req, _ = http.NewRequest(http.MethodPost, env.ts.URL+"/logout", nil)
	req.AddCookie(cookie)
	resp, err = env.client.Do(req)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, env.ts.URL+"/session", nil)
	req.AddCookie(cookie)
	resp, err = env.client.Do(req)
	if err != nil {
		t.Fatalf("GET /session after logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("session after logout status = %d, want 401", resp.StatusCode)
	}
}

func TestFullAuthorizationCodeFlowOverHTTP(t *testing.T) {
	env := newHandlerEnv(t)
	env.directory.add("u1", "u1@example.com", "hunter2")
	cookie := env.login(t, "u1@example.com", "hunter2")
	reg := env.registerClient(t)

	verifier := oauth2.GenerateVerifier()
	authURL := env.ts.URL + "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {reg.ClientID},
		"redirect_uri":          {"https://app.test/callback"},
		"scope":                 {"openid profile"},
		"state":                 {"xyzzy"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode()

	req, _ := http.NewRequest(http.MethodGet, authURL, nil)
	req.AddCookie(cookie)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("GET /authorize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	if loc.Query().Get("state") != "xyzzy" {
		t.Errorf("state = %q", loc.Query().Get("state"))
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.test/callback"},
		"code_verifier": {verifier},
		"client_id":     {reg.ClientID},
		"client_secret": {reg.ClientSecret},
	}
	resp, err = env.client.PostForm(env.ts.URL+"/token", form)
	if err != nil {
		t.Fatalf("POST /token: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	tokens := decodeBody[TokenResponse](t, resp)
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("incomplete token response: %+v", tokens)
	}
	if tokens.IDToken == "" {
		t.Error("openid scope but no id_token")
	}

	// Refresh with Basic client auth.
	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}
	req, _ = http.NewRequest(http.MethodPost, env.ts.URL+"/token", strings.NewReader(refreshForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(reg.ClientID, reg.ClientSecret)
	resp, err = env.client.Do(req)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	rotated := decodeBody[TokenResponse](t, resp)
	if rotated.RefreshToken == tokens.RefreshToken {
		t.Error("refresh token not rotated")
	}

	// Revoke the rotated token.
	resp, err = env.client.PostForm(env.ts.URL+"/revoke", url.Values{
		"token":         {rotated.RefreshToken},
		"client_id":     {reg.ClientID},
		"client_secret": {reg.ClientSecret},
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}

	resp, err = env.client.PostForm(env.ts.URL+"/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rotated.RefreshToken},
		"client_id":     {reg.ClientID},
		"client_secret": {reg.ClientSecret},
	})
	if err != nil {
		t.Fatalf("refresh after revoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("refresh after revoke status = %d, want 400", resp.StatusCode)
	}
}

func TestAuthorizeWithoutSessionIsUnauthorized(t *testing.T) {
	env := newHandlerEnv(t)
	reg := env.registerClient(t)

	resp, err := env.client.Get(env.ts.URL + "/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {reg.ClientID},
		"redirect_uri":  {"https://app.test/callback"},
	}.Encode())
	if err != nil {
		t.Fatalf("GET /authorize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUnsupportedGrantType(t *testing.T) {
	env := newHandlerEnv(t)

	resp, err := env.client.PostForm(env.ts.URL+"/token", url.Values{
		"grant_type": {"client_credentials"},
	})
	if err != nil {
		t.Fatalf("POST /token: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[ErrorResponse](t, resp)
	if body.Error != "unsupported_grant_type" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestMagicLinkOverHTTP(t *testing.T) {
	env := newHandlerEnv(t)
	env.directory.add("u1", "u1@example.com", "hunter2")

	resp := env.postJSON(t, "/magic-link", EmailRequestBody{Email: "u1@example.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("magic-link status = %d", resp.StatusCode)
	}

	env.deliverer.mu.Lock()
	link := env.deliverer.links["u1@example.com"]
	env.deliverer.mu.Unlock()
	if link == "" {
		t.Fatal("no magic link delivered")
	}

	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parsing delivered link: %v", err)
	}
	raw := parsed.Query().Get("t")

	consume, err := env.client.Get(env.ts.URL + "/magic?t=" + url.QueryEscape(raw))
	if err != nil {
		t.Fatalf("GET /magic: %v", err)
	}
	defer consume.Body.Close()
	if consume.StatusCode != http.StatusOK {
		t.Fatalf("magic consume status = %d", consume.StatusCode)
	}

	var gotCookie bool
	for _, c := range consume.Cookies() {
		if c.Name == SessionCookieName {
			gotCookie = true
		}
	}
	if !gotCookie {
		t.Error("no session cookie from magic link")
	}

	second, err := env.client.Get(env.ts.URL + "/magic?t=" + url.QueryEscape(raw))
	if err != nil {
		t.Fatalf("second GET /magic: %v", err)
	}
	second.Body.Close()
	if second.StatusCode == http.StatusOK {
		t.Error("magic link consumed twice")
	}
}

func TestMagicLinkRequestIsSilentForUnknownAddress(t *testing.T) {
	env := newHandlerEnv(t)

	resp := env.postJSON(t, "/magic-link", EmailRequestBody{Email: "nobody@example.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202 regardless of address", resp.StatusCode)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	env := newHandlerEnv(t)
	env.directory.add("u1", "u1@example.com", "oldpw")

	resp := env.postJSON(t, "/password-reset", EmailRequestBody{Email: "u1@example.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("reset request status = %d", resp.StatusCode)
	}

	env.deliverer.mu.Lock()
	link := env.deliverer.links["u1@example.com"]
	env.deliverer.mu.Unlock()
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parsing delivered link: %v", err)
	}
	raw := parsed.Query().Get("token")
	if raw == "" {
		t.Fatalf("reset link %q carries no token parameter", link)
	}

	resp = env.postJSON(t, "/password-reset/confirm", PasswordResetBody{
		Token:       raw,
		NewPassword: "newpw",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset confirm status = %d", resp.StatusCode)
	}

	env.login(t, "u1@example.com", "newpw")
}
