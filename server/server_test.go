package server

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/session"
	"github.com/nimbusid/sso/storage/memory"
	"github.com/nimbusid/sso/token"
)

// ============================================================================
// Test fakes
// ============================================================================

type fakeUser struct {
	User
	password   string
	loginCount int
}

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]*fakeUser // by ID
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: make(map[string]*fakeUser)}
}

func (d *fakeDirectory) addUser(id, email, password, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = &fakeUser{
		User:     User{ID: id, Email: email, Name: "Test " + id, Role: role},
		password: password,
	}
}

func (d *fakeDirectory) Authenticate(_ context.Context, email, password string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email && u.password == password {
			copied := u.User
			return &copied, nil
		}
	}
	return nil, ErrInvalidCredentials
}

func (d *fakeDirectory) GetUser(_ context.Context, userID string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := u.User
	return &copied, nil
}

func (d *fakeDirectory) GetUserByEmail(_ context.Context, email string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email {
			copied := u.User
			return &copied, nil
		}
	}
	return nil, ErrUserNotFound
}

func (d *fakeDirectory) SetPassword(_ context.Context, userID, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.password = password
	return nil
}

func (d *fakeDirectory) RecordLogin(_ context.Context, userID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	u.loginCount++
	return u.loginCount, nil
}

type fakeDeliverer struct {
	mu         sync.Mutex
	magicLinks map[string]string // email -> link
	pins       map[string]string // email -> pin
	resets     map[string]string // email -> link
	failNext   error
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		magicLinks: make(map[string]string),
		pins:       make(map[string]string),
		resets:     make(map[string]string),
	}
}

func (d *fakeDeliverer) deliver(dst map[string]string, email, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}
	dst[email] = value
	return nil
}

func (d *fakeDeliverer) DeliverMagicLink(_ context.Context, email, link string) error {
	return d.deliver(d.magicLinks, email, link)
}

func (d *fakeDeliverer) DeliverPin(_ context.Context, email, pin string) error {
	return d.deliver(d.pins, email, pin)
}

func (d *fakeDeliverer) DeliverPasswordReset(_ context.Context, email, link string) error {
	return d.deliver(d.resets, email, link)
}

func (d *fakeDeliverer) get(m map[string]string, email string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return m[email]
}

// ============================================================================
// Test harness
// ============================================================================

type testEnv struct {
	server    *Server
	directory *fakeDirectory
	deliverer *fakeDeliverer
	store     *memory.Store
	slept     *time.Duration
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	auditor := security.NewAuditor(logger, false)

	signer, err := security.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	store := memory.New()
	t.Cleanup(store.Stop)

	sessions := session.NewService(store, auditor, logger, 0)
	t.Cleanup(sessions.Close)

	pins := token.NewPinService(store, auditor, logger)
	singleUse := token.NewSingleUseService(signer, store, auditor, logger)

	issuer, err := token.NewIssuer(signer, store, auditor, logger, token.IssuerConfig{
		Issuer: "https://sso.test",
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.IssuerURL == "" {
		cfg.IssuerURL = "https://sso.test"
	}

	directory := newFakeDirectory()
	deliverer := newFakeDeliverer()

	srv, err := New(directory, deliverer, sessions, pins, singleUse, issuer, store, store, cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.SetAuditor(auditor)

	var slept time.Duration
	srv.sleep = func(d time.Duration) { slept += d }

	return &testEnv{
		server:    srv,
		directory: directory,
		deliverer: deliverer,
		store:     store,
		slept:     &slept,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (e *testEnv) registerClient(t *testing.T) (clientID, clientSecret string) {
	t.Helper()
	client, secret, err := e.server.RegisterClient(context.Background(), RegisterClientParams{
		ClientName:   "test-app",
		RedirectURIs: []string{"https://app.test/callback"},
		ClientIP:     "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	return client.ClientID, secret
}

// authorize runs the full front half of the code flow for user u1 and
// returns the code plus the PKCE verifier that matches it.
func (e *testEnv) authorize(t *testing.T, clientID string) (code, verifier string) {
	t.Helper()
	verifier = oauth2.GenerateVerifier()
	code, err := e.server.Authorize(context.Background(), AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.test/callback",
		Scope:               "openid profile offline_access",
		CodeChallenge:       ComputeCodeChallenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              "u1",
		IP:                  "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return code, verifier
}

func oauthCode(t *testing.T, err error) string {
	t.Helper()
	var oe *OAuthError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OAuthError, got %T: %v", err, err)
	}
	return oe.Code
}

// ============================================================================
// Client registration and authentication
// ============================================================================

func TestRegisterAndVerifyClient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	clientID, secret := env.registerClient(t)

	client, err := env.server.VerifyClient(ctx, clientID, secret)
	if err != nil {
		t.Fatalf("VerifyClient: %v", err)
	}
	if client.ClientID != clientID {
		t.Errorf("ClientID = %q, want %q", client.ClientID, clientID)
	}
	if client.ClientSecretHash == secret {
		t.Error("stored secret hash equals plaintext secret")
	}

	if _, err := env.server.VerifyClient(ctx, clientID, "wrong-secret"); err == nil {
		t.Error("VerifyClient accepted a wrong secret")
	} else if oauthCode(t, err) != ErrorCodeInvalidClient {
		t.Errorf("wrong secret error code = %q", oauthCode(t, err))
	}

	if _, err := env.server.VerifyClient(ctx, "no-such-client", secret); err == nil {
		t.Error("VerifyClient accepted an unknown client")
	} else if oauthCode(t, err) != ErrorCodeInvalidClient {
		t.Errorf("unknown client error code = %q", oauthCode(t, err))
	}
}

func TestRegisterClientRejectsBadRedirectURIs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		uris []string
	}{
		{"empty", nil},
		{"relative", []string{"/callback"}},
		{"fragment", []string{"https://app.test/cb#frag"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.server.RegisterClient(ctx, RegisterClientParams{
				ClientName:   "bad-app",
				RedirectURIs: tc.uris,
				ClientIP:     "203.0.113.9",
			})
			if err == nil {
				t.Fatal("RegisterClient accepted invalid redirect URIs")
			}
			if oauthCode(t, err) != ErrorCodeInvalidRedirectURI {
				t.Errorf("error code = %q, want %q", oauthCode(t, err), ErrorCodeInvalidRedirectURI)
			}
		})
	}
}

func TestRegisterClientIPLimit(t *testing.T) {
	env := newTestEnv(t, &Config{MaxClientsPerIP: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := env.server.RegisterClient(ctx, RegisterClientParams{
			ClientName:   "app",
			RedirectURIs: []string{"https://app.test/cb"},
			ClientIP:     "198.51.100.7",
		}); err != nil {
			t.Fatalf("registration %d: %v", i, err)
		}
	}

	_, _, err := env.server.RegisterClient(ctx, RegisterClientParams{
		ClientName:   "app",
		RedirectURIs: []string{"https://app.test/cb"},
		ClientIP:     "198.51.100.7",
	})
	if err == nil {
		t.Fatal("third registration from same IP succeeded")
	}
	if oauthCode(t, err) != ErrorCodeRateLimitExceeded {
		t.Errorf("error code = %q, want %q", oauthCode(t, err), ErrorCodeRateLimitExceeded)
	}
}

func TestRegenerateClientSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	clientID, oldSecret := env.registerClient(t)

	newSecret, err := env.server.RegenerateClientSecret(ctx, clientID, "203.0.113.1")
	if err != nil {
		t.Fatalf("RegenerateClientSecret: %v", err)
	}
	if newSecret == oldSecret {
		t.Fatal("rotated secret equals the old one")
	}

	if _, err := env.server.VerifyClient(ctx, clientID, oldSecret); err == nil {
		t.Error("old secret still accepted after rotation")
	}
	if _, err := env.server.VerifyClient(ctx, clientID, newSecret); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
}

// ============================================================================
// Authorization code flow
// ============================================================================

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "pw", "member")

	clientID, secret := env.registerClient(t)
	code, verifier := env.authorize(t, clientID)

	set, err := env.server.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     clientID,
		ClientSecret: secret,
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: verifier,
		IP:           "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	if set.AccessToken == "" {
		t.Error("empty access token")
	}
	if set.RefreshToken == "" {
		t.Error("empty refresh token")
	}
	if set.IDToken == "" {
		t.Error("openid scope granted but no id token")
	}
	if set.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", set.TokenType)
	}
	if set.ExpiresIn != int64(time.Hour.Seconds()) {
		t.Errorf("ExpiresIn = %d, want %d", set.ExpiresIn, int64(time.Hour.Seconds()))
	}

	claims, err := env.server.Issuer().VerifyAccessToken(set.AccessToken, clientID)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != "u1" {
		t.Errorf("sub = %q, want u1", claims.Subject)
	}
	if claims.ClientID != clientID {
		t.Errorf("client_id claim = %q, want %q", claims.ClientID, clientID)
	}

	// The token is bound to the client it was minted for.
	if _, err := env.server.Issuer().VerifyAccessToken(set.AccessToken, "another-client"); err == nil {
		t.Error("access token verified for a foreign client")
	}
}

func TestAuthorizeRequiresPKCE(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	clientID, _ := env.registerClient(t)

	_, err := env.server.Authorize(ctx, AuthorizeRequest{
		ClientID:    clientID,
		RedirectURI: "https://app.test/callback",
		UserID:      "u1",
	})
	if err == nil {
		t.Fatal("Authorize succeeded without a code challenge")
	}
	if oauthCode(t, err) != ErrorCodeInvalidRequest {
		t.Errorf("error code = %q", oauthCode(t, err))
	}

	_, err = env.server.Authorize(ctx, AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.test/callback",
		CodeChallenge:       ComputeCodeChallenge(oauth2.GenerateVerifier()),
		CodeChallengeMethod: "plain",
		UserID:              "u1",
	})
	if err == nil {
		t.Fatal("Authorize accepted the plain challenge method")
	}
}

func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	env := newTestEnv(t, nil)
	clientID, _ := env.registerClient(t)

	_, err := env.server.Authorize(context.Background(), AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         "https://evil.test/callback",
		CodeChallenge:       ComputeCodeChallenge(oauth2.GenerateVerifier()),
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              "u1",
	})
	if err == nil {
		t.Fatal("Authorize accepted an unregistered redirect URI")
	}
	if oauthCode(t, err) != ErrorCodeInvalidRedirectURI {
		t.Errorf("error code = %q", oauthCode(t, err))
	}
}

func TestRedirectURIMatchIsExact(t *testing.T) {
	env := newTestEnv(t, nil)
	clientID, _ := env.registerClient(t)

	for _, uri := range []string{
		"https://app.test/callback/",
		"https://app.test/Callback",
		"https://app.test/callback?x=1",
	} {
		_, err := env.server.Authorize(context.Background(), AuthorizeRequest{
			ClientID:            clientID,
			RedirectURI:         uri,
			CodeChallenge:       ComputeCodeChallenge(oauth2.GenerateVerifier()),
			CodeChallengeMethod: PKCEMethodS256,
			UserID:              "u1",
		})
		if err == nil {
			t.Errorf("Authorize accepted redirect URI variant %q", uri)
			continue
		}
		if oauthCode(t, err) != ErrorCodeInvalidRedirectURI {
			t.Errorf("error code for %q = %q", uri, oauthCode(t, err))
		}
	}
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "pw", "member")

	clientID, secret := env.registerClient(t)
	code, _ := env.authorize(t, clientID)

	_, err := env.server.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     clientID,
		ClientSecret: secret,
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: oauth2.GenerateVerifier(),
	})
	if err == nil {
		t.Fatal("Exchange accepted a mismatched verifier")
	}
	if oauthCode(t, err) != ErrorCodeInvalidGrant {
		t.Errorf("error code = %q", oauthCode(t, err))
	}

	// The failed attempt burned the code.
	_, verifier := env.authorize(t, clientID)
	_, err = env.server.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     clientID,
		ClientSecret: secret,
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: verifier,
	})
	if err == nil {
		t.Fatal("burned code exchanged successfully")
	}
}

func TestCodeReuseRevokesRefreshTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "pw", "member")

	clientID, secret := env.registerClient(t)
	code, verifier := env.authorize(t, clientID)

	req := ExchangeRequest{
		Code:         code,
		ClientID:     clientID,
		ClientSecret: secret,
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: verifier,
	}

	set, err := env.server.Exchange(ctx, req)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	_, err = env.server.Exchange(ctx, req)
	if err == nil {
		t.Fatal("replayed code exchanged successfully")
	}
	if oauthCode(t, err) != ErrorCodeInvalidGrant {
		t.Errorf("replay error code = %q", oauthCode(t, err))
	}

	// The refresh token issued by the first exchange must be dead now.
	_, err = env.server.Refresh(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	if err == nil {
		t.Fatal("refresh token survived code reuse")
	}
	if oauthCode(t, err) != ErrorCodeInvalidGrant {
		t.Errorf("refresh after reuse error code = %q", oauthCode(t, err))
	}
}

// ============================================================================
// Refresh and revocation
// ============================================================================

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "pw", "member")

	clientID, secret := env.registerClient(t)
	code, verifier := env.authorize(t, clientID)
	set, err := env.server.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     clientID,
		ClientSecret: secret,
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	rotated, err := env.server.Refresh(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == set.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if rotated.Scope != set.Scope {
		t.Errorf("scope changed across rotation: %q -> %q", set.Scope, rotated.Scope)
	}

	// Replaying the consumed token kills the whole family.
	_, err = env.server.Refresh(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	if err == nil {
		t.Fatal("consumed refresh token accepted")
	}

	_, err = env.server.Refresh(ctx, RefreshRequest{
		RefreshToken: rotated.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	if err == nil {
		t.Fatal("successor token survived family revocation")
	}
}

func TestRefreshMintsIDTokenForOpenIDScope(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "pw", "member")

	clientID, secret := env.registerClient(t)
	code, verifier := env.authorize(t, clientID)
	set, err := env.server.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     clientID,
		ClientSecret: secret,
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if set.IDToken == "" {
		t.Fatal("exchange returned no id token")
	}

	rotated, err := env.server.Refresh(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.IDToken == "" {
		t.Error("openid scope granted but refresh returned no id token")
	}
	if rotated.IDToken == set.IDToken {
		t.Error("refresh returned the original id token")
	}
}

func TestGrantTypeRestrictionsEnforced(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "pw", "member")

	// A client registered for the code grant only cannot refresh.
	codeOnly, codeOnlySecret, err := env.server.RegisterClient(ctx, RegisterClientParams{
		ClientName:   "code-only",
		RedirectURIs: []string{"https://app.test/callback"},
		GrantTypes:   []string{GrantTypeAuthorizationCode},
		ClientIP:     "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	code, verifier := env.authorize(t, codeOnly.ClientID)
	set, err := env.server.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     codeOnly.ClientID,
		ClientSecret: codeOnlySecret,
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	_, err = env.server.Refresh(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     codeOnly.ClientID,
		ClientSecret: codeOnlySecret,
	})
	if err == nil {
		t.Fatal("refresh succeeded for a client without the refresh_token grant")
	}
	if oauthCode(t, err) != ErrorCodeUnauthorizedClient {
		t.Errorf("refresh error code = %q, want %q", oauthCode(t, err), ErrorCodeUnauthorizedClient)
	}

	// A client registered for refresh only cannot exchange codes.
	refreshOnly, refreshOnlySecret, err := env.server.RegisterClient(ctx, RegisterClientParams{
		ClientName:   "refresh-only",
		RedirectURIs: []string{"https://app.test/callback"},
		GrantTypes:   []string{GrantTypeRefreshToken},
		ClientIP:     "203.0.113.2",
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	_, err = env.server.Exchange(ctx, ExchangeRequest{
		Code:         "whatever",
		ClientID:     refreshOnly.ClientID,
		ClientSecret: refreshOnlySecret,
		RedirectURI:  "https://app.test/callback",
	})
	if err == nil {
		t.Fatal("exchange succeeded for a client without the authorization_code grant")
	}
	if oauthCode(t, err) != ErrorCodeUnauthorizedClient {
		t.Errorf("exchange error code = %q, want %q", oauthCode(t, err), ErrorCodeUnauthorizedClient)
	}
}

func TestRevokeTokenIsSilentForUnknownTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	clientID, secret := env.registerClient(t)

	if err := env.server.RevokeToken(context.Background(), "not-a-token", clientID, secret, "203.0.113.1"); err != nil {
		t.Fatalf("RevokeToken on unknown token: %v", err)
	}
}

func TestRevokeTokenRequiresClientAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	clientID, _ := env.registerClient(t)

	err := env.server.RevokeToken(context.Background(), "whatever", clientID, "wrong", "203.0.113.1")
	if err == nil {
		t.Fatal("RevokeToken accepted bad client credentials")
	}
	if oauthCode(t, err) != ErrorCodeInvalidClient {
		t.Errorf("error code = %q", oauthCode(t, err))
	}
}

// ============================================================================
// Login, step-up, magic links, password reset
// ============================================================================

func TestLoginOpensSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "hunter2", "member")

	res, err := env.server.Login(ctx, LoginRequest{
		Email:    "u1@example.com",
		Password: "hunter2",
		IP:       "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.StepUpRequired {
		t.Fatal("step-up required with step-up disabled")
	}
	if res.SessionSecret == "" {
		t.Fatal("no session secret")
	}

	vr, err := env.server.Sessions().Validate(ctx, res.SessionSecret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !vr.Valid {
		t.Fatalf("session invalid: %s", vr.Reason)
	}
	if vr.Session.UserID != "u1" {
		t.Errorf("session user = %q, want u1", vr.Session.UserID)
	}
}

func TestLoginFailureIsGenericAndDelayed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "hunter2", "member")

	for _, tc := range []struct{ name, email, password string }{
		{"wrong password", "u1@example.com", "nope"},
		{"unknown user", "nobody@example.com", "hunter2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := *env.slept
			_, err := env.server.Login(ctx, LoginRequest{Email: tc.email, Password: tc.password, IP: "203.0.113.1"})
			if err == nil {
				t.Fatal("login succeeded")
			}
			if oauthCode(t, err) != ErrorCodeAccessDenied {
				t.Errorf("error code = %q", oauthCode(t, err))
			}
			if *env.slept <= before {
				t.Error("failure delay was not applied")
			}
		})
	}
}

func TestStepUpChallenge(t *testing.T) {
	env := newTestEnv(t, &Config{StepUpEveryNthLogin: 1})
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "hunter2", "member")

	res, err := env.server.Login(ctx, LoginRequest{
		Email:    "u1@example.com",
		Password: "hunter2",
		IP:       "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.StepUpRequired {
		t.Fatal("expected a step-up challenge on every login")
	}
	if res.SessionSecret != "" {
		t.Fatal("session opened before step-up completed")
	}

	pin := env.deliverer.get(env.deliverer.pins, "u1@example.com")
	if len(pin) != token.PinLength {
		t.Fatalf("delivered pin %q, want %d digits", pin, token.PinLength)
	}

	if _, err := env.server.CompleteStepUp(ctx, "u1", "000000", "203.0.113.1", ""); err == nil && pin != "000000" {
		t.Fatal("wrong pin accepted")
	}

	done, err := env.server.CompleteStepUp(ctx, "u1", pin, "203.0.113.1", "")
	if err != nil {
		t.Fatalf("CompleteStepUp: %v", err)
	}
	if done.SessionSecret == "" {
		t.Fatal("no session after step-up")
	}
}

func TestMagicLinkFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "hunter2", "member")

	if err := env.server.RequestMagicLink(ctx, "u1@example.com", "203.0.113.1"); err != nil {
		t.Fatalf("RequestMagicLink: %v", err)
	}

	link := env.deliverer.get(env.deliverer.magicLinks, "u1@example.com")
	if link == "" {
		t.Fatal("no magic link delivered")
	}
	raw := extractToken(t, link, "t")

	res, err := env.server.ConsumeMagicLink(ctx, raw, "203.0.113.1", "")
	if err != nil {
		t.Fatalf("ConsumeMagicLink: %v", err)
	}
	if res.SessionSecret == "" {
		t.Fatal("no session from magic link")
	}

	if _, err := env.server.ConsumeMagicLink(ctx, raw, "203.0.113.1", ""); err == nil {
		t.Fatal("magic link consumed twice")
	}
}

func TestMagicLinkUnknownAddressIsSilent(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.server.RequestMagicLink(context.Background(), "nobody@example.com", "203.0.113.1"); err != nil {
		t.Fatalf("RequestMagicLink for unknown address: %v", err)
	}
	if link := env.deliverer.get(env.deliverer.magicLinks, "nobody@example.com"); link != "" {
		t.Errorf("link delivered for unknown address: %q", link)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "oldpw", "member")

	// An existing session must not survive the reset.
	login, err := env.server.Login(ctx, LoginRequest{Email: "u1@example.com", Password: "oldpw", IP: "203.0.113.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := env.server.RequestPasswordReset(ctx, "u1@example.com", "203.0.113.1"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	link := env.deliverer.get(env.deliverer.resets, "u1@example.com")
	if !strings.Contains(link, "/reset?token=") {
		t.Fatalf("reset link = %q, want the reset page with a token parameter", link)
	}
	raw := extractToken(t, link, "token")

	if err := env.server.CompletePasswordReset(ctx, raw, "newpw", "203.0.113.1"); err != nil {
		t.Fatalf("CompletePasswordReset: %v", err)
	}

	if _, err := env.server.Login(ctx, LoginRequest{Email: "u1@example.com", Password: "oldpw", IP: "203.0.113.1"}); err == nil {
		t.Error("old password still works after reset")
	}
	if _, err := env.server.Login(ctx, LoginRequest{Email: "u1@example.com", Password: "newpw", IP: "203.0.113.1"}); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	vr, err := env.server.Sessions().Validate(ctx, login.SessionSecret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if vr.Valid {
		t.Error("session survived password reset")
	}

	if err := env.server.CompletePasswordReset(ctx, raw, "again", "203.0.113.1"); err == nil {
		t.Error("reset token consumed twice")
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "pw", "member")

	res, err := env.server.Login(ctx, LoginRequest{Email: "u1@example.com", Password: "pw", IP: "203.0.113.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := env.server.Logout(ctx, res.SessionSecret, "203.0.113.1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	vr, err := env.server.Sessions().Validate(ctx, res.SessionSecret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if vr.Valid {
		t.Error("session valid after logout")
	}

	// Logging out twice is fine.
	if err := env.server.Logout(ctx, res.SessionSecret, "203.0.113.1"); err != nil {
		t.Errorf("second Logout: %v", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.directory.addUser("u1", "u1@example.com", "pw", "member")

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	rl := security.NewRateLimiter(1, 1, logger)
	t.Cleanup(rl.Stop)
	env.server.SetRateLimiter(rl)

	if _, err := env.server.Login(ctx, LoginRequest{Email: "u1@example.com", Password: "pw", IP: "198.51.100.1"}); err != nil {
		t.Fatalf("first login: %v", err)
	}

	_, err := env.server.Login(ctx, LoginRequest{Email: "u1@example.com", Password: "pw", IP: "198.51.100.1"})
	if err == nil {
		t.Fatal("second immediate login was not rate limited")
	}
	if oauthCode(t, err) != ErrorCodeRateLimitExceeded {
		t.Errorf("error code = %q", oauthCode(t, err))
	}
}

// extractToken pulls the named query parameter out of a delivered link.
func extractToken(t *testing.T, link, param string) string {
	t.Helper()
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("malformed link %q: %v", link, err)
	}
	raw := parsed.Query().Get(param)
	if raw == "" {
		t.Fatalf("link %q carries no %q parameter", link, param)
	}
	return raw
}
