package sso

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/server"
	"github.com/nimbusid/sso/token"
)

// SessionCookieName is the cookie carrying the session envelope.
const SessionCookieName = "sso_session"

// Handler is a thin HTTP adapter over the server core. It owns
// request parsing, cookies, and response encoding; every decision
// belongs to the core.
type Handler struct {
	server *server.Server
	config *Config
	logger *slog.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(srv *server.Server, cfg *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: srv,
		config: cfg,
		logger: logger,
	}
}

// RegisterRoutes mounts every endpoint on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.ServeMetadata)

	mux.HandleFunc("GET /authorize", h.ServeAuthorize)
	mux.HandleFunc("POST /token", h.ServeToken)
	mux.HandleFunc("POST /revoke", h.ServeRevocation)
	mux.HandleFunc("POST /clients", h.ServeClientRegistration)

	mux.HandleFunc("POST /login", h.ServeLogin)
	mux.HandleFunc("POST /login/pin", h.ServeStepUp)
	mux.HandleFunc("POST /logout", h.ServeLogout)
	mux.HandleFunc("GET /session", h.ServeSessionInfo)

	mux.HandleFunc("POST /magic-link", h.ServeMagicLinkRequest)
	mux.HandleFunc("GET /magic", h.ServeMagicLinkConsume)
	mux.HandleFunc("POST /password-reset", h.ServePasswordResetRequest)
	mux.HandleFunc("POST /password-reset/confirm", h.ServePasswordResetConfirm)
}

// clientIP resolves the caller's address honoring the proxy settings.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

// ============================================================================
// Discovery
// ============================================================================

// ServeMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.config.IssuerURL
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RevocationEndpoint:                issuer + "/revoke",
		RegistrationEndpoint:              issuer + "/clients",
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	})
}

// ============================================================================
// OAuth endpoints
// ============================================================================

// ServeAuthorize handles the authorization endpoint. The user must
// carry a valid session cookie; without one the response is a 401 the
// frontend turns into a login redirect.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if rt := q.Get("response_type"); rt != "code" {
		h.writeError(w, server.ErrInvalidRequest("response_type must be code"))
		return
	}

	userID := ""
	if sess := h.validateSessionCookie(r); sess != nil {
		userID = sess.UserID
	}
	if userID == "" {
		h.writeError(w, server.NewOAuthError(server.ErrorCodeAccessDenied, "authentication required", http.StatusUnauthorized))
		return
	}

	code, err := h.server.Authorize(r.Context(), server.AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		UserID:              userID,
		IP:                  h.clientIP(r),
	})
	if err != nil {
		// Client and redirect URI problems must never bounce to the
		// URI; everything after those checks may, per RFC 6749.
		var oe *server.OAuthError
		if errors.As(err, &oe) &&
			oe.Code != server.ErrorCodeInvalidClient &&
			oe.Code != server.ErrorCodeInvalidRedirectURI &&
			oe.Code != server.ErrorCodeUnauthorizedClient {
			h.redirectError(w, r, redirectURI, state, oe)
			return
		}
		h.writeError(w, err)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, server.ErrInvalidRedirectURI("redirect_uri is not a valid URL"))
		return
	}
	values := target.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)

	switch grantType := r.FormValue("grant_type"); grantType {
	case server.GrantTypeAuthorizationCode:
		set, err := h.server.Exchange(r.Context(), server.ExchangeRequest{
			Code:         r.FormValue("code"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  r.FormValue("redirect_uri"),
			CodeVerifier: r.FormValue("code_verifier"),
			IP:           h.clientIP(r),
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeTokenResponse(w, set)

	case server.GrantTypeRefreshToken:
		set, err := h.server.Refresh(r.Context(), server.RefreshRequest{
			RefreshToken: r.FormValue("refresh_token"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			IP:           h.clientIP(r),
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeTokenResponse(w, set)

	default:
		h.writeError(w, server.ErrUnsupportedGrantType("grant_type "+grantType+" not supported"))
	}
}

// ServeRevocation handles the revocation endpoint per RFC 7009.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	err := h.server.RevokeToken(r.Context(), r.FormValue("token"), clientID, clientSecret, h.clientIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ServeClientRegistration handles dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, server.ErrInvalidRequest("invalid JSON body"))
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), server.RegisterClientParams{
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
		Scopes:       strings.Fields(req.Scope),
		GrantTypes:   req.GrantTypes,
		ClientIP:     h.clientIP(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:         client.ClientID,
		ClientSecret:     secret,
		ClientName:       client.ClientName,
		RedirectURIs:     client.RedirectURIs,
		Scope:            strings.Join(client.AllowedScopes, " "),
		GrantTypes:       client.GrantTypes,
		ClientIDIssuedAt: client.CreatedAt.Unix(),
	})
}

// ============================================================================
// Login and session endpoints
// ============================================================================

// ServeLogin handles password login.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, server.ErrInvalidRequest("invalid JSON body"))
		return
	}
	if req.Email == "" || req.Password == "" {
		h.writeError(w, server.ErrInvalidRequest("email and password are required"))
		return
	}

	res, err := h.server.Login(r.Context(), server.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		IP:        h.clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if res.StepUpRequired {
		h.writeJSON(w, http.StatusOK, LoginResponse{
			Success:        true,
			StepUpRequired: true,
			UserID:         res.UserID,
		})
		return
	}

	h.finishLogin(w, res)
}

// ServeStepUp completes a pending PIN challenge.
func (h *Handler) ServeStepUp(w http.ResponseWriter, r *http.Request) {
	var req PinRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, server.ErrInvalidRequest("invalid JSON body"))
		return
	}
	if req.UserID == "" || req.Pin == "" {
		h.writeError(w, server.ErrInvalidRequest("user_id and pin are required"))
		return
	}

	res, err := h.server.CompleteStepUp(r.Context(), req.UserID, req.Pin, h.clientIP(r), r.UserAgent())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.finishLogin(w, res)
}

// ServeLogout revokes the caller's session and clears the cookie.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if env := h.sessionEnvelope(r); env != nil {
		if err := h.server.Logout(r.Context(), env.Token, h.clientIP(r)); err != nil {
			h.writeError(w, err)
			return
		}
	}

	h.clearSessionCookie(w)
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ServeSessionInfo describes the caller's session.
func (h *Handler) ServeSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess := h.validateSessionCookie(r)
	if sess == nil {
		h.writeError(w, server.NewOAuthError(server.ErrorCodeInvalidToken, "no valid session", http.StatusUnauthorized))
		return
	}

	h.writeJSON(w, http.StatusOK, SessionInfoResponse{
		UserID:    sess.UserID,
		Email:     sess.Email,
		Role:      sess.Role,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	})
}

// ============================================================================
// Magic link and password reset endpoints
// ============================================================================

// ServeMagicLinkRequest issues a login link. The response is 202 no
// matter whether the address exists.
func (h *Handler) ServeMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	email, ok := h.decodeEmailBody(w, r)
	if !ok {
		return
	}
	if err := h.server.RequestMagicLink(r.Context(), email, h.clientIP(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

// ServeMagicLinkConsume redeems a magic link and opens a session.
func (h *Handler) ServeMagicLinkConsume(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("t")
	if raw == "" {
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	res, err := h.server.ConsumeMagicLink(r.Context(), raw, h.clientIP(r), r.UserAgent())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.finishLogin(w, res)
}

// ServePasswordResetRequest issues a reset link, always with 202.
func (h *Handler) ServePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	email, ok := h.decodeEmailBody(w, r)
	if !ok {
		return
	}
	if err := h.server.RequestPasswordReset(r.Context(), email, h.clientIP(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

// ServePasswordResetConfirm redeems a reset token and sets the new
// password.
func (h *Handler) ServePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, server.ErrInvalidRequest("invalid JSON body"))
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		h.writeError(w, server.ErrInvalidRequest("token and new_password are required"))
		return
	}

	if err := h.server.CompletePasswordReset(r.Context(), req.Token, req.NewPassword, h.clientIP(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ============================================================================
// Helpers
// ============================================================================

// clientCredentials reads client auth from Basic Auth, falling back to
// form parameters.
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func (h *Handler) decodeEmailBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req EmailRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, server.ErrInvalidRequest("invalid JSON body"))
		return "", false
	}
	if req.Email == "" {
		h.writeError(w, server.ErrInvalidRequest("email is required"))
		return "", false
	}
	return req.Email, true
}

// finishLogin sets the session cookie and writes the login response.
func (h *Handler) finishLogin(w http.ResponseWriter, res *server.LoginResult) {
	envelope := &SessionEnvelope{
		Token:     res.SessionSecret,
		ExpiresAt: res.Session.ExpiresAt,
		UserID:    res.Session.UserID,
		Role:      res.Session.Role,
	}
	if err := h.setSessionCookie(w, envelope); err != nil {
		h.logger.Error("Failed to encode session cookie", "error", err)
		h.writeError(w, server.ErrServerError("login failed"))
		return
	}

	h.writeJSON(w, http.StatusOK, LoginResponse{
		Success: true,
		UserID:  res.UserID,
	})
}

// sessionEnvelope reads the cookie without touching the store.
func (h *Handler) sessionEnvelope(r *http.Request) *SessionEnvelope {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil
	}
	env, err := DecodeSessionEnvelope(cookie.Value)
	if err != nil {
		return nil
	}
	return env
}

// validateSessionCookie resolves the cookie to a live session, or nil.
func (h *Handler) validateSessionCookie(r *http.Request) *sessionView {
	env := h.sessionEnvelope(r)
	if env == nil {
		return nil
	}

	vr, err := h.server.Sessions().Validate(r.Context(), env.Token)
	if err != nil {
		h.logger.Error("Session validation failed", "error", err)
		return nil
	}
	if !vr.Valid {
		return nil
	}
	return &sessionView{
		UserID:    vr.Session.UserID,
		Email:     vr.Session.Email,
		Role:      vr.Session.Role,
		CreatedAt: vr.Session.CreatedAt,
		ExpiresAt: vr.Session.ExpiresAt,
	}
}

type sessionView struct {
	UserID    string
	Email     string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// setSessionCookie writes the session envelope. Production gets
// SameSite=None with Secure so the SSO domain works from embedded
// product frontends; development keeps Lax so plain HTTP works.
func (h *Handler) setSessionCookie(w http.ResponseWriter, envelope *SessionEnvelope) error {
	value, err := envelope.Encode()
	if err != nil {
		return err
	}

	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  envelope.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if h.config.IsProduction() {
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, cookie)
	return nil
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// writeTokenResponse renders a token set.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, set *token.TokenSet) {
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    set.TokenType,
		ExpiresIn:    set.ExpiresIn,
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
		Scope:        set.Scope,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.config.IssuerURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError renders any error as an OAuth error body. Errors that are
// not *server.OAuthError collapse to server_error with no detail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oe *server.OAuthError
	if !errors.As(err, &oe) {
		h.logger.Error("Unclassified handler error", "error", err)
		oe = server.ErrServerError("internal error")
	}

	security.SetSecurityHeaders(w, h.config.IssuerURL)
	if oe.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oe.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

// redirectError bounces an authorization failure back to the client's
// redirect URI per RFC 6749 section 4.1.2.1.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oe *server.OAuthError) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, oe)
		return
	}
	values := target.Query()
	values.Set("error", oe.Code)
	if oe.Description != "" {
		values.Set("error_description", oe.Description)
	}
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
