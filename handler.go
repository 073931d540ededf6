package tokengate

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokengate/tokengate/instrumentation"
	"github.com/tokengate/tokengate/security"
)

// Endpoint paths registered by RegisterRoutes
const (
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathAuthorize                   = "/oauth/authorize"
	PathToken                       = "/oauth/token"
	PathRevoke                      = "/oauth/revoke"
	PathRegister                    = "/oauth/register"
)

// clientIPContextKey carries the extracted client IP through a request
type clientIPContextKey struct{}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// clientIPFromContext returns the client IP stored by the handler wrapper,
// or "" when the provider is called outside an HTTP request.
func clientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPContextKey{}).(string); ok {
		return ip
	}
	return ""
}

// Handler translates HTTP requests into Provider calls and serializes
// responses in RFC shapes. It is stateless apart from the rate limiter.
type Handler struct {
	provider *Provider
	logger   *slog.Logger
	auditor  *security.Auditor
	limiter  *security.RateLimiter
	inst     *instrumentation.Instrumentation
	tracer   trace.Tracer
}

// NewHandler creates the OAuth HTTP surface for a provider.
func NewHandler(provider *Provider) *Handler {
	cfg := provider.config

	var limiter *security.RateLimiter
	if !cfg.DisableRateLimiting {
		limiter = security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.Logger)
	}

	return &Handler{
		provider: provider,
		logger:   cfg.Logger,
		auditor:  provider.auditor,
		limiter:  limiter,
		inst:     provider.inst,
		tracer:   provider.inst.Tracer("http"),
	}
}

// Close stops the handler's background goroutines
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// RegisterRoutes mounts all OAuth endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(PathAuthorizationServerMetadata, h.wrap("authorization_server_metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle(PathProtectedResourceMetadata, h.wrap("protected_resource_metadata", h.ServeProtectedResourceMetadata))
	mux.Handle(PathAuthorize, h.wrap("authorize", h.ServeAuthorize))
	mux.Handle(PathToken, h.wrap("token", h.ServeToken))
	mux.Handle(PathRevoke, h.wrap("revoke", h.ServeRevocation))
	mux.Handle(PathRegister, h.wrap("register", h.ServeRegistration))
}

// statusRecorder captures the status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// wrap applies the common endpoint machinery: request ID, client IP
// extraction, rate limiting, security headers, span, and HTTP metrics.
func (h *Handler) wrap(endpoint string, fn http.HandlerFunc) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cfg := h.provider.config

		clientIP := security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
		ctx := withClientIP(r.Context(), clientIP)

		ctx, span := h.tracer.Start(ctx, "oauth."+endpoint,
			trace.WithAttributes(
				attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
				attribute.String(instrumentation.AttrHTTPMethod, r.Method),
			))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		security.SetSecurityHeaders(rec, cfg.Issuer)

		if h.limiter != nil && !h.limiter.Allow(clientIP) {
			h.auditor.LogRateLimitExceeded(clientIP, endpoint)
			h.inst.Metrics().RecordRateLimitExceeded(ctx, "per_ip")
			h.writeError(rec, &Error{
				Code:        ErrorCodeInvalidRequest,
				Description: "rate limit exceeded",
				Status:      http.StatusTooManyRequests,
			})
		} else {
			fn(rec, r.WithContext(ctx))
		}

		durationMs := float64(time.Since(start).Microseconds()) / 1000.0
		h.inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, rec.status, durationMs)
		instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrHTTPStatusCode, rec.status))
		if rec.status >= 500 {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	})

	return security.RequestIDMiddleware(inner)
}

// ServeAuthorizationServerMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	cfg := h.provider.config
	issuer := cfg.issuerBase()

	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		RevocationEndpoint:                issuer + PathRevoke,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{CodeChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
		ScopesSupported:                   cfg.SupportedScopes,
		ServiceDocumentation:              cfg.ServiceDocumentation,
	}
	if cfg.AllowPublicRegistration || cfg.RegistrationAccessToken != "" {
		metadata.RegistrationEndpoint = issuer + PathRegister
	}

	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeProtectedResourceMetadata serves the RFC 9728 discovery document.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	cfg := h.provider.config
	issuer := cfg.issuerBase()

	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		ScopesSupported:        cfg.SupportedScopes,
		BearerMethodsSupported: []string{"header"},
	})
}

// ServeAuthorize handles GET/POST /oauth/authorize.
//
// Error delivery is two-channel: until the client and redirect URI have been
// validated, errors are returned as 400 JSON (redirecting to an unvalidated
// URI would turn this endpoint into an open redirector). After validation,
// protocol errors are delivered by 302 to the redirect URI with error and
// error_description parameters, echoing state.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, "GET, POST")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewInvalidRequestError("malformed request parameters"))
		return
	}

	clientID := r.Form.Get("client_id")
	redirectURI := r.Form.Get("redirect_uri")
	state := r.Form.Get("state")

	if clientID == "" || redirectURI == "" {
		h.writeError(w, NewInvalidRequestError("client_id and redirect_uri are required"))
		return
	}

	if err := h.provider.ValidateClientRedirect(r.Context(), clientID, redirectURI); err != nil {
		h.writeError(w, err)
		return
	}

	// The redirect URI is validated; errors from here on may redirect.
	if rt := r.Form.Get("response_type"); rt != "code" {
		h.redirectError(w, r, redirectURI, state, NewUnsupportedResponseTypeError("response_type must be code"))
		return
	}

	scopes := strings.Fields(r.Form.Get("scope"))

	code, err := h.provider.Authorize(r.Context(), clientID, redirectURI, scopes,
		r.Form.Get("code_challenge"), r.Form.Get("code_challenge_method"))
	if err != nil {
		h.redirectError(w, r, redirectURI, state, err)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, NewInvalidRequestError("redirect_uri is not a valid URI"))
		return
	}
	q := target.Query()
	q.Set("code", code.Code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// tokenRequest is the union of token and revocation endpoint parameters,
// accepted as form data or JSON.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	Token        string `json:"token"`
}

// parseTokenRequest decodes a form-encoded or JSON request body
func parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mt
		}
	}

	if contentType == "application/json" {
		var req tokenRequest
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &tokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Token:        r.PostForm.Get("token"),
	}, nil
}

// ServeToken handles POST /oauth/token, dispatching on grant_type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	req, err := parseTokenRequest(r)
	if err != nil {
		h.writeError(w, NewInvalidRequestError("malformed request body"))
		return
	}

	var pair *TokenPair
	switch req.GrantType {
	case "authorization_code":
		if req.Code == "" || req.ClientID == "" || req.CodeVerifier == "" {
			h.writeError(w, NewInvalidRequestError("code, client_id and code_verifier are required"))
			return
		}
		pair, err = h.provider.ExchangeCode(r.Context(),
			req.ClientID, req.ClientSecret, req.Code, req.CodeVerifier, req.RedirectURI)
	case "refresh_token":
		if req.RefreshToken == "" || req.ClientID == "" {
			h.writeError(w, NewInvalidRequestError("refresh_token and client_id are required"))
			return
		}
		pair, err = h.provider.Refresh(r.Context(), req.ClientID, req.ClientSecret, req.RefreshToken)
	case "":
		h.writeError(w, NewInvalidRequestError("grant_type is required"))
		return
	default:
		h.writeError(w, NewUnsupportedGrantTypeError("supported grant types: authorization_code, refresh_token"))
		return
	}

	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeTokenResponse(w, pair)
}

// ServeRevocation handles POST /oauth/revoke. Per RFC 7009 the response is
// 200 whether or not the token existed; only a missing token parameter or an
// internal fault produces an error status.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	req, err := parseTokenRequest(r)
	if err != nil {
		h.writeError(w, NewInvalidRequestError("malformed request body"))
		return
	}
	if req.Token == "" {
		h.writeError(w, NewInvalidRequestError("token is required"))
		return
	}

	if err := h.provider.Revoke(r.Context(), req.Token, req.ClientID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ServeRegistration handles POST /oauth/register (RFC 7591). Registration is
// gated by a registration access token unless public registration is
// explicitly enabled.
func (h *Handler) ServeRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	cfg := h.provider.config
	if !cfg.AllowPublicRegistration {
		if cfg.RegistrationAccessToken == "" {
			h.writeError(w, &Error{
				Code:        ErrorCodeInvalidRequest,
				Description: "client registration is disabled",
				Status:      http.StatusForbidden,
			})
			return
		}
		presented := extractBearerToken(r)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.RegistrationAccessToken)) != 1 {
			h.writeError(w, NewInvalidTokenError("invalid registration access token"))
			return
		}
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, NewInvalidRequestError("malformed registration request"))
		return
	}

	resp, err := h.provider.RegisterClient(r.Context(), &req, clientIPFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// writeTokenResponse serializes a token pair per RFC 6749 §5.1
func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *TokenPair) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(pair.AccessToken.ExpiresAt).Seconds()),
		RefreshToken: pair.RefreshToken.Token,
		Scope:        strings.Join(pair.AccessToken.Scopes, " "),
	})
}

// writeError serializes any error as an RFC 6749 §5.2 JSON body. Errors that
// are not *Error are internal faults: log detail, answer generically.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		h.logger.Error("unexpected handler error", "error", err)
		oauthErr = NewServerError("internal error")
	}

	h.writeJSON(w, oauthErr.Status, oauthErr)
}

// redirectError delivers a protocol error to a validated redirect URI per
// RFC 6749 §4.1.2.1. Internal faults still answer JSON: a 500 is not a
// protocol outcome the client can act on.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, err error) {
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		h.logger.Error("unexpected authorize error", "error", err)
		oauthErr = NewServerError("internal error")
	}
	if oauthErr.Status >= 500 {
		h.writeJSON(w, oauthErr.Status, oauthErr)
		return
	}

	target, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		h.writeJSON(w, http.StatusBadRequest, NewInvalidRequestError("redirect_uri is not a valid URI"))
		return
	}

	q := target.Query()
	q.Set("error", oauthErr.Code)
	if oauthErr.Description != "" {
		q.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	h.writeError(w, &Error{
		Code:        ErrorCodeInvalidRequest,
		Description: "method not allowed",
		Status:      http.StatusMethodNotAllowed,
	})
}

// extractBearerToken returns the token from an Authorization: Bearer header,
// or "" if the header is absent or malformed. The scheme comparison is
// case-insensitive per RFC 9110.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
