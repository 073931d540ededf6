package tokengate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/tokengate/tokengate/instrumentation"
	"github.com/tokengate/tokengate/security"
	"github.com/tokengate/tokengate/storage"
)

// CodeChallengeMethodS256 is the only PKCE method this server accepts.
// Plain challenges are forbidden by OAuth 2.1.
const CodeChallengeMethodS256 = "S256"

// TokenPair is the result of a successful code exchange or refresh.
type TokenPair struct {
	AccessToken  *storage.AccessToken
	RefreshToken *storage.RefreshToken
}

// Provider implements the authorization-code and refresh-token grants by
// composing the client, code and token stores. It holds no protocol state of
// its own; every mutation happens inside a store.
type Provider struct {
	config  Config
	clients storage.ClientStore
	codes   storage.CodeStore
	tokens  storage.TokenStore

	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// NewProvider creates the grant orchestrator. The three stores may be the
// same value (storage/memory.Store implements all of them).
func NewProvider(config Config, clients storage.ClientStore, codes storage.CodeStore, tokens storage.TokenStore) (*Provider, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if clients == nil || codes == nil || tokens == nil {
		return nil, fmt.Errorf("all three stores are required")
	}

	inst := config.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}

	return &Provider{
		config:  config,
		clients: clients,
		codes:   codes,
		tokens:  tokens,
		logger:  config.Logger,
		auditor: security.NewAuditor(config.Logger, config.auditEnabled()),
		inst:    inst,
		tracer:  inst.Tracer("provider"),
	}, nil
}

// Config returns a copy of the effective configuration
func (p *Provider) Config() Config {
	return p.config
}

// ValidateClientRedirect checks that the client exists and the redirect URI
// is an exact match against its registered set. The router calls this before
// anything else on /oauth/authorize: until it passes, errors must never be
// delivered by redirect.
func (p *Provider) ValidateClientRedirect(ctx context.Context, clientID, redirectURI string) error {
	client, err := p.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return NewInvalidClientError("unknown client").withCause(err)
		}
		p.logger.Error("client lookup failed", "error", err)
		return NewServerError("internal error")
	}

	if !client.AllowsRedirectURI(redirectURI) {
		return NewInvalidRequestError("redirect_uri is not registered for this client").
			withCause(storage.ErrRedirectURINotRegistered)
	}

	return nil
}

// Authorize validates an authorization request and issues a single-use code
// bound to the PKCE challenge, client, redirect URI and resolved scopes.
func (p *Provider) Authorize(ctx context.Context, clientID, redirectURI string, scopes []string, codeChallenge, codeChallengeMethod string) (*storage.AuthorizationCode, error) {
	ctx, span := p.tracer.Start(ctx, "provider.authorize",
		trace.WithAttributes(attribute.String(instrumentation.AttrClientID, clientID)))
	defer span.End()

	if err := p.ValidateClientRedirect(ctx, clientID, redirectURI); err != nil {
		instrumentation.SetSpanError(span, "client or redirect validation failed")
		return nil, err
	}

	if codeChallenge == "" {
		instrumentation.SetSpanError(span, "missing code challenge")
		return nil, NewInvalidRequestError("code_challenge is required")
	}
	if codeChallengeMethod != CodeChallengeMethodS256 {
		instrumentation.SetSpanError(span, "unsupported challenge method")
		return nil, NewInvalidRequestError("code_challenge_method must be S256")
	}

	resolved, err := p.clients.ResolveScopes(ctx, clientID, scopes)
	if err != nil {
		if errors.Is(err, storage.ErrScopeNotAllowed) {
			instrumentation.SetSpanError(span, "scope not allowed")
			return nil, NewInvalidScopeError("requested scope exceeds client allowance").withCause(err)
		}
		p.logger.Error("scope resolution failed", "error", err)
		return nil, NewServerError("internal error")
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                oauth2.GenerateVerifier(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Scopes:              resolved,
		CreatedAt:           now,
		ExpiresAt:           now.Add(p.config.AuthorizationCodeTTL),
	}

	if err := p.codes.SaveAuthorizationCode(ctx, code); err != nil {
		p.logger.Error("failed to save authorization code", "error", err)
		return nil, NewServerError("internal error")
	}

	p.auditor.LogCodeIssued(clientID, clientIPFromContext(ctx), resolved)
	p.inst.Metrics().RecordCodeIssued(ctx, clientID)
	instrumentation.SetSpanSuccess(span)

	return code, nil
}

// ExchangeCode implements the authorization_code grant. Steps, in order:
// authenticate the client, atomically consume the code (PKCE verified inside
// the store), check the client binding, check the redirect binding, issue
// the token pair. A code consumed by a request that later fails stays
// consumed; the client must restart the flow.
func (p *Provider) ExchangeCode(ctx context.Context, clientID, clientSecret, code, codeVerifier, redirectURI string) (*TokenPair, error) {
	ctx, span := p.tracer.Start(ctx, "provider.exchange_code",
		trace.WithAttributes(
			attribute.String(instrumentation.AttrClientID, clientID),
			attribute.String(instrumentation.AttrGrantType, "authorization_code"),
		))
	defer span.End()

	clientIP := clientIPFromContext(ctx)

	if err := p.clients.Authenticate(ctx, clientID, clientSecret); err != nil {
		p.auditor.LogAuthFailure(clientID, clientIP, "client authentication failed")
		instrumentation.SetSpanError(span, "client authentication failed")
		return nil, NewInvalidClientError("client authentication failed").withCause(err)
	}

	rec, err := p.codes.ConsumeAuthorizationCode(ctx, code, codeVerifier)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeConsumed):
			// Token-theft indicator: someone is replaying a code
			reusedBy := clientID
			if rec != nil {
				reusedBy = rec.ClientID
			}
			p.auditor.LogCodeReuseDetected(reusedBy, clientIP)
			p.inst.Metrics().RecordCodeReuseDetected(ctx)
		case errors.Is(err, storage.ErrPKCEMismatch):
			p.auditor.LogAuthFailure(clientID, clientIP, "pkce verification failed")
			p.inst.Metrics().RecordPKCEValidationFailed(ctx)
		}
		instrumentation.SetSpanError(span, "code consumption failed")
		return nil, NewInvalidGrantError("invalid authorization code").withCause(err)
	}

	// Binding checks happen after consumption. Failure burns the code.
	if rec.ClientID != clientID {
		p.auditor.LogAuthFailure(clientID, clientIP, "authorization code client mismatch")
		instrumentation.SetSpanError(span, "client binding mismatch")
		return nil, NewInvalidGrantError("invalid authorization code")
	}
	if rec.RedirectURI != redirectURI {
		p.auditor.LogAuthFailure(clientID, clientIP, "redirect_uri does not match authorization request")
		instrumentation.SetSpanError(span, "redirect binding mismatch")
		return nil, NewInvalidGrantError("redirect_uri does not match the authorization request")
	}

	pair, err := p.issueTokenPair(ctx, clientID, rec.Scopes)
	if err != nil {
		p.logger.Error("token issuance failed", "error", err, "client_id", clientID)
		return nil, NewServerError("internal error")
	}

	p.auditor.LogTokenIssued(clientID, clientIP, rec.Scopes)
	p.inst.Metrics().RecordCodeExchange(ctx, clientID)
	instrumentation.SetSpanSuccess(span)

	return pair, nil
}

// Refresh implements the refresh_token grant with mandatory rotation: the
// presented token is invalidated and a fresh pair is issued. The rotation is
// atomic in the store, so concurrent refreshes with the same token yield one
// winner.
func (p *Provider) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenPair, error) {
	ctx, span := p.tracer.Start(ctx, "provider.refresh",
		trace.WithAttributes(
			attribute.String(instrumentation.AttrClientID, clientID),
			attribute.String(instrumentation.AttrGrantType, "refresh_token"),
		))
	defer span.End()

	clientIP := clientIPFromContext(ctx)

	if err := p.clients.Authenticate(ctx, clientID, clientSecret); err != nil {
		p.auditor.LogAuthFailure(clientID, clientIP, "client authentication failed")
		instrumentation.SetSpanError(span, "client authentication failed")
		return nil, NewInvalidClientError("client authentication failed").withCause(err)
	}

	rec, err := p.tokens.RotateRefreshToken(ctx, refreshToken)
	if err != nil {
		instrumentation.SetSpanError(span, "refresh token rotation failed")
		return nil, NewInvalidGrantError("invalid refresh token").withCause(err)
	}

	// Cross-client confusion check. The old token is already gone, which
	// is the fail-secure outcome for a stolen token presented with another
	// client's credentials.
	if rec.ClientID != clientID {
		p.auditor.LogAuthFailure(clientID, clientIP, "refresh token client mismatch")
		instrumentation.SetSpanError(span, "client binding mismatch")
		return nil, NewInvalidGrantError("invalid refresh token")
	}

	pair, err := p.issueTokenPair(ctx, clientID, rec.Scopes)
	if err != nil {
		p.logger.Error("token issuance failed", "error", err, "client_id", clientID)
		return nil, NewServerError("internal error")
	}

	p.auditor.LogTokenRefreshed(clientID, clientIP)
	p.inst.Metrics().RecordTokenRefresh(ctx, clientID)
	instrumentation.SetSpanSuccess(span)

	return pair, nil
}

// VerifyAccessToken resolves a bearer token to its AuthInfo. Expired and
// unknown tokens are indistinguishable.
func (p *Provider) VerifyAccessToken(ctx context.Context, token string) (*storage.AuthInfo, error) {
	rec, err := p.tokens.GetAccessToken(ctx, token)
	if err != nil {
		return nil, NewInvalidTokenError("invalid or expired access token").withCause(err)
	}

	return &storage.AuthInfo{
		Token:     rec.Token,
		ClientID:  rec.ClientID,
		Scopes:    rec.Scopes,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Revoke removes a token. Idempotent per RFC 7009: revoking an unknown or
// already-revoked token is a success.
func (p *Provider) Revoke(ctx context.Context, token, clientID string) error {
	ctx, span := p.tracer.Start(ctx, "provider.revoke")
	defer span.End()

	if err := p.tokens.DeleteToken(ctx, token); err != nil {
		p.logger.Error("token revocation failed", "error", err)
		instrumentation.RecordError(span, err)
		return NewServerError("internal error")
	}

	p.auditor.LogTokenRevoked(clientID, clientIPFromContext(ctx))
	p.inst.Metrics().RecordTokenRevocation(ctx, clientID)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// RegisterClient implements RFC 7591 dynamic registration: a uuid client ID,
// a generated secret (confidential clients only), bcrypt hashing, and a
// per-IP registration cap.
func (p *Provider) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	ctx, span := p.tracer.Start(ctx, "provider.register_client")
	defer span.End()

	if len(req.RedirectURIs) == 0 {
		return nil, NewInvalidRedirectURIError("at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRegistrationRedirectURI(uri); err != nil {
			return nil, NewInvalidRedirectURIError(err.Error())
		}
	}

	scopes, err := p.resolveRegistrationScopes(req.Scope)
	if err != nil {
		return nil, err
	}

	if err := p.clients.CheckIPLimit(ctx, clientIP, p.config.MaxClientsPerIP); err != nil {
		p.auditor.LogAuthFailure("", clientIP, "client registration limit reached")
		return nil, NewInvalidRequestError("client registration limit reached for this address").withCause(err)
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_post"
	}

	var clientSecret, secretHash string
	switch authMethod {
	case "none":
		// Public client
	case "client_secret_post", "client_secret_basic":
		clientSecret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			p.logger.Error("failed to hash client secret", "error", err)
			return nil, NewServerError("internal error")
		}
		secretHash = string(hash)
	default:
		return nil, NewInvalidClientMetadataError("unsupported token_endpoint_auth_method")
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		SecretHash:   secretHash,
		RedirectURIs: req.RedirectURIs,
		Scopes:       scopes,
		ClientName:   req.ClientName,
		CreatedAt:    time.Now(),
	}

	if err := p.clients.SaveClient(ctx, client); err != nil {
		p.logger.Error("failed to save registered client", "error", err)
		return nil, NewServerError("internal error")
	}
	p.clients.TrackClientIP(ctx, clientIP)

	p.auditor.LogClientRegistered(client.ClientID, clientIP)
	p.inst.Metrics().RecordClientRegistration(ctx)
	instrumentation.SetSpanSuccess(span)

	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(scopes, " "),
		TokenEndpointAuthMethod: authMethod,
	}, nil
}

// issueTokenPair creates and persists a fresh access and refresh token for
// the client and scopes.
func (p *Provider) issueTokenPair(ctx context.Context, clientID string, scopes []string) (*TokenPair, error) {
	now := time.Now()

	access := &storage.AccessToken{
		Token:     oauth2.GenerateVerifier(),
		ClientID:  clientID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.config.AccessTokenTTL),
	}
	if err := p.tokens.SaveAccessToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	refresh := &storage.RefreshToken{
		Token:       oauth2.GenerateVerifier(),
		ClientID:    clientID,
		Scopes:      scopes,
		IssuedAt:    now,
		ExpiresAt:   now.Add(p.config.RefreshTokenTTL),
		AccessToken: access.Token,
	}
	if err := p.tokens.SaveRefreshToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// resolveRegistrationScopes parses a space-delimited scope string against the
// server's supported set. Empty requests get the full supported set.
func (p *Provider) resolveRegistrationScopes(scope string) ([]string, error) {
	requested := strings.Fields(scope)
	if len(requested) == 0 {
		scopes := make([]string, len(p.config.SupportedScopes))
		copy(scopes, p.config.SupportedScopes)
		return scopes, nil
	}

	supported := make(map[string]bool, len(p.config.SupportedScopes))
	for _, s := range p.config.SupportedScopes {
		supported[s] = true
	}
	for _, s := range requested {
		if !supported[s] {
			return nil, NewInvalidClientMetadataError(fmt.Sprintf("unsupported scope %q", s))
		}
	}
	return requested, nil
}

// validateRegistrationRedirectURI rejects URIs that are unusable or
// dangerous as redirect targets. Exact matching still applies at authorize
// time; this only filters what may be registered at all.
func validateRegistrationRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("redirect_uri %q is not a valid URI", uri)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect_uri %q must be absolute", uri)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", uri)
	}
	switch strings.ToLower(u.Scheme) {
	case "javascript", "data", "vbscript", "file":
		return fmt.Errorf("redirect_uri %q uses a forbidden scheme", uri)
	}
	return nil
}
