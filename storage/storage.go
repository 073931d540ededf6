package storage

import (
	"context"
	"errors"
	"time"
)

// Typed storage errors. The HTTP layer maps all grant-related failures to a
// single invalid_grant response; the distinct sentinels exist for audit
// logging and tests, not for callers of the public API.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrDuplicateClient indicates a client ID collision on registration
	ErrDuplicateClient = errors.New("client ID already registered")

	// ErrInvalidClientCredentials indicates client authentication failed
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrRedirectURINotRegistered indicates the redirect URI is not an exact
	// match against the client's registered set
	ErrRedirectURINotRegistered = errors.New("redirect URI not registered for client")

	// ErrScopeNotAllowed indicates a requested scope exceeds the client's allowance
	ErrScopeNotAllowed = errors.New("scope not allowed for client")

	// ErrCodeNotFound indicates the authorization code does not exist
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired indicates the authorization code has expired
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeConsumed indicates the authorization code was already exchanged.
	// Reuse of a consumed code is a token-theft indicator (OAuth 2.1).
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrPKCEMismatch indicates the code_verifier does not match the stored challenge
	ErrPKCEMismatch = errors.New("code verifier does not match code challenge")

	// ErrTokenNotFound indicates the token does not exist (or was revoked/rotated)
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token exists but is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrIPLimitReached indicates an IP hit the client registration cap
	ErrIPLimitReached = errors.New("client registration limit reached for IP")
)

// Client is a registered OAuth client. The raw secret is never stored; only
// the bcrypt hash survives registration.
type Client struct {
	ClientID     string
	SecretHash   string // bcrypt hash, empty for public clients
	RedirectURIs []string
	Scopes       []string
	ClientName   string
	CreatedAt    time.Time
}

// AllowsRedirectURI reports whether uri is an exact match against the
// client's registered set. No wildcard or prefix matching: this is a
// security contract, not a convenience.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether a single scope is in the client's allowed set.
func (c *Client) AllowsScope(scope string) bool {
	for _, allowed := range c.Scopes {
		if allowed == scope {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use credential binding a PKCE challenge to a
// client and redirect URI. Consumed is flipped exactly once, atomically, by
// ConsumeAuthorizationCode; there is no path back.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string // base64url(SHA-256(verifier))
	CodeChallengeMethod string // always "S256"
	Scopes              []string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// AccessToken is an opaque bearer credential. Immutable once issued; removed
// only by expiry or revocation.
type AccessToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is a long-lived credential used to obtain new token pairs.
// AccessToken records the access token issued alongside it, for audit.
type RefreshToken struct {
	Token       string
	ClientID    string
	Scopes      []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	AccessToken string
}

// AuthInfo is the result of a successful access-token verification. It is
// what the bearer middleware injects into the request context.
type AuthInfo struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the token carries the given scope.
func (a *AuthInfo) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient stores a registered client. Fails with ErrDuplicateClient
	// if the client ID is already taken.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// Authenticate verifies client credentials. It must take the same time
	// whether or not the client exists (bcrypt against a dummy hash for
	// unknown clients) and fail closed on any internal error.
	Authenticate(ctx context.Context, clientID, clientSecret string) error

	// ResolveScopes validates requested scopes against the client's allowed
	// set and returns the effective scope list. An empty request resolves to
	// the client's full allowed set; this is the single place that default
	// is decided.
	ResolveScopes(ctx context.Context, clientID string, requested []string) ([]string, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// TrackClientIP records a successful registration from an IP
	TrackClientIP(ctx context.Context, ip string)
}

// CodeStore manages authorization codes. It is the only component permitted
// to mark a code consumed.
type CodeStore interface {
	// SaveAuthorizationCode stores an issued code with Consumed=false
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically looks up the code, checks expiry
	// and the consumed flag, verifies the PKCE verifier against the stored
	// challenge (constant-time), and marks the code consumed.
	//
	// SECURITY: the check-and-mark sequence MUST be atomic with respect to
	// concurrent callers presenting the same code: at most one succeeds.
	// A code that fails PKCE verification is NOT consumed (the legitimate
	// holder may still redeem it); a consumed code is never revivable.
	//
	// On reuse the stored record is returned alongside ErrCodeConsumed so
	// the caller can audit the event; all other failures return nil.
	ConsumeAuthorizationCode(ctx context.Context, code, codeVerifier string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code (idempotent)
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages access and refresh tokens, keyed by opaque token string.
type TokenStore interface {
	// SaveAccessToken stores an issued access token
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves a live access token. Expired tokens are
	// indistinguishable from absent ones: both return ErrTokenNotFound.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// SaveRefreshToken stores an issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// RotateRefreshToken atomically validates and invalidates the presented
	// refresh token, returning its record so the caller can issue a
	// replacement pair.
	//
	// SECURITY: this MUST be atomic - concurrent rotation attempts on the
	// same token yield exactly one success; the rest get ErrTokenNotFound.
	RotateRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteToken removes an access or refresh token. Idempotent: deleting
	// an absent token is not an error (RFC 7009).
	DeleteToken(ctx context.Context, token string) error
}
