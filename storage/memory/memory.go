package memory

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/tokengate/tokengate/instrumentation"
	"github.com/tokengate/tokengate/internal/util"
	"github.com/tokengate/tokengate/security"
	"github.com/tokengate/tokengate/storage"
)

const (
	// defaultSweepInterval is how often the background sweeper removes
	// expired authorization codes and refresh tokens.
	defaultSweepInterval = 1 * time.Minute

	// defaultAccessTokenTTL is the cache fallback TTL; actual entries use
	// their own ExpiresAt.
	defaultAccessTokenTTL = 1 * time.Hour

	// dummyBcryptHash is compared against when the client ID is unknown so
	// that authentication takes the same time either way.
	dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// Store is an in-memory implementation of ClientStore, CodeStore and
// TokenStore. The single mutex covers clients, codes, refresh tokens and the
// per-IP registration counters; access tokens are managed by the TTL cache,
// which does its own locking.
type Store struct {
	mu            sync.RWMutex
	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshToken
	clientsPerIP  map[string]int

	accessTokens *ttlcache.Cache[string, *storage.AccessToken]

	// Lock-free size counters for observable gauges
	clientCount       atomic.Int64
	codeCount         atomic.Int64
	accessTokenCount  atomic.Int64
	refreshTokenCount atomic.Int64

	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweepInterval overrides how often expired codes and refresh tokens
// are swept. Mainly useful in tests.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.sweepInterval = interval
		}
	}
}

// NewStore creates a new in-memory store and starts its background
// maintenance goroutines. Call Stop when done.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clients:       make(map[string]*storage.Client),
		codes:         make(map[string]*storage.AuthorizationCode),
		refreshTokens: make(map[string]*storage.RefreshToken),
		clientsPerIP:  make(map[string]int),
		logger:        slog.Default(),
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.accessTokens = ttlcache.New(
		ttlcache.WithTTL[string, *storage.AccessToken](defaultAccessTokenTTL),
		ttlcache.WithDisableTouchOnHit[string, *storage.AccessToken](),
	)
	s.accessTokens.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, _ *ttlcache.Item[string, *storage.AccessToken]) {
		s.accessTokenCount.Add(-1)
	})

	go s.accessTokens.Start()
	go s.sweepLoop()

	return s
}

// SetInstrumentation wires metrics and tracing into the store. The size
// gauges observe the atomic counters, so the callbacks never take the lock.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	if inst == nil {
		return nil
	}
	s.inst = inst
	s.tracer = inst.Tracer("storage")

	return inst.RegisterStorageSizeCallbacks(
		s.clientCount.Load,
		s.codeCount.Load,
		s.accessTokenCount.Load,
		s.refreshTokenCount.Load,
	)
}

// Stop shuts down the background goroutines. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.accessTokens.Stop()
	})
}

// startOp begins a traced storage operation
func (s *Store) startOp(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	start := time.Now()
	if s.tracer == nil {
		return ctx, nil, start
	}
	ctx, span := s.tracer.Start(ctx, "storage."+op,
		trace.WithAttributes(attribute.String(instrumentation.AttrStorageOperation, op)))
	return ctx, span, start
}

// finishOp records the operation's outcome on the span and metrics
func (s *Store) finishOp(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	if s.inst != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		durationMs := float64(time.Since(start).Microseconds()) / 1000.0
		s.inst.Metrics().RecordStorageOperation(ctx, op, result, durationMs)
	}
	if span != nil {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}
}

// --- ClientStore ---

// SaveClient stores a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span, start := s.startOp(ctx, "save_client")
	defer func() { s.finishOp(ctx, span, "save_client", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		err = storage.ErrDuplicateClient
		return err
	}

	c := *client
	s.clients[client.ClientID] = &c
	s.clientCount.Add(1)

	s.logger.Debug("client saved",
		"client_id", client.ClientID,
		"redirect_uris", len(client.RedirectURIs))
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span, start := s.startOp(ctx, "get_client")
	defer func() { s.finishOp(ctx, span, "get_client", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		err = storage.ErrClientNotFound
		return nil, err
	}

	copy := *c
	return &copy, nil
}

// Authenticate verifies client credentials. Unknown client IDs are checked
// against a dummy hash so the response time does not reveal whether the
// client exists.
func (s *Store) Authenticate(ctx context.Context, clientID, clientSecret string) (err error) {
	ctx, span, start := s.startOp(ctx, "authenticate_client")
	defer func() { s.finishOp(ctx, span, "authenticate_client", start, err) }()

	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		err = storage.ErrInvalidClientCredentials
		return err
	}

	if c.SecretHash == "" {
		// Public client: no secret to verify
		if clientSecret != "" {
			err = storage.ErrInvalidClientCredentials
			return err
		}
		return nil
	}

	if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(clientSecret)) != nil {
		err = storage.ErrInvalidClientCredentials
		return err
	}

	return nil
}

// ResolveScopes validates requested scopes against the client's allowed set.
// An empty request resolves to the client's full allowed set.
func (s *Store) ResolveScopes(ctx context.Context, clientID string, requested []string) (scopes []string, err error) {
	ctx, span, start := s.startOp(ctx, "resolve_scopes")
	defer func() { s.finishOp(ctx, span, "resolve_scopes", start, err) }()

	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrClientNotFound
		return nil, err
	}

	if len(requested) == 0 {
		scopes = make([]string, len(c.Scopes))
		copy(scopes, c.Scopes)
		return scopes, nil
	}

	for _, scope := range requested {
		if !c.AllowsScope(scope) {
			err = storage.ErrScopeNotAllowed
			return nil, err
		}
	}

	scopes = make([]string, len(requested))
	copy(scopes, requested)
	return scopes, nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		copy := *c
		clients = append(clients, &copy)
	}
	return clients, nil
}

// CheckIPLimit checks if an IP has reached the client registration limit.
// A non-positive limit disables the check.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.clientsPerIP[ip] >= maxClientsPerIP {
		return storage.ErrIPLimitReached
	}
	return nil
}

// TrackClientIP records a successful registration from an IP
func (s *Store) TrackClientIP(ctx context.Context, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
}

// --- CodeStore ---

// SaveAuthorizationCode stores an issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span, start := s.startOp(ctx, "save_code")
	defer func() { s.finishOp(ctx, span, "save_code", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes[code.Code] = &c
	s.codeCount.Add(1)

	s.logger.Debug("authorization code saved",
		"code_prefix", util.SafeTruncate(code.Code, 8),
		"client_id", code.ClientID,
		"expires_at", code.ExpiresAt)
	return nil
}

// ConsumeAuthorizationCode atomically validates and consumes a code. The
// whole lookup, consumed check, expiry check, PKCE verification and mark is
// one critical section: of N concurrent callers presenting the same code,
// exactly one succeeds.
//
// A PKCE mismatch leaves the code unconsumed. A consumed code is returned
// alongside ErrCodeConsumed so the caller can audit the reuse.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, codeVerifier string) (rec *storage.AuthorizationCode, err error) {
	ctx, span, start := s.startOp(ctx, "consume_code")
	defer func() { s.finishOp(ctx, span, "consume_code", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if stored.Consumed {
		reused := *stored
		err = storage.ErrCodeConsumed
		return &reused, err
	}

	if time.Now().After(stored.ExpiresAt) {
		err = storage.ErrCodeExpired
		return nil, err
	}

	if !verifyPKCE(stored.CodeChallenge, codeVerifier) {
		err = storage.ErrPKCEMismatch
		return nil, err
	}

	stored.Consumed = true

	consumed := *stored
	return &consumed, nil
}

// DeleteAuthorizationCode removes a code. Idempotent.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; ok {
		delete(s.codes, code)
		s.codeCount.Add(-1)
	}
	return nil
}

// verifyPKCE checks base64url(SHA-256(verifier)) against the stored
// challenge in constant time.
func verifyPKCE(codeChallenge, codeVerifier string) bool {
	hash := sha256.Sum256([]byte(codeVerifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
}

// --- TokenStore ---

// SaveAccessToken stores an issued access token. The cache entry expires at
// the token's ExpiresAt plus the clock-skew grace period.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span, start := s.startOp(ctx, "save_access_token")
	defer func() { s.finishOp(ctx, span, "save_access_token", start, err) }()

	t := *token
	ttl := time.Until(token.ExpiresAt) + security.DefaultClockSkewGracePeriod
	if ttl <= 0 {
		err = storage.ErrTokenExpired
		return err
	}

	s.accessTokens.Set(token.Token, &t, ttl)
	s.accessTokenCount.Add(1)
	return nil
}

// GetAccessToken retrieves a live access token. Expired tokens are
// indistinguishable from absent ones.
func (s *Store) GetAccessToken(ctx context.Context, token string) (rec *storage.AccessToken, err error) {
	ctx, span, start := s.startOp(ctx, "get_access_token")
	defer func() { s.finishOp(ctx, span, "get_access_token", start, err) }()

	item := s.accessTokens.Get(token)
	if item == nil {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	stored := item.Value()
	if security.IsExpiredWithGracePeriod(stored.ExpiresAt, security.DefaultClockSkewGracePeriod) {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	copy := *stored
	return &copy, nil
}

// SaveRefreshToken stores an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span, start := s.startOp(ctx, "save_refresh_token")
	defer func() { s.finishOp(ctx, span, "save_refresh_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.refreshTokens[token.Token] = &t
	s.refreshTokenCount.Add(1)
	return nil
}

// RotateRefreshToken atomically removes and returns the presented refresh
// token. Concurrent rotations of the same token yield exactly one success;
// the token is gone even when it turns out to be expired.
func (s *Store) RotateRefreshToken(ctx context.Context, token string) (rec *storage.RefreshToken, err error) {
	ctx, span, start := s.startOp(ctx, "rotate_refresh_token")
	defer func() { s.finishOp(ctx, span, "rotate_refresh_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	delete(s.refreshTokens, token)
	s.refreshTokenCount.Add(-1)

	if security.IsExpiredWithGracePeriod(stored.ExpiresAt, security.DefaultClockSkewGracePeriod) {
		err = storage.ErrTokenExpired
		return nil, err
	}

	rotated := *stored
	return &rotated, nil
}

// DeleteToken removes an access or refresh token. Idempotent.
func (s *Store) DeleteToken(ctx context.Context, token string) (err error) {
	ctx, span, start := s.startOp(ctx, "delete_token")
	defer func() { s.finishOp(ctx, span, "delete_token", start, err) }()

	s.mu.Lock()
	if _, ok := s.refreshTokens[token]; ok {
		delete(s.refreshTokens, token)
		s.refreshTokenCount.Add(-1)
	}
	s.mu.Unlock()

	// Eviction callback handles the access token counter
	s.accessTokens.Delete(token)
	return nil
}

// --- maintenance ---

// sweepLoop periodically removes expired codes and refresh tokens. Access
// tokens are evicted by the TTL cache and need no sweeping.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep removes expired authorization codes and refresh tokens
func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var codesRemoved, tokensRemoved int64

	for code, rec := range s.codes {
		if now.After(rec.ExpiresAt) {
			delete(s.codes, code)
			codesRemoved++
		}
	}

	for token, rec := range s.refreshTokens {
		if now.After(rec.ExpiresAt.Add(security.DefaultClockSkewGracePeriod)) {
			delete(s.refreshTokens, token)
			tokensRemoved++
		}
	}

	if codesRemoved > 0 {
		s.codeCount.Add(-codesRemoved)
	}
	if tokensRemoved > 0 {
		s.refreshTokenCount.Add(-tokensRemoved)
	}

	if codesRemoved > 0 || tokensRemoved > 0 {
		s.logger.Debug("storage sweep completed",
			"codes_removed", codesRemoved,
			"refresh_tokens_removed", tokensRemoved)
	}
}
