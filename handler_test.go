package tokengate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/tokengate/tokengate/storage/memory"
)

func newTestHandler(t *testing.T, mutate func(*Config)) (*http.ServeMux, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	t.Cleanup(store.Stop)

	cfg := Config{
		Issuer:              testIssuer,
		SupportedScopes:     []string{"read", "write", "admin"},
		DisableRateLimiting: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	provider, err := NewProvider(cfg, store, store, store)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	handler := NewHandler(provider)
	t.Cleanup(handler.Close)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return mux, store
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response body: %v (body: %s)", err, rr.Body.String())
	}
	return v
}

func authorizeQuery(clientID, state string) url.Values {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", testRedirect)
	q.Set("scope", "read")
	q.Set("code_challenge", testChallenge(testVerifier))
	q.Set("code_challenge_method", "S256")
	if state != "" {
		q.Set("state", state)
	}
	return q
}

// obtainCode drives the authorize endpoint and returns the issued code
func obtainCode(t *testing.T, mux *http.ServeMux, clientID string) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+authorizeQuery(clientID, "").Encode(), nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302 (body: %s)", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", rr.Header().Get("Location"))
	}
	return code
}

func TestAuthorizationServerMetadata(t *testing.T) {
	mux, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	meta := decodeJSON[AuthorizationServerMetadata](t, rr)
	if meta.Issuer != testIssuer {
		t.Errorf("issuer = %q, want %q", meta.Issuer, testIssuer)
	}
	if meta.TokenEndpoint != testIssuer+PathToken {
		t.Errorf("token_endpoint = %q, want %q", meta.TokenEndpoint, testIssuer+PathToken)
	}
	if len(meta.ResponseTypesSupported) != 1 || meta.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v, want [code]", meta.ResponseTypesSupported)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
	if meta.RegistrationEndpoint != "" {
		t.Errorf("registration_endpoint advertised while registration is disabled: %q", meta.RegistrationEndpoint)
	}

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, PathAuthorizationServerMetadata, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	})
}

func TestProtectedResourceMetadata(t *testing.T) {
	mux, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, PathProtectedResourceMetadata, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	meta := decodeJSON[ProtectedResourceMetadata](t, rr)
	if meta.Resource != testIssuer {
		t.Errorf("resource = %q, want %q", meta.Resource, testIssuer)
	}
	if len(meta.AuthorizationServers) != 1 || meta.AuthorizationServers[0] != testIssuer {
		t.Errorf("authorization_servers = %v, want [%s]", meta.AuthorizationServers, testIssuer)
	}
}

func TestAuthorizeEndpoint(t *testing.T) {
	t.Run("happy path echoes state", func(t *testing.T) {
		mux, store := newTestHandler(t, nil)
		seedClient(t, store, "c1", "s1", []string{"read", "write"})

		req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+authorizeQuery("c1", "xyz-state").Encode(), nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302 (body: %s)", rr.Code, rr.Body.String())
		}
		loc, err := url.Parse(rr.Header().Get("Location"))
		if err != nil {
			t.Fatalf("bad Location: %v", err)
		}
		if !strings.HasPrefix(loc.String(), testRedirect) {
			t.Errorf("redirect target = %q, want prefix %q", loc.String(), testRedirect)
		}
		if loc.Query().Get("code") == "" {
			t.Error("no code in redirect")
		}
		if got := loc.Query().Get("state"); got != "xyz-state" {
			t.Errorf("state = %q, want xyz-state", got)
		}
	})

	t.Run("POST form body works", func(t *testing.T) {
		mux, store := newTestHandler(t, nil)
		seedClient(t, store, "c1", "s1", []string{"read"})

		body := authorizeQuery("c1", "").Encode()
		req := httptest.NewRequest(http.MethodPost, PathAuthorize, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusFound {
			t.Errorf("status = %d, want 302 (body: %s)", rr.Code, rr.Body.String())
		}
	})

	t.Run("unregistered redirect gets JSON, not a redirect", func(t *testing.T) {
		mux, store := newTestHandler(t, nil)
		seedClient(t, store, "c1", "s1", []string{"read"})

		q := authorizeQuery("c1", "")
		q.Set("redirect_uri", "https://evil.example.com/cb")
		req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
		if rr.Header().Get("Location") != "" {
			t.Error("error was delivered by redirect to an unvalidated URI")
		}
		errBody := decodeJSON[Error](t, rr)
		if errBody.Code != ErrorCodeInvalidRequest {
			t.Errorf("error = %q, want invalid_request", errBody.Code)
		}
	})

	t.Run("unknown client gets JSON", func(t *testing.T) {
		mux, _ := newTestHandler(t, nil)

		req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+authorizeQuery("ghost", "").Encode(), nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
		errBody := decodeJSON[Error](t, rr)
		if errBody.Code != ErrorCodeInvalidClient {
			t.Errorf("error = %q, want invalid_client", errBody.Code)
		}
	})

	t.Run("protocol error redirects with error params", func(t *testing.T) {
		mux, store := newTestHandler(t, nil)
		seedClient(t, store, "c1", "s1", []string{"read"})

		q := authorizeQuery("c1", "st")
		q.Set("scope", "read admin") // not in the client's allowed set
		req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302 (body: %s)", rr.Code, rr.Body.String())
		}
		loc, _ := url.Parse(rr.Header().Get("Location"))
		if got := loc.Query().Get("error"); got != ErrorCodeInvalidScope {
			t.Errorf("error param = %q, want invalid_scope", got)
		}
		if got := loc.Query().Get("state"); got != "st" {
			t.Errorf("state = %q, want st", got)
		}
	})

	t.Run("bad response_type redirects with unsupported_response_type", func(t *testing.T) {
		mux, store := newTestHandler(t, nil)
		seedClient(t, store, "c1", "s1", []string{"read"})

		q := authorizeQuery("c1", "")
		q.Set("response_type", "token")
		req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", rr.Code)
		}
		loc, _ := url.Parse(rr.Header().Get("Location"))
		if got := loc.Query().Get("error"); got != ErrorCodeUnsupportedResponseType {
			t.Errorf("error param = %q, want unsupported_response_type", got)
		}
	})
}

func TestTokenEndpoint(t *testing.T) {
	t.Run("form-encoded exchange", func(t *testing.T) {
		mux, store := newTestHandler(t, nil)
		seedClient(t, store, "c1", "s1", []string{"read", "write"})
		code := obtainCode(t, mux, "c1")

		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", code)
		form.Set("redirect_uri", testRedirect)
		form.Set("client_id", "c1")
		form.Set("client_secret", "s1")
		form.Set("code_verifier", testVerifier)

		req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", rr.Code, rr.Body.String())
		}
		if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
			t.Errorf("Cache-Control = %q, want no-store", cc)
		}

		resp := decodeJSON[TokenResponse](t, rr)
		if resp.AccessToken == "" || resp.RefreshToken == "" {
			t.Error("token response missing tokens")
		}
		if resp.TokenType != "Bearer" {
			t.Errorf("token_type = %q, want Bearer", resp.TokenType)
		}
		if resp.ExpiresIn <= 0 || resp.ExpiresIn > 3600 {
			t.Errorf("expires_in = %d, want (0, 3600]", resp.ExpiresIn)
		}
		if resp.Scope != "read" {
			t.Errorf("scope = %q, want read", resp.Scope)
		}
	})

	t.Run("JSON body exchange and refresh", func(t *testing.T) {
		mux, store := newTestHandler(t, nil)
		seedClient(t, store, "c1", "s1", []string{"read"})
		code := obtainCode(t, mux, "c1")

		body, _ := json.Marshal(map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"redirect_uri":  testRedirect,
			"client_id":     "c1",
			"client_secret": "s1",
			"code_verifier": testVerifier,
		})
		req := httptest.NewRequest(http.MethodPost, PathToken, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("exchange status = %d, want 200 (body: %s)", rr.Code, rr.Body.String())
		}
		first := decodeJSON[TokenResponse](t, rr)

		refreshBody, _ := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": first.RefreshToken,
			"client_id":     "c1",
			"client_secret": "s1",
		})
		req = httptest.NewRequest(http.MethodPost, PathToken, bytes.NewReader(refreshBody))
		req.Header.Set("Content-Type", "application/json")
		rr = httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("refresh status = %d, want 200 (body: %s)", rr.Code, rr.Body.String())
		}
		second := decodeJSON[TokenResponse](t, rr)
		if second.RefreshToken == first.RefreshToken {
			t.Error("refresh token was not rotated")
		}
	})

	t.Run("error shapes", func(t *testing.T) {
		mux, store := newTestHandler(t, nil)
		seedClient(t, store, "c1", "s1", []string{"read"})

		tests := []struct {
			name       string
			form       url.Values
			wantStatus int
			wantCode   string
		}{
			{
				"missing grant_type",
				url.Values{},
				http.StatusBadRequest, ErrorCodeInvalidRequest,
			},
			{
				"unsupported grant_type",
				url.Values{"grant_type": {"password"}, "client_id": {"c1"}},
				http.StatusBadRequest, ErrorCodeUnsupportedGrantType,
			},
			{
				"bad code",
				url.Values{
					"grant_type": {"authorization_code"}, "code": {"bogus"},
					"client_id": {"c1"}, "client_secret": {"s1"},
					"code_verifier": {testVerifier}, "redirect_uri": {testRedirect},
				},
				http.StatusBadRequest, ErrorCodeInvalidGrant,
			},
			{
				"bad client secret",
				url.Values{
					"grant_type": {"refresh_token"}, "refresh_token": {"whatever"},
					"client_id": {"c1"}, "client_secret": {"nope"},
				},
				http.StatusUnauthorized, ErrorCodeInvalidClient,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(tt.form.Encode()))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				rr := httptest.NewRecorder()
				mux.ServeHTTP(rr, req)

				if rr.Code != tt.wantStatus {
					t.Errorf("status = %d, want %d (body: %s)", rr.Code, tt.wantStatus, rr.Body.String())
				}
				errBody := decodeJSON[Error](t, rr)
				if errBody.Code != tt.wantCode {
					t.Errorf("error = %q, want %q", errBody.Code, tt.wantCode)
				}
			})
		}
	})

	t.Run("GET not allowed", func(t *testing.T) {
		mux, _ := newTestHandler(t, nil)
		req := httptest.NewRequest(http.MethodGet, PathToken, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	})
}

func TestRevocationEndpoint(t *testing.T) {
	mux, store := newTestHandler(t, nil)
	seedClient(t, store, "c1", "s1", []string{"read"})

	revoke := func(t *testing.T, token string) *httptest.ResponseRecorder {
		t.Helper()
		form := url.Values{}
		if token != "" {
			form.Set("token", token)
		}
		form.Set("client_id", "c1")
		req := httptest.NewRequest(http.MethodPost, PathRevoke, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	t.Run("unknown token still 200", func(t *testing.T) {
		if rr := revoke(t, "never-existed"); rr.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rr.Code)
		}
	})

	t.Run("repeat revocation still 200", func(t *testing.T) {
		if rr := revoke(t, "some-token"); rr.Code != http.StatusOK {
			t.Errorf("first status = %d, want 200", rr.Code)
		}
		if rr := revoke(t, "some-token"); rr.Code != http.StatusOK {
			t.Errorf("second status = %d, want 200", rr.Code)
		}
	})

	t.Run("missing token parameter", func(t *testing.T) {
		if rr := revoke(t, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})
}

func TestRegistrationEndpoint(t *testing.T) {
	registrationBody := func(t *testing.T) *bytes.Reader {
		t.Helper()
		body, err := json.Marshal(ClientRegistrationRequest{
			RedirectURIs: []string{"https://new.example.com/cb"},
			ClientName:   "dynamic app",
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return bytes.NewReader(body)
	}

	t.Run("disabled by default", func(t *testing.T) {
		mux, _ := newTestHandler(t, nil)

		req := httptest.NewRequest(http.MethodPost, PathRegister, registrationBody(t))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rr.Code)
		}
	})

	t.Run("gated by registration token", func(t *testing.T) {
		mux, _ := newTestHandler(t, func(cfg *Config) {
			cfg.RegistrationAccessToken = "reg-secret"
		})

		req := httptest.NewRequest(http.MethodPost, PathRegister, registrationBody(t))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer wrong")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("wrong token status = %d, want 401", rr.Code)
		}

		req = httptest.NewRequest(http.MethodPost, PathRegister, registrationBody(t))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer reg-secret")
		rr = httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201 (body: %s)", rr.Code, rr.Body.String())
		}

		resp := decodeJSON[ClientRegistrationResponse](t, rr)
		if resp.ClientID == "" {
			t.Error("registration response missing client_id")
		}
	})

	t.Run("public registration", func(t *testing.T) {
		mux, _ := newTestHandler(t, func(cfg *Config) {
			cfg.AllowPublicRegistration = true
		})

		req := httptest.NewRequest(http.MethodPost, PathRegister, registrationBody(t))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Errorf("status = %d, want 201 (body: %s)", rr.Code, rr.Body.String())
		}
	})
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	mux, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID on response")
	}

	t.Run("upstream request ID preserved", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil)
		req.Header.Set("X-Request-ID", "upstream-id-42")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if got := rr.Header().Get("X-Request-ID"); got != "upstream-id-42" {
			t.Errorf("X-Request-ID = %q, want upstream-id-42", got)
		}
	})
}

func TestRateLimiting(t *testing.T) {
	store := memory.NewStore()
	t.Cleanup(store.Stop)

	provider, err := NewProvider(Config{
		Issuer:             testIssuer,
		SupportedScopes:    []string{"read"},
		RateLimitPerSecond: 1,
		RateLimitBurst:     2,
	}, store, store, store)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	handler := NewHandler(provider)
	t.Cleanup(handler.Close)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var limited bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil)
		req.RemoteAddr = "192.0.2.55:1234"
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of requests was never rate limited")
	}

	// Other addresses have their own bucket
	req := httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil)
	req.RemoteAddr = "192.0.2.56:1234"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("fresh address status = %d, want 200", rr.Code)
	}
}
