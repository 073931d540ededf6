package tokengate

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tokengate/tokengate/storage"
)

// authInfoContextKey carries verified token info through a request
type authInfoContextKey struct{}

// AuthInfoFromContext returns the AuthInfo injected by RequireToken. The
// second return is false for requests that did not pass the middleware.
func AuthInfoFromContext(ctx context.Context) (*storage.AuthInfo, bool) {
	info, ok := ctx.Value(authInfoContextKey{}).(*storage.AuthInfo)
	return info, ok
}

// RequireToken gates a resource handler behind bearer-token verification.
// Requests without a valid token are rejected with 401 and a
// WWW-Authenticate challenge pointing at the protected-resource metadata;
// the wrapped handler is never invoked. On success the token's AuthInfo is
// available via AuthInfoFromContext.
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			h.writeUnauthorized(w, NewInvalidRequestError("missing or malformed Authorization header"))
			return
		}

		info, err := h.provider.VerifyAccessToken(r.Context(), token)
		if err != nil {
			h.writeUnauthorized(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), authInfoContextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope is RequireToken plus a scope check: the verified token must
// carry the given scope or the request is rejected with 403.
func (h *Handler) RequireScope(scope string, next http.Handler) http.Handler {
	return h.RequireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := AuthInfoFromContext(r.Context())
		if !ok || !info.HasScope(scope) {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(&Error{
				Code:        "insufficient_scope",
				Description: fmt.Sprintf("scope %q is required", scope),
			}))
			h.writeError(w, &Error{
				Code:        "insufficient_scope",
				Description: fmt.Sprintf("scope %q is required", scope),
				Status:      http.StatusForbidden,
			})
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// writeUnauthorized answers 401 with a WWW-Authenticate challenge (RFC 6750)
func (h *Handler) writeUnauthorized(w http.ResponseWriter, err error) {
	var oauthErr *Error
	if e, ok := err.(*Error); ok {
		oauthErr = e
	} else {
		oauthErr = NewInvalidTokenError("invalid or expired access token")
	}

	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(oauthErr))
	oauthErr.Status = http.StatusUnauthorized
	h.writeError(w, oauthErr)
}

// formatWWWAuthenticate builds the Bearer challenge with a resource_metadata
// pointer per RFC 9728.
func (h *Handler) formatWWWAuthenticate(oauthErr *Error) string {
	issuer := h.provider.config.issuerBase()
	challenge := fmt.Sprintf("Bearer realm=%q", issuer)
	if oauthErr != nil && oauthErr.Code != "" {
		challenge += fmt.Sprintf(", error=%q", oauthErr.Code)
		if oauthErr.Description != "" {
			challenge += fmt.Sprintf(", error_description=%q", oauthErr.Description)
		}
	}
	challenge += fmt.Sprintf(", resource_metadata=%q", issuer+PathProtectedResourceMetadata)
	return challenge
}
