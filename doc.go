// Package tokengate is an embeddable OAuth 2.1 authorization and resource
// server engine: PKCE-protected authorization-code issuance and exchange,
// refresh-token rotation, opaque bearer tokens, RFC 7009 revocation,
// RFC 7591 dynamic client registration, and RFC 8414 / RFC 9728 discovery
// metadata.
//
// The Provider implements the grants against pluggable storage interfaces
// (see the storage package; storage/memory is the reference in-process
// implementation). The Handler mounts the HTTP endpoints on any
// *http.ServeMux and provides RequireToken, the bearer middleware for
// protecting resource endpoints:
//
//	store := memory.NewStore()
//	defer store.Stop()
//
//	provider, err := tokengate.NewProvider(tokengate.Config{
//		Issuer:          "https://auth.example.com",
//		SupportedScopes: []string{"read", "write"},
//	}, store, store, store)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	handler := tokengate.NewHandler(provider)
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//	mux.Handle("/api/data", handler.RequireToken(dataHandler))
package tokengate
