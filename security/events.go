package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across the codebase and greppable in log pipelines.
const (
	// EventTokenIssued is logged when an access/refresh token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated into a new pair
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by a client
	EventTokenRevoked = "token_revoked"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is
	// presented again (replay/theft indicator)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventPKCEValidationFailed is logged when code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAuthFailure is logged when client authentication or a grant fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration is refused
	EventClientRegistrationRejected = "client_registration_rejected"
)
