// Package security provides the cross-cutting security features of the OAuth
// engine: audit logging with PII hashing, per-identifier rate limiting,
// request ID propagation, response security headers, clock-skew-tolerant
// expiry checks, and client IP extraction behind proxies.
package security
