// Package storage defines the persistence interfaces and records for the
// OAuth engine: registered clients, authorization codes, and issued tokens.
// Implementations must uphold the atomicity contracts documented on
// ConsumeAuthorizationCode and RotateRefreshToken.
package storage
