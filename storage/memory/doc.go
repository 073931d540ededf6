// Package memory provides an in-memory implementation of the storage
// interfaces. Access tokens live in a TTL cache that evicts them on expiry;
// authorization codes and refresh tokens live in mutex-guarded maps so that
// consume and rotate can be single critical sections.
//
// Suitable for single-instance deployments and tests. State does not survive
// a restart.
package memory
