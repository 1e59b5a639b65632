// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements every store contract (clients, tokens, codes, device
// authorizations, confirmation codes, tickets, resource sets, policies, and
// consents) using Go's built-in maps with mutex protection for thread safety.
// It is suitable for development, testing, and single-instance deployments
// where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic consume operations (codes, refresh tokens, device authorizations)
//   - Automatic cleanup of expired records with configurable interval
//   - Token encryption at rest via security.Encryptor
//   - OpenTelemetry spans and metrics via instrumentation
//
// For production deployments requiring persistence or multi-instance
// deployments, use the storage/redis package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(server.Config{}, server.Stores{
//		Clients: store, Tokens: store, Codes: store,
//	})
package memory
