// Package storage provides interfaces and record types for the authorization
// server's persisted state.
//
// The stores split along artifact lifetime and access pattern:
//   - ClientStore: registered OAuth clients (read-only to the token engine)
//   - TokenStore: granted tokens with atomic refresh-token consumption
//   - CodeStore: single-use authorization codes with atomic consumption
//   - DeviceStore: RFC 8628 device authorizations
//   - ConfirmationCodeStore: subject-bound one-time codes
//   - TicketStore / ResourceSetStore / PolicyStore: UMA aggregates
//   - ConsentStore: resource-owner consent records
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/redis: Redis-backed distributed storage for production
//
// Every mutation of a short-lived artifact (code, refresh token, device
// code, confirmation code) that must happen at most once is exposed as a
// single atomic Consume operation so concurrent redemptions cannot
// double-spend.
package storage
