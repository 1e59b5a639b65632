// Package server implements the core authorization server logic.
//
// This package is the protocol engine: grant handling at the token
// endpoint, the authorization workflow state machine, the RFC 8628 device
// flow, and the UMA 2.0 permission ticket and policy evaluation subsystem.
// It coordinates the storage backends, signing key store, and security
// features while leaving HTTP concerns to the root package.
//
// The Server type delegates to specialized modules:
//   - Token signing and verification (token and keys packages)
//   - Persisted artifact storage (storage package)
//   - Security features (security package)
//
// Key Features:
//   - All standard OAuth grants plus the UMA ticket grant
//   - Mandatory PKCE with S256, single-use codes with reuse revocation
//   - Refresh token rotation with misuse detection
//   - Deny-by-default UMA policy evaluation
//   - Comprehensive security auditing and OpenTelemetry metrics
//
// Example usage:
//
//	store := memory.New()
//	keyStore, _ := keys.NewStore([]string{keys.DefaultAlgorithm}, keys.DefaultRetirementWindow)
//
//	config := &server.Config{
//	    Issuer:      "https://auth.example.com",
//	    RequirePKCE: true,
//	}
//
//	srv, err := server.New(server.Stores{
//	    Clients: store, Tokens: store, Codes: store, Devices: store,
//	    ConfirmationCodes: store, Tickets: store, ResourceSets: store,
//	    Policies: store, Consents: store,
//	}, keyStore, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
