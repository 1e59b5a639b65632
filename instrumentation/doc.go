// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the
// authorization server.
//
// This package enables observability across all server layers through:
// - Metrics: Counters, histograms, and gauges for monitoring grant and policy operations
// - Traces: Distributed tracing for request flows across components
// - Logging: Structured logs with trace context integration
//
// # Quick Start
//
// Enable basic instrumentation:
//
//	import "github.com/gatekit/oauth/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-auth-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Pass to server configuration
//	server.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth_http_requests_total{method, endpoint, status_code} - Total HTTP requests
//   - oauth_http_request_duration_ms{endpoint} - Request duration in milliseconds
//
// Grants:
//   - oauth_tokens_issued_total{grant_type, client_id} - Tokens issued
//   - oauth_grant_failures_total{grant_type, error} - Failed grant attempts
//   - oauth_authorization_requests_total{response_type, outcome} - Authorization requests
//   - oauth_tokens_refreshed_total{client_id} - Refresh grants
//   - oauth_tokens_revoked_total{reason} - Revocations
//   - oauth_device_flows_started_total{client_id} - Device flows started
//   - oauth_device_polls_total{outcome} - Device token polls
//
// Permission subsystem:
//   - oauth_permission_tickets_total{client_id} - Permission tickets registered
//   - oauth_policy_evaluations_total{outcome} - Policy evaluations
//
// Security:
//   - oauth_rate_limit_exceeded_total{endpoint} - Rate limit violations
//   - oauth_pkce_validation_failures_total{client_id} - PKCE validation failures
//   - oauth_code_reuse_detected_total{client_id} - Authorization code reuse attempts
//   - oauth_keys_rotated_total - Signing key rotations
//
// Storage:
//   - oauth_storage_operations_total{operation, result} - Storage operations
//   - oauth_storage_operation_duration_ms{operation} - Operation duration in milliseconds
//   - oauth_storage_*_count - Current storage sizes (tokens, clients, codes, tickets, devices)
//
// # Performance
//
// When instrumentation is not configured or disabled:
//   - Zero overhead (uses no-op providers)
//   - No allocations or latency impact
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called concurrently
// from multiple goroutines.
//
// # Metric Cardinality Considerations
//
// client_id labels produce one series per registered client. At high client
// counts (>10,000), drop client_id labels from high-frequency metrics or
// pre-aggregate with recording rules, and use traces for per-client debugging.
//
// # Security Considerations
//
// This package collects observability data, never credentials.
//
// When instrumenting grant flows, you MUST:
//   - NEVER log actual token values (access tokens, refresh tokens, authorization codes)
//   - NEVER log client secrets or PKCE verifiers
//   - ONLY log metadata (token types, expiry times, validation results, key IDs)
//
// Privacy considerations:
//   - Client IP addresses may be considered PII in some jurisdictions;
//     gate them behind Config.LogClientIPs
//   - Subjects may be subject to privacy regulations
//   - Configure appropriate retention policies and access controls
package instrumentation
