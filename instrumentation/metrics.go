package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant metrics
	TokensIssued          metric.Int64Counter
	GrantFailures         metric.Int64Counter
	AuthorizationRequests metric.Int64Counter
	TokensRefreshed       metric.Int64Counter
	TokensRevoked         metric.Int64Counter

	// Device flow metrics
	DeviceFlowsStarted metric.Int64Counter
	DevicePolls        metric.Int64Counter

	// Permission subsystem metrics
	TicketsRegistered metric.Int64Counter
	PolicyEvaluations metric.Int64Counter

	// Security metrics
	PKCEValidationFailures metric.Int64Counter
	CodeReuseDetected      metric.Int64Counter
	RateLimitExceeded      metric.Int64Counter
	KeysRotated            metric.Int64Counter

	// Storage metrics
	StorageOperationsTotal   metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeTokens        metric.Int64ObservableGauge
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeTickets       metric.Int64ObservableGauge
	StorageSizeDevices       metric.Int64ObservableGauge
}

// newMetrics creates all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	// HTTP metrics
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth_http_requests_total",
		metric.WithDescription("Total HTTP requests by endpoint, method, and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth_http_request_duration_ms",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration: %w", err)
	}

	// Grant metrics
	m.TokensIssued, err = serverMeter.Int64Counter(
		"oauth_tokens_issued_total",
		metric.WithDescription("Tokens issued by grant type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens_issued_total: %w", err)
	}

	m.GrantFailures, err = serverMeter.Int64Counter(
		"oauth_grant_failures_total",
		metric.WithDescription("Failed grant attempts by grant type and error code"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant_failures_total: %w", err)
	}

	m.AuthorizationRequests, err = serverMeter.Int64Counter(
		"oauth_authorization_requests_total",
		metric.WithDescription("Authorization endpoint requests by response type and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization_requests_total: %w", err)
	}

	m.TokensRefreshed, err = serverMeter.Int64Counter(
		"oauth_tokens_refreshed_total",
		metric.WithDescription("Successful refresh token grants"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens_refreshed_total: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth_tokens_revoked_total",
		metric.WithDescription("Tokens revoked by reason"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens_revoked_total: %w", err)
	}

	// Device flow metrics
	m.DeviceFlowsStarted, err = serverMeter.Int64Counter(
		"oauth_device_flows_started_total",
		metric.WithDescription("Device authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device_flows_started_total: %w", err)
	}

	m.DevicePolls, err = serverMeter.Int64Counter(
		"oauth_device_polls_total",
		metric.WithDescription("Device token polls by outcome"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device_polls_total: %w", err)
	}

	// Permission subsystem metrics
	m.TicketsRegistered, err = serverMeter.Int64Counter(
		"oauth_permission_tickets_total",
		metric.WithDescription("Permission tickets registered"),
		metric.WithUnit("{ticket}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create permission_tickets_total: %w", err)
	}

	m.PolicyEvaluations, err = serverMeter.Int64Counter(
		"oauth_policy_evaluations_total",
		metric.WithDescription("Policy evaluations by outcome"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy_evaluations_total: %w", err)
	}

	// Security metrics
	m.PKCEValidationFailures, err = securityMeter.Int64Counter(
		"oauth_pkce_validation_failures_total",
		metric.WithDescription("PKCE verifier validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce_validation_failures_total: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"oauth_code_reuse_detected_total",
		metric.WithDescription("Authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code_reuse_detected_total: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth_rate_limit_exceeded_total",
		metric.WithDescription("Requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit_exceeded_total: %w", err)
	}

	m.KeysRotated, err = securityMeter.Int64Counter(
		"oauth_keys_rotated_total",
		metric.WithDescription("Signing key rotations performed"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keys_rotated_total: %w", err)
	}

	// Storage metrics
	m.StorageOperationsTotal, err = storageMeter.Int64Counter(
		"oauth_storage_operations_total",
		metric.WithDescription("Storage operations by operation and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage_operations_total: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth_storage_operation_duration_ms",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage_operation_duration: %w", err)
	}

	m.StorageSizeTokens, err = storageMeter.Int64ObservableGauge(
		"oauth_storage_tokens_count",
		metric.WithDescription("Current number of stored tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage_tokens_count: %w", err)
	}

	m.StorageSizeClients, err = storageMeter.Int64ObservableGauge(
		"oauth_storage_clients_count",
		metric.WithDescription("Current number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage_clients_count: %w", err)
	}

	m.StorageSizeCodes, err = storageMeter.Int64ObservableGauge(
		"oauth_storage_codes_count",
		metric.WithDescription("Current number of pending authorization codes"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage_codes_count: %w", err)
	}

	m.StorageSizeTickets, err = storageMeter.Int64ObservableGauge(
		"oauth_storage_tickets_count",
		metric.WithDescription("Current number of pending permission tickets"),
		metric.WithUnit("{ticket}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage_tickets_count: %w", err)
	}

	m.StorageSizeDevices, err = storageMeter.Int64ObservableGauge(
		"oauth_storage_devices_count",
		metric.WithDescription("Current number of pending device authorizations"),
		metric.WithUnit("{device}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage_devices_count: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, endpoint, method string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("method", method),
		attribute.Int("status_code", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordTokenIssued records a successful token issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, clientID string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("client_id", clientID),
	))
}

// RecordGrantFailure records a failed grant attempt
func (m *Metrics) RecordGrantFailure(ctx context.Context, grantType, errorCode string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorCode),
	))
}

// RecordAuthorizationRequest records an authorization endpoint request
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, responseType, outcome string) {
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("response_type", responseType),
		attribute.String("outcome", outcome),
	))
}

// RecordTokenRefreshed records a successful refresh grant
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, clientID string) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevoked records a token revocation
func (m *Metrics) RecordTokenRevoked(ctx context.Context, reason string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordDeviceFlowStarted records the start of a device authorization flow
func (m *Metrics) RecordDeviceFlowStarted(ctx context.Context, clientID string) {
	m.DeviceFlowsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordDevicePoll records a device token poll and its outcome
func (m *Metrics) RecordDevicePoll(ctx context.Context, outcome string) {
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordTicketRegistered records a permission ticket registration
func (m *Metrics) RecordTicketRegistered(ctx context.Context, clientID string) {
	m.TicketsRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordPolicyEvaluation records a policy evaluation outcome
func (m *Metrics) RecordPolicyEvaluation(ctx context.Context, outcome string) {
	m.PolicyEvaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordPKCEValidationFailure records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailure(ctx context.Context, clientID string) {
	m.PKCEValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context, clientID string) {
	m.CodeReuseDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordRateLimitExceeded records a rate-limited request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context) {
	m.KeysRotated.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation with its result and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationsTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
