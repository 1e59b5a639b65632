package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the user or client
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when all tokens for a subject+client pair are revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventKeysRotated is logged when the signing key set is rotated
	EventKeysRotated = "keys_rotated"

	// Authorization flow events

	// EventAuthorizationRequested is logged when an authorization request is received
	EventAuthorizationRequested = "authorization_requested"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is reused (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventConsentGranted is logged when a resource owner grants consent
	EventConsentGranted = "consent_granted"

	// Device flow events

	// EventDeviceFlowStarted is logged when a device authorization flow is initiated
	EventDeviceFlowStarted = "device_flow_started"

	// EventDeviceApproved is logged when a resource owner approves a device authorization
	EventDeviceApproved = "device_approved"

	// EventDeviceDenied is logged when a resource owner denies a device authorization
	EventDeviceDenied = "device_denied"

	// Permission subsystem events

	// EventPermissionTicketIssued is logged when a permission ticket is registered
	EventPermissionTicketIssued = "permission_ticket_issued"

	// EventRptIssued is logged when a requesting party token is issued
	EventRptIssued = "rpt_issued"

	// EventPermissionDenied is logged when policy evaluation denies access
	EventPermissionDenied = "permission_denied"

	// EventPermissionNeedInfo is logged when policy evaluation needs more claims
	EventPermissionNeedInfo = "permission_need_info"

	// EventPermissionRequestSubmitted is logged when access is parked for resource owner consent
	EventPermissionRequestSubmitted = "permission_request_submitted"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when client registration is rejected for security reasons
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientRegistrationRateLimitExceeded is logged when client registration rate limit is exceeded
	EventClientRegistrationRateLimitExceeded = "client_registration_rate_limit_exceeded"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, etc.)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventPKCERequiredForPublicClient is logged when a public client attempts flow without PKCE
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"

	// EventTokenReuseDetected is logged when refresh token reuse is detected (theft)
	EventTokenReuseDetected = "token_reuse_detected" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventSuspiciousActivity is logged for general suspicious behavior
	EventSuspiciousActivity = "suspicious_activity"

	// EventInvalidRedirect is logged when an invalid redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client tries to escalate scopes
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
