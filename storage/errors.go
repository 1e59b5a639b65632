package storage

import "errors"

// Sentinel errors returned by store implementations. Callers compare with
// errors.Is to map store failures onto protocol error codes without leaking
// backend detail.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrExpired indicates the record exists but its validity window closed.
	ErrExpired = errors.New("record expired")

	// ErrCodeConsumed indicates an authorization code was already redeemed.
	// ConsumeCode returns the stored record alongside this error so the
	// caller can revoke tokens previously issued from the code.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrClientNotFound indicates an unknown client identifier.
	ErrClientNotFound = errors.New("client not found")

	// ErrIPLimitReached indicates the IP address already holds the maximum
	// number of client registrations.
	ErrIPLimitReached = errors.New("client registration limit reached for IP")

	// ErrConsentNotFound indicates no consent is on record for the
	// subject+client pair.
	ErrConsentNotFound = errors.New("consent not found")

	// ErrDevicePending indicates the device authorization has not been
	// approved or denied yet.
	ErrDevicePending = errors.New("device authorization pending")

	// ErrDeviceDenied indicates the resource owner denied the device
	// authorization.
	ErrDeviceDenied = errors.New("device authorization denied")

	// ErrSubjectMismatch indicates a confirmation code was presented for a
	// subject other than the one it is bound to.
	ErrSubjectMismatch = errors.New("confirmation code subject mismatch")
)
