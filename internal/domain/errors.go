package domain

import "errors"

var (
	// ErrNotFound is returned when no credential exists for the given uuid.
	ErrNotFound = errors.New("credential not found")

	// ErrInvalidPayload is returned when a request mixes fields across
	// auth kinds or is missing the fields its auth kind requires.
	ErrInvalidPayload = errors.New("invalid credential payload")

	// ErrIntegrity is returned when a stored secret fails authenticated
	// decryption. The record is unusable until it is re-added; this must
	// never be treated as a normal miss.
	ErrIntegrity = errors.New("secret integrity check failed")

	// ErrUpstream is returned for network or protocol failures talking to
	// WorkOS or the Factory API during refresh and health checks.
	ErrUpstream = errors.New("upstream provider error")

	// ErrPoolExhausted is returned when no eligible credential remains for
	// the requested endpoint type.
	ErrPoolExhausted = errors.New("credential pool exhausted")
)
