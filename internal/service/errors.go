package service

import "errors"

var (
	// Validation errors: user-correctable, surfaced as-is.
	ErrDeviceNameRequired = errors.New("device name is required")
	ErrDeviceNameTooLong  = errors.New("device name exceeds 30 characters")

	// ErrDeviceQuotaExceeded means the tenant is at their configured
	// device-credential limit.
	ErrDeviceQuotaExceeded = errors.New("device credential limit reached")

	// ErrCredentialNotFound covers both a missing credential and one the
	// caller does not own; the two cases are deliberately indistinguishable.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrContainerNotFound means the tenant has no container record yet.
	ErrContainerNotFound = errors.New("container not found")

	// ErrInvalidTransition means the requested lifecycle operation does not
	// apply to the container's current state. Callers should re-query state.
	ErrInvalidTransition = errors.New("operation not valid in current container state")

	// ErrConflict means a uniqueness race was retried up to the bound and
	// still lost.
	ErrConflict = errors.New("conflicting concurrent update")

	// Engine failures: surfaced, never retried automatically. The caller
	// may re-poll.
	ErrEngineTimeout     = errors.New("container engine timed out")
	ErrEngineUnavailable = errors.New("container engine unavailable")
)
