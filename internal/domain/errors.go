package domain

import "errors"

var (
	ErrInvalidResourceIdentifier = errors.New("invalid resource identifier")
	ErrRemoteUnavailable         = errors.New("remote unavailable")
	ErrPaymentRequired           = errors.New("payment required")
	ErrCapabilityUnavailable     = errors.New("capability unavailable")
	ErrSubmissionFailed          = errors.New("submission failed")

	// Returned by ClapService implementations when the service has no record of the resource.
	// Also returned by ClapRepository implementations when nothing is stored.
	// Callers of the view cache never see it, it is mapped to zero claps.
	ErrResourceNotFound = errors.New("resource not found")
)
