package model

// Control-plane error codes returned by the local daemon API.
const (
	ErrCodeInvalid       = "E_INVALID"
	ErrCodeNotFound      = "E_NOT_FOUND"
	ErrCodeUnauthorized  = "E_UNAUTHORIZED"
	ErrCodeForbidden     = "E_FORBIDDEN"
	ErrCodeLockedOut     = "E_LOCKED_OUT"
	ErrCodeAccessDenied  = "E_ACCESS_DENIED"
	ErrCodeUpstream      = "E_UPSTREAM"
	ErrCodeInternal      = "E_INTERNAL"
	ErrCodeNeedsActivate = "E_REQUIRES_ACTIVATION"
)
