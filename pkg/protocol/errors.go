package protocol

// Error codes shared by the push channel and the backend's JSON error bodies.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrNotFound       = "NOT_FOUND"
	ErrRateLimited    = "RATE_LIMITED"
	ErrAlreadyPaired  = "ALREADY_PAIRED"
	ErrPairingFailed  = "PAIRING_FAILED"
	ErrUnavailable    = "UNAVAILABLE"
	ErrInternal       = "INTERNAL"
)
