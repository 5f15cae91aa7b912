package connection

import "errors"

var (
	ErrUnauthenticated        = errors.New("authentication required")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidState           = errors.New("connection state is invalid or expired")
	ErrIdentityMismatch       = errors.New("user_id does not match the authenticated user")
	ErrNotConnected           = errors.New("no active connection for this provider")
	ErrNoPendingAuthorization = errors.New("no pending authorization at the provider; authorize there first")
	ErrMalformedTokenResponse = errors.New("provider returned a malformed token response")
	ErrUpstreamFailure        = errors.New("provider request failed")
)
