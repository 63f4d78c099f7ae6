package session

import "errors"

// Domain errors for the session package.
// Check with errors.Is().
var (
	// ErrMessageTooLarge is returned for frames over the size ceiling.
	ErrMessageTooLarge = errors.New("session: message exceeds size limit")

	// ErrInvalidMessage is returned when a frame fails validation.
	// Wrapped with detail describing the failing field.
	ErrInvalidMessage = errors.New("session: invalid message")

	// ErrAuthFailed is returned when a hello presents bad credentials.
	ErrAuthFailed = errors.New("session: authentication failed")

	// ErrAlreadyAuthenticated is returned for a hello on an
	// authenticated session.
	ErrAlreadyAuthenticated = errors.New("session: already authenticated")

	// ErrRateLimited is returned when a device exceeds its message rate.
	ErrRateLimited = errors.New("session: rate limit exceeded")

	// ErrClosed is returned when a frame arrives on a finished session.
	ErrClosed = errors.New("session: session closed")
)
