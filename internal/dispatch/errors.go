package dispatch

import "errors"

// Domain errors for the dispatch package.
// Check with errors.Is().
var (
	// ErrNotConnected is returned when a command targets a device with no
	// live connection.
	ErrNotConnected = errors.New("dispatch: device not connected")

	// ErrAckTimeout is returned when a device does not acknowledge a
	// command within the deadline.
	ErrAckTimeout = errors.New("dispatch: command acknowledgement timed out")
)
