package zwave

import "errors"

// Domain errors for the Z-Wave bridge package.
var (
	// ErrInvalidPayload is returned when an update payload is not a JSON object.
	ErrInvalidPayload = errors.New("zwave: invalid update payload")

	// ErrStopped is returned for updates received after Stop.
	ErrStopped = errors.New("zwave: bridge stopped")
)
