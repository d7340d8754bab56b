package zway

import "errors"

// Sentinel errors for controller operations.
//
// Wrapped errors keep the underlying cause, so both the sentinel and the
// cause can be checked with errors.Is:
//
//	if errors.Is(err, zway.ErrSessionExpired) {
//	    // the controller rejected a freshly issued session
//	}
var (
	// ErrAuthentication indicates the login was rejected or returned no session.
	ErrAuthentication = errors.New("zway: authentication failed")

	// ErrTransport indicates a network failure or a malformed response body.
	ErrTransport = errors.New("zway: transport error")

	// ErrSessionExpired indicates the controller answered 401 after a fresh login.
	ErrSessionExpired = errors.New("zway: session expired")

	// ErrReconciliation indicates the device list could not be fetched.
	ErrReconciliation = errors.New("zway: device list unavailable")

	// ErrCommandFailed indicates the controller did not accept a command.
	ErrCommandFailed = errors.New("zway: command failed")

	// ErrUnknownDevice indicates no device is registered under the given id.
	ErrUnknownDevice = errors.New("zway: unknown device")

	// ErrInvalidValue indicates an update value that maps to no controller command.
	ErrInvalidValue = errors.New("zway: value has no command mapping")

	// errStaleEpoch marks a completion that belongs to a superseded connect cycle.
	errStaleEpoch = errors.New("zway: stale connect cycle")
)
