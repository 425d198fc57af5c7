package connection

import "errors"

// Stable error kinds surfaced to callers. Wrap with fmt.Errorf("%w")
// and test with errors.Is.
var (
	// ErrNotConnected is returned when an operation is attempted before
	// Connect, or after Disconnect.
	ErrNotConnected = errors.New("not connected")

	// ErrAuthentication is returned when no configured auth method is
	// accepted by the remote host.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAccessDenied is returned by the factory when the local-access
	// gate rejects the caller.
	ErrAccessDenied = errors.New("access denied to local server")

	// ErrConfiguration is returned for an unknown SSH driver or a
	// malformed target configuration.
	ErrConfiguration = errors.New("invalid connection configuration")

	// ErrTimeout is returned when a synchronous execute exceeds the
	// configured command timeout. The process is killed first.
	ErrTimeout = errors.New("command timed out")
)
