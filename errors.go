package patchbay

import (
	"errors"
	"fmt"
)

// Sentinel errors for bridge operations. Every fallible public operation
// fails with exactly one of these kinds, matchable with errors.Is; raw
// engine status codes never escape the bridge.

// Client lifecycle errors.
var (
	// ErrClientOpen indicates the connection to the engine could not be
	// opened. The wrapped message carries the status bits.
	ErrClientOpen = errors.New("failed to open client")

	// ErrClientClose indicates closing the native connection failed.
	ErrClientClose = errors.New("failed to close client")

	// ErrClientActivation indicates the engine refused to activate the
	// client.
	ErrClientActivation = errors.New("failed to activate client")

	// ErrClientDeactivation indicates the engine refused to deactivate
	// the client.
	ErrClientDeactivation = errors.New("failed to deactivate client")
)

// Callback bridging errors.
var (
	// ErrCallbackRegistration indicates a native callback slot could not
	// be bound.
	ErrCallbackRegistration = errors.New("failed to register callbacks")

	// ErrCallbackDeregistration indicates the native callback slots could
	// not be cleared.
	ErrCallbackDeregistration = errors.New("failed to deregister callbacks")
)

// Port and connection errors.
var (
	// ErrPortRegistration indicates a port could not be registered. Use
	// errors.As with *PortRegistrationError to recover the attempted name.
	ErrPortRegistration = errors.New("failed to register port")

	// ErrPortConnection indicates a connection attempt violated the
	// engine's preconditions.
	ErrPortConnection = errors.New("failed to connect ports")

	// ErrPortAlreadyConnected indicates the requested connection already
	// exists. Higher layers commonly treat this as idempotent success.
	ErrPortAlreadyConnected = errors.New("ports are already connected")

	// ErrPortDisconnection indicates no such connection existed or the
	// disconnect failed.
	ErrPortDisconnection = errors.New("failed to disconnect ports")

	// ErrPortMonitor indicates an input monitoring request failed.
	ErrPortMonitor = errors.New("failed to toggle port monitoring")

	// ErrPortRename indicates a port rename was rejected, typically because
	// the new name collides or the caller does not own the port.
	ErrPortRename = errors.New("failed to rename port")
)

// Engine query errors.
var (
	// ErrSetBufferSize indicates the buffer size change was rejected.
	ErrSetBufferSize = errors.New("failed to set buffer size")

	// ErrFreewheel indicates the freewheel transition was rejected.
	ErrFreewheel = errors.New("failed to toggle freewheel mode")

	// ErrCycleTimes indicates the engine could not supply the precise
	// cycle timing snapshot. This is a recoverable condition; the query is
	// only weakly supported by some engines.
	ErrCycleTimes = errors.New("cycle timing information unavailable")

	// ErrNotValidText indicates a string crossing the native boundary was
	// not valid UTF-8.
	ErrNotValidText = errors.New("native string is not valid text")
)

// PortRegistrationError reports a failed port registration along with the
// short name that was attempted. It matches ErrPortRegistration under
// errors.Is.
type PortRegistrationError struct {
	Name string
}

func (e *PortRegistrationError) Error() string {
	return fmt.Sprintf("failed to register port %q", e.Name)
}

// Is lets errors.Is treat this as an ErrPortRegistration.
func (e *PortRegistrationError) Is(target error) bool {
	return target == ErrPortRegistration
}
