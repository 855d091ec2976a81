package patchbay

import (
	"fmt"
	"strings"

	"github.com/sonarca/patchbay/sys"
)

// DefaultAudioType is the payload type of 32-bit float mono audio ports.
const DefaultAudioType = sys.DefaultAudioType

// PortSpec is the capability tag a port is registered with. It statically
// declares the payload type, the direction flags and the requested buffer
// size, and gates at compile time which operations a port supports.
type PortSpec interface {
	// PortType identifies the payload format to the engine.
	PortType() string

	// PortFlags carries the direction and capability bits requested at
	// registration.
	PortFlags() PortFlags

	// PortBufferSize is the requested buffer size. Zero means the engine
	// default of one period.
	PortBufferSize() Frames
}

// AudioIn is the spec of an input port carrying 32-bit float mono audio.
// Its buffer is readable inside a process callback via AudioInBuffer.
type AudioIn struct{}

func (AudioIn) PortType() string {
	return DefaultAudioType
}

func (AudioIn) PortFlags() PortFlags {
	return IsInput
}

func (AudioIn) PortBufferSize() Frames {
	return 0
}

// AudioOut is the spec of an output port carrying 32-bit float mono audio.
// Its buffer is writable inside a process callback via AudioOutBuffer.
type AudioOut struct{}

func (AudioOut) PortType() string {
	return DefaultAudioType
}

func (AudioOut) PortFlags() PortFlags {
	return IsOutput
}

func (AudioOut) PortBufferSize() Frames {
	return 0
}

// Unowned is the spec of a port obtained by lookup. Its direction and
// payload type are not statically known, so only identity and naming
// operations are available.
type Unowned struct{}

func (Unowned) PortType() string {
	return ""
}

func (Unowned) PortFlags() PortFlags {
	return 0
}

func (Unowned) PortBufferSize() Frames {
	return 0
}

// UnownedPort is a port without a statically known capability, typically
// belonging to another client.
type UnownedPort = Port[Unowned]

// Port is a handle to one named, typed, directional endpoint in the engine
// graph. The spec parameter is the compile-time capability tag: operations
// that read or write payload data are only available for specs that grant
// them.
type Port[S PortSpec] struct {
	spec S
	c    *sys.Client
	p    *sys.Port
}

// Spec returns the capability tag the port was registered with.
func (port *Port[S]) Spec() S {
	return port.spec
}

// Name is the port's full name, "<client-name>:<short-name>".
func (port *Port[S]) Name() string {
	name, err := decodeCString(sys.PortName(port.p))
	if err != nil {
		return ""
	}
	return name
}

// ShortName is the port's name without the owning client prefix.
func (port *Port[S]) ShortName() string {
	name, err := decodeCString(sys.PortShortName(port.p))
	if err != nil {
		return ""
	}
	return name
}

// ClientName is the name of the client owning the port.
func (port *Port[S]) ClientName() string {
	full := port.Name()
	if i := strings.IndexByte(full, ':'); i >= 0 {
		return full[:i]
	}
	return full
}

// Flags are the port's direction and capability bits as known to the
// engine.
func (port *Port[S]) Flags() PortFlags {
	return PortFlags(sys.PortFlags(port.p))
}

// PortType is the port's payload type name as known to the engine.
func (port *Port[S]) PortType() string {
	name, err := decodeCString(sys.PortType(port.p))
	if err != nil {
		return ""
	}
	return name
}

// ID is the port's engine-wide identifier.
func (port *Port[S]) ID() PortID {
	return PortID(sys.PortID(port.p))
}

// Connected reports the number of connections the port currently
// participates in, queried live from the engine.
func (port *Port[S]) Connected() int {
	return int(sys.PortConnected(port.p))
}

// ConnectedTo reports whether the port is directly connected to the port
// with the given full name.
func (port *Port[S]) ConnectedTo(portName string) bool {
	return sys.PortConnectedTo(port.p, toCString(portName)) != 0
}

// IsMonitoringInput reports whether input monitoring is on for the port.
func (port *Port[S]) IsMonitoringInput() bool {
	return sys.PortMonitoringInput(port.p) != 0
}

// RequestMonitor toggles input monitoring. A no-op unless the port carries
// the CanMonitor flag.
func (port *Port[S]) RequestMonitor(enable bool) error {
	onoff := int32(0)
	if enable {
		onoff = 1
	}
	if sys.PortRequestMonitorByName(port.c, sys.PortName(port.p), onoff) != 0 {
		return ErrPortMonitor
	}
	return nil
}

// SetShortName renames the port. Only the owning client may rename a port;
// the new full name must stay within PortNameSize and must not collide with
// another port of the same client. Other clients observe the change through
// their PortRename callback.
func (port *Port[S]) SetShortName(shortName string) error {
	if sys.PortRename(port.c, port.p, toCString(shortName)) != 0 {
		return fmt.Errorf("%w: %q", ErrPortRename, shortName)
	}
	return nil
}

// RegisterPort creates a new port owned by the client with the given short
// name and capability spec. The full name "<client-name>:<short-name>" must
// not exceed PortNameSize and the short name must be unique within the
// client; violations fail with a *PortRegistrationError carrying the
// attempted name.
func RegisterPort[S PortSpec](c ClientRef, portName string, spec S) (*Port[S], error) {
	raw := c.rawClient()
	p := sys.PortRegister(raw, toCString(portName), toCString(spec.PortType()),
		uint64(spec.PortFlags()), uint32(spec.PortBufferSize()))
	if p == nil {
		return nil, &PortRegistrationError{Name: portName}
	}
	return &Port[S]{spec: spec, c: raw, p: p}, nil
}

// UnregisterPort removes a port registered by this client.
func UnregisterPort[S PortSpec](c ClientRef, port *Port[S]) error {
	if sys.PortUnregister(c.rawClient(), port.p) != 0 {
		return &PortRegistrationError{Name: port.ShortName()}
	}
	return nil
}

// IsMine reports whether the port is owned by the client behind c.
func IsMine[S PortSpec](c ClientRef, port *Port[S]) bool {
	return sys.PortIsMine(c.rawClient(), port.p) != 0
}

// ConnectPorts connects a source port to a destination port. See
// ConnectPortsByName for the preconditions and error taxonomy.
func ConnectPorts[A, B PortSpec](c ClientRef, source *Port[A], destination *Port[B]) error {
	return (&clientCommon{c: c.rawClient()}).ConnectPortsByName(source.Name(), destination.Name())
}

// DisconnectPorts removes the connection between two ports.
func DisconnectPorts[A, B PortSpec](c ClientRef, source *Port[A], destination *Port[B]) error {
	return (&clientCommon{c: c.rawClient()}).DisconnectPortsByName(source.Name(), destination.Name())
}

// AudioInBuffer exposes the read side of an audio input port's buffer for
// the cycle described by scope. The engine has already mixed all connected
// sources into it. The slice is only valid until Process returns; the
// compile-time spec tag keeps output ports out of this function.
func AudioInBuffer(port *Port[AudioIn], scope *ProcessScope) []float32 {
	if port.c != scope.c {
		return nil
	}
	return sys.GetBuffer(port.p, uint32(scope.NFrames()))
}

// AudioOutBuffer exposes the write side of an audio output port's buffer
// for the cycle described by scope. Samples written here are visible to
// connected input ports. The slice is only valid until Process returns; the
// compile-time spec tag keeps input ports out of this function.
func AudioOutBuffer(port *Port[AudioOut], scope *ProcessScope) []float32 {
	if port.c != scope.c {
		return nil
	}
	return sys.GetBuffer(port.p, uint32(scope.NFrames()))
}
