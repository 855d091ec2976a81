package patchbay

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sonarca/patchbay/sys"
)

// Size limits shared with the engine ABI. Names are bounded including their
// NUL terminator, so the usable length is one byte less.
const (
	// ClientNameSize bounds client names.
	ClientNameSize = sys.ClientNameSize

	// PortNameSize bounds full port names of the form "client:port".
	// Registration fails when the full name would exceed it.
	PortNameSize = sys.PortNameSize

	// PortTypeSize bounds port type names.
	PortTypeSize = sys.PortTypeSize
)

// ClientRef is the capability set shared by Client and WeakClient. It is a
// sealed interface; the two implementations differ only in ownership of the
// native connection.
type ClientRef interface {
	rawClient() *sys.Client
}

// clientCommon implements the shared capability set over a native
// connection reference. It never closes the connection.
type clientCommon struct {
	c *sys.Client
}

func (cc *clientCommon) rawClient() *sys.Client {
	return cc.c
}

// SampleRate is the engine sample rate in frames per second, as fixed when
// the server was started.
func (cc *clientCommon) SampleRate() int {
	return int(sys.GetSampleRate(cc.c))
}

// CPULoad is the engine's running estimate of the time spent executing a
// full process cycle, as a percentage of the real time available per cycle.
func (cc *clientCommon) CPULoad() float32 {
	return sys.CPULoad(cc.c)
}

// Name is the client's name. It differs from the name passed to Open only
// when the open status carried NameNotUnique.
func (cc *clientCommon) Name() string {
	name, err := decodeCString(sys.GetClientName(cc.c))
	if err != nil {
		return ""
	}
	return name
}

// BufferSize is the current maximum number of frames that will be passed to
// a process callback.
func (cc *clientCommon) BufferSize() Frames {
	return Frames(sys.GetBufferSize(cc.c))
}

// SetBufferSize changes the number of frames passed to the process
// callback. The engine halts its cycle, runs all registered buffer size
// callbacks and restarts, which causes an audible gap; only call this at an
// appropriate stopping point.
func (cc *clientCommon) SetBufferSize(nframes Frames) error {
	if sys.SetBufferSize(cc.c, uint32(nframes)) != 0 {
		return fmt.Errorf("%w: %d frames", ErrSetBufferSize, nframes)
	}
	return nil
}

// Ports lists the full names of ports matching the given filters.
// namePattern and typePattern are regular expressions matched against the
// full port name and the port type; an empty pattern disables filtering on
// that axis. flags selects ports carrying at least the given bits; pass
// PortFlags(0) for no flag filtering.
func (cc *clientCommon) Ports(namePattern, typePattern string, flags PortFlags) []string {
	raw := sys.GetPorts(cc.c, toCString(namePattern), toCString(typePattern), uint64(flags))
	names := make([]string, 0, len(raw))
	for _, b := range raw {
		name, err := decodeCString(b)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Ports",
				"error":    err.Error(),
			}).Error("Skipping port with undecodable name")
			continue
		}
		names = append(names, name)
	}
	return names
}

// PortByID looks a port up by id. The result carries no direction or type
// capability; nil means no such port.
func (cc *clientCommon) PortByID(id PortID) *UnownedPort {
	p := sys.PortByID(cc.c, uint32(id))
	if p == nil {
		return nil
	}
	return &Port[Unowned]{c: cc.c, p: p}
}

// PortByName looks a port up by its full name. The result carries no
// direction or type capability; nil means no such port.
func (cc *clientCommon) PortByName(name string) *UnownedPort {
	p := sys.PortByName(cc.c, toCString(name))
	if p == nil {
		return nil
	}
	return &Port[Unowned]{c: cc.c, p: p}
}

// FramesSinceCycleStart estimates the frames elapsed since the engine began
// the current process cycle.
func (cc *clientCommon) FramesSinceCycleStart() Frames {
	return Frames(sys.FramesSinceCycleStart(cc.c))
}

// FrameTime is the estimated current time in frames, intended for threads
// outside the process callback. Compare against ProcessScope.LastFrameTime
// to relate other threads to cycle time.
func (cc *clientCommon) FrameTime() Frames {
	return Frames(sys.FrameTime(cc.c))
}

// FramesToTime estimates the microsecond timestamp of a frame time.
func (cc *clientCommon) FramesToTime(nframes Frames) Time {
	return Time(sys.FramesToTime(cc.c, uint32(nframes)))
}

// TimeToFrames estimates the frame time of a microsecond timestamp.
func (cc *clientCommon) TimeToFrames(t Time) Frames {
	return Frames(sys.TimeToFrames(cc.c, uint64(t)))
}

// RequestMonitorByName toggles input monitoring for the named port. The
// request is a no-op unless the port carries the CanMonitor flag; an
// unknown port fails with ErrPortMonitor.
func (cc *clientCommon) RequestMonitorByName(portName string, enable bool) error {
	onoff := int32(0)
	if enable {
		onoff = 1
	}
	if sys.PortRequestMonitorByName(cc.c, toCString(portName), onoff) != 0 {
		return fmt.Errorf("%w: %q", ErrPortMonitor, portName)
	}
	return nil
}

// SetFreewheel starts or stops freewheel mode, in which the engine runs
// cycles back-to-back without waiting for real time to elapse. Handlers
// observe the transition through their Freewheel callback.
func (cc *clientCommon) SetFreewheel(enable bool) error {
	onoff := int32(0)
	if enable {
		onoff = 1
	}
	if sys.SetFreewheel(cc.c, onoff) != 0 {
		return ErrFreewheel
	}
	return nil
}

// ConnectPortsByName connects a source port to a destination port by their
// full names. The engine enforces that the payload types match, the source
// is output-capable, the destination is input-capable and both owning
// clients are active; violations fail with ErrPortConnection. Connecting an
// already connected pair fails with ErrPortAlreadyConnected, which callers
// may treat as idempotent success.
func (cc *clientCommon) ConnectPortsByName(sourcePort, destinationPort string) error {
	switch sys.Connect(cc.c, toCString(sourcePort), toCString(destinationPort)) {
	case 0:
		return nil
	case sys.EExist:
		return fmt.Errorf("%w: %q -> %q", ErrPortAlreadyConnected, sourcePort, destinationPort)
	default:
		return fmt.Errorf("%w: %q -> %q", ErrPortConnection, sourcePort, destinationPort)
	}
}

// DisconnectPortsByName removes the connection between two ports. A
// connection that does not exist fails with ErrPortDisconnection.
func (cc *clientCommon) DisconnectPortsByName(sourcePort, destinationPort string) error {
	if sys.Disconnect(cc.c, toCString(sourcePort), toCString(destinationPort)) != 0 {
		return fmt.Errorf("%w: %q -> %q", ErrPortDisconnection, sourcePort, destinationPort)
	}
	return nil
}

// TypeBufferSize reports the byte size of one cycle's buffer for a port
// type. Only meaningful from within a buffer size callback.
func (cc *clientCommon) TypeBufferSize(portType string) int {
	return int(sys.PortTypeGetBufferSize(cc.c, toCString(portType)))
}

// Client exclusively owns a native engine connection. Exactly one Client
// exists per connection; closing it invalidates every WeakClient aliasing
// the same connection.
type Client struct {
	clientCommon
}

// WeakClient aliases a native connection without owning it. It is handed to
// callbacks and may be copied freely; it never closes the connection, and
// its queries return zero values once the connection is gone.
type WeakClient struct {
	clientCommon
}

func weakClientFromRaw(c *sys.Client) WeakClient {
	return WeakClient{clientCommon{c: c}}
}

// Open connects to the default engine server. The returned status bits
// describe how the open went even when it succeeds; NameNotUnique in
// particular means the assigned name differs from the requested one.
func Open(clientName string, options ClientOptions) (*Client, ClientStatus, error) {
	if clientName == "" || len(clientName) >= ClientNameSize {
		return nil, Failure | InvalidOption, fmt.Errorf("%w: invalid name %q", ErrClientOpen, clientName)
	}
	raw, status := sys.ClientOpen(toCString(clientName), uint64(options))
	return wrapOpen(clientName, raw, status)
}

// OpenOn connects to a specific server instance instead of the default
// one. Primarily useful for tests running isolated engines.
func OpenOn(server *sys.Server, clientName string, options ClientOptions) (*Client, ClientStatus, error) {
	if clientName == "" || len(clientName) >= ClientNameSize {
		return nil, Failure | InvalidOption, fmt.Errorf("%w: invalid name %q", ErrClientOpen, clientName)
	}
	raw, status := sys.ClientOpenOn(server, toCString(clientName), uint64(options)|sys.ServerName)
	return wrapOpen(clientName, raw, status)
}

func wrapOpen(clientName string, raw *sys.Client, rawStatus uint64) (*Client, ClientStatus, error) {
	status := ClientStatus(rawStatus)
	if raw == nil {
		return nil, status, fmt.Errorf("%w: %q (%v)", ErrClientOpen, clientName, status)
	}
	c := &Client{clientCommon{c: raw}}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"client":   c.Name(),
		"status":   status.String(),
	}).Info("Client opened")
	return c, status, nil
}

// Close closes the native connection. Every WeakClient and port handle
// derived from this client is dead afterwards. The caller must ensure no
// callback can still be in flight, normally by deactivating first.
func (c *Client) Close() error {
	if c.c == nil {
		return nil
	}
	name := c.Name()
	rc := sys.ClientClose(c.c)
	c.c = nil
	if rc != 0 {
		return fmt.Errorf("%w: %q", ErrClientClose, name)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Client.Close",
		"client":   name,
	}).Info("Client closed")
	return nil
}
