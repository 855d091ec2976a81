package patchbay

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/sonarca/patchbay/sys"
)

// Handler is the callback capability set an application implements to
// receive engine events. Embed DefaultHandler to implement only the
// notifications you care about.
//
// Process runs on the engine's dedicated process thread and is never
// reentered concurrently with itself. Every other method may be delivered
// on a different thread, possibly concurrently with an in-flight Process
// call, so implementations must synchronize access to their own state.
type Handler interface {
	// ThreadInit is called once after the creation of the thread that
	// handles process callbacks, before the first Process. It does not
	// need to be suitable for real-time execution.
	ThreadInit(c *WeakClient)

	// Shutdown is called when the engine shuts the client down. It must
	// behave as if invoked asynchronously from another thread: set a flag
	// or write to a channel, and avoid anything that could block or
	// allocate unboundedly.
	Shutdown(status ClientStatus, reason string)

	// Process is called once per cycle whenever there is work to do. It
	// must be suitable for real-time execution: no blocking I/O, no locks
	// that can contend indefinitely, no dynamic memory allocation.
	// Returning Quit stops the engine from invoking this client again.
	Process(c *WeakClient, scope *ProcessScope) Control

	// Freewheel is called when freewheel mode is entered or left.
	Freewheel(c *WeakClient, enabled bool)

	// BufferSize is called when the number of frames passed to Process is
	// about to change, while the cycle is halted.
	BufferSize(c *WeakClient, nframes Frames) Control

	// SampleRate is called when the engine sample rate changes.
	SampleRate(c *WeakClient, srate Frames) Control

	// ClientRegistration is called when a client is registered or
	// unregistered.
	ClientRegistration(c *WeakClient, name string, registered bool)

	// PortRegistration is called when a port is registered or
	// unregistered.
	PortRegistration(c *WeakClient, id PortID, registered bool)

	// PortRename is called when a port is renamed.
	PortRename(c *WeakClient, id PortID, oldName, newName string) Control

	// PortsConnected is called when two ports are connected or
	// disconnected.
	PortsConnected(c *WeakClient, a, b PortID, connected bool)

	// GraphReorder is called whenever the processing graph is reordered.
	GraphReorder(c *WeakClient) Control

	// XRun is called on a buffer underrun or overrun, meaning some data
	// was missed.
	XRun(c *WeakClient) Control

	// Latency is called when signal-path latencies need recomputing. It
	// runs twice per recompute, once per LatencyMode. Clients whose
	// output is not delayed relative to their input rarely need it.
	Latency(c *WeakClient, mode LatencyMode)
}

// DefaultHandler is a no-op implementation of every Handler method. Embed
// it and override the callbacks of interest.
type DefaultHandler struct{}

func (DefaultHandler) ThreadInit(*WeakClient)                              {}
func (DefaultHandler) Shutdown(ClientStatus, string)                       {}
func (DefaultHandler) Process(*WeakClient, *ProcessScope) Control          { return Continue }
func (DefaultHandler) Freewheel(*WeakClient, bool)                         {}
func (DefaultHandler) BufferSize(*WeakClient, Frames) Control              { return Continue }
func (DefaultHandler) SampleRate(*WeakClient, Frames) Control              { return Continue }
func (DefaultHandler) ClientRegistration(*WeakClient, string, bool)        {}
func (DefaultHandler) PortRegistration(*WeakClient, PortID, bool)          {}
func (DefaultHandler) PortRename(*WeakClient, PortID, string, string) Control {
	return Continue
}
func (DefaultHandler) PortsConnected(*WeakClient, PortID, PortID, bool) {}
func (DefaultHandler) GraphReorder(*WeakClient) Control                 { return Continue }
func (DefaultHandler) XRun(*WeakClient) Control                         { return Continue }
func (DefaultHandler) Latency(*WeakClient, LatencyMode)                 {}

// ClosureProcessHandler adapts a single function into a Handler whose only
// interesting callback is Process. The engine is the one logical caller of
// the function and never invokes it concurrently with itself, so the
// function may keep mutable state without further synchronization as long
// as nothing else touches that state.
type ClosureProcessHandler struct {
	DefaultHandler
	fn func(c *WeakClient, scope *ProcessScope) Control
}

// NewClosureProcessHandler wraps a process function. The handler is meant
// to be registered with exactly one client, exactly once.
func NewClosureProcessHandler(fn func(c *WeakClient, scope *ProcessScope) Control) *ClosureProcessHandler {
	return &ClosureProcessHandler{fn: fn}
}

func (h *ClosureProcessHandler) Process(c *WeakClient, scope *ProcessScope) Control {
	return h.fn(c, scope)
}

// shutdownReasonFallback replaces a shutdown reason that could not be
// decoded. Shutdown handling must not itself fail, so this is the one
// place a decode failure is absorbed instead of surfaced.
const shutdownReasonFallback = "Failed to interpret error."

// handlerState is the strongly typed unit behind the opaque context pointer
// handed to the engine: the application handler, the weak client reference
// the trampolines pass to it, and a preallocated process scope so the
// real-time path performs no allocation.
//
// The bridge owns this allocation. It is created once by registerCallbacks
// and handed to the engine by address; the engine may read it from any
// callback-delivering thread until the callbacks are cleared. It must stay
// referenced until no callback can be in flight.
type handlerState struct {
	handler Handler
	client  WeakClient
	scope   ProcessScope
}

// stateFromContext reconstructs the typed handler state from the opaque
// pointer. Every trampoline assumes exactly this shape and nothing else is
// ever stored behind a context pointer.
func stateFromContext(data unsafe.Pointer) *handlerState {
	return (*handlerState)(data)
}

func threadInitTrampoline(data unsafe.Pointer) {
	state := stateFromContext(data)
	state.handler.ThreadInit(&state.client)
}

func shutdownTrampoline(code uint64, reason []byte, data unsafe.Pointer) {
	state := stateFromContext(data)
	text, err := decodeCString(reason)
	if err != nil {
		text = shutdownReasonFallback
	}
	state.handler.Shutdown(ClientStatus(code), text)
}

func processTrampoline(nframes uint32, data unsafe.Pointer) int32 {
	state := stateFromContext(data)
	state.scope.rebind(nframes)
	return state.handler.Process(&state.client, &state.scope).toNative()
}

func freewheelTrampoline(starting int32, data unsafe.Pointer) {
	state := stateFromContext(data)
	state.handler.Freewheel(&state.client, starting != 0)
}

func bufferSizeTrampoline(nframes uint32, data unsafe.Pointer) int32 {
	state := stateFromContext(data)
	return state.handler.BufferSize(&state.client, Frames(nframes)).toNative()
}

func sampleRateTrampoline(nframes uint32, data unsafe.Pointer) int32 {
	state := stateFromContext(data)
	return state.handler.SampleRate(&state.client, Frames(nframes)).toNative()
}

func clientRegistrationTrampoline(name []byte, register int32, data unsafe.Pointer) {
	state := stateFromContext(data)
	text, err := decodeCString(name)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "clientRegistrationTrampoline",
			"error":    err.Error(),
		}).Error("Dropping client registration notification with undecodable name")
		return
	}
	state.handler.ClientRegistration(&state.client, text, register != 0)
}

func portRegistrationTrampoline(port uint32, register int32, data unsafe.Pointer) {
	state := stateFromContext(data)
	state.handler.PortRegistration(&state.client, PortID(port), register != 0)
}

func portRenameTrampoline(port uint32, oldName, newName []byte, data unsafe.Pointer) int32 {
	state := stateFromContext(data)
	oldText, errOld := decodeCString(oldName)
	newText, errNew := decodeCString(newName)
	if errOld != nil || errNew != nil {
		logrus.WithFields(logrus.Fields{
			"function": "portRenameTrampoline",
			"port":     port,
		}).Error("Dropping port rename notification with undecodable name")
		return 0
	}
	return state.handler.PortRename(&state.client, PortID(port), oldText, newText).toNative()
}

func portConnectTrampoline(a, b uint32, connect int32, data unsafe.Pointer) {
	state := stateFromContext(data)
	state.handler.PortsConnected(&state.client, PortID(a), PortID(b), connect != 0)
}

func graphOrderTrampoline(data unsafe.Pointer) int32 {
	state := stateFromContext(data)
	return state.handler.GraphReorder(&state.client).toNative()
}

func xrunTrampoline(data unsafe.Pointer) int32 {
	state := stateFromContext(data)
	return state.handler.XRun(&state.client).toNative()
}

func latencyTrampoline(mode int32, data unsafe.Pointer) {
	state := stateFromContext(data)
	state.handler.Latency(&state.client, LatencyMode(mode))
}

// registerCallbacks binds one handler to a native connection. It allocates
// the handler state once and registers one trampoline per callback kind,
// all sharing the state's address as their opaque context.
//
// The returned state must stay referenced until clearCallbacks has run and
// no callback can still be in flight; releasing it earlier while the engine
// holds the raw pointer is the canonical use-after-free of this ABI.
func registerCallbacks(handler Handler, c *sys.Client) (*handlerState, error) {
	state := &handlerState{
		handler: handler,
		client:  weakClientFromRaw(c),
		scope:   ProcessScope{c: c},
	}
	data := unsafe.Pointer(state)

	results := []int32{
		sys.SetThreadInitCallback(c, threadInitTrampoline, data),
		sys.OnInfoShutdown(c, shutdownTrampoline, data),
		sys.SetProcessCallback(c, processTrampoline, data),
		sys.SetFreewheelCallback(c, freewheelTrampoline, data),
		sys.SetBufferSizeCallback(c, bufferSizeTrampoline, data),
		sys.SetSampleRateCallback(c, sampleRateTrampoline, data),
		sys.SetClientRegistrationCallback(c, clientRegistrationTrampoline, data),
		sys.SetPortRegistrationCallback(c, portRegistrationTrampoline, data),
		sys.SetPortRenameCallback(c, portRenameTrampoline, data),
		sys.SetPortConnectCallback(c, portConnectTrampoline, data),
		sys.SetGraphOrderCallback(c, graphOrderTrampoline, data),
		sys.SetXRunCallback(c, xrunTrampoline, data),
		sys.SetLatencyCallback(c, latencyTrampoline, data),
	}
	for _, rc := range results {
		if rc != 0 {
			// Leave no slot bound to the state on a partial failure.
			_ = clearCallbacks(c)
			return nil, ErrCallbackRegistration
		}
	}
	return state, nil
}

// clearCallbacks resets every native callback slot of the connection. The
// caller is responsible for ensuring no callback is in flight before the
// handler state registered earlier is released.
func clearCallbacks(c *sys.Client) error {
	results := []int32{
		sys.SetThreadInitCallback(c, nil, nil),
		sys.OnInfoShutdown(c, nil, nil),
		sys.SetProcessCallback(c, nil, nil),
		sys.SetFreewheelCallback(c, nil, nil),
		sys.SetBufferSizeCallback(c, nil, nil),
		sys.SetSampleRateCallback(c, nil, nil),
		sys.SetClientRegistrationCallback(c, nil, nil),
		sys.SetPortRegistrationCallback(c, nil, nil),
		sys.SetPortRenameCallback(c, nil, nil),
		sys.SetPortConnectCallback(c, nil, nil),
		sys.SetGraphOrderCallback(c, nil, nil),
		sys.SetXRunCallback(c, nil, nil),
		sys.SetLatencyCallback(c, nil, nil),
	}
	for _, rc := range results {
		if rc != 0 {
			return ErrCallbackDeregistration
		}
	}
	return nil
}
