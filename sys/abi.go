package sys

import (
	"bytes"
	"sync"
	"unsafe"
)

// Size limits of the native ABI. Names are NUL-terminated, so the usable
// length is one less than the size.
const (
	ClientNameSize = 64
	PortNameSize   = 256
	PortTypeSize   = 32
)

// EExist is the status Connect returns when the requested connection is
// already present. Every other failure is reported as -1.
const EExist int32 = 17

// DefaultAudioType is the payload type name of 32-bit float mono audio ports.
const DefaultAudioType = "32 bit float mono audio"

// Port flag bits.
const (
	PortIsInput uint64 = 1 << iota
	PortIsOutput
	PortIsPhysical
	PortCanMonitor
	PortIsTerminal
)

// Client open option bits.
const (
	NullOption    uint64 = 0x00
	NoStartServer uint64 = 0x01
	UseExactName  uint64 = 0x02
	ServerName    uint64 = 0x04
	LoadName      uint64 = 0x08
	LoadInit      uint64 = 0x10
	SessionID     uint64 = 0x20
)

// Client status bits.
const (
	Failure       uint64 = 0x01
	InvalidOption uint64 = 0x02
	NameNotUnique uint64 = 0x04
	ServerStarted uint64 = 0x08
	ServerFailed  uint64 = 0x10
	ServerError   uint64 = 0x20
	NoSuchClient  uint64 = 0x40
	LoadFailure   uint64 = 0x80
	InitFailure   uint64 = 0x100
	ShmFailure    uint64 = 0x200
	VersionError  uint64 = 0x400
	BackendError  uint64 = 0x800
	ClientZombie  uint64 = 0x1000
)

// Latency callback modes.
const (
	CaptureLatency  int32 = 0
	PlaybackLatency int32 = 1
)

// Callback types of the native ABI. Each carries the opaque context pointer
// that was supplied at registration time. String arguments are NUL-terminated
// byte slices; the engine never interprets them as text.
type (
	ThreadInitCallback   func(data unsafe.Pointer)
	InfoShutdownCallback func(code uint64, reason []byte, data unsafe.Pointer)
	ProcessCallback      func(nframes uint32, data unsafe.Pointer) int32
	FreewheelCallback    func(starting int32, data unsafe.Pointer)
	BufferSizeCallback   func(nframes uint32, data unsafe.Pointer) int32
	SampleRateCallback   func(nframes uint32, data unsafe.Pointer) int32
	ClientRegCallback    func(name []byte, register int32, data unsafe.Pointer)
	PortRegCallback      func(port uint32, register int32, data unsafe.Pointer)
	PortRenameCallback   func(port uint32, oldName, newName []byte, data unsafe.Pointer) int32
	PortConnectCallback  func(a, b uint32, connect int32, data unsafe.Pointer)
	GraphOrderCallback   func(data unsafe.Pointer) int32
	XRunCallback         func(data unsafe.Pointer) int32
	LatencyCallback      func(mode int32, data unsafe.Pointer)
)

// callbackTable holds one registration slot per callback kind. It is guarded
// by the owning server's mutex and copied by value before any invocation, so
// registrations never race with deliveries.
type callbackTable struct {
	threadInit      ThreadInitCallback
	threadInitData  unsafe.Pointer
	shutdown        InfoShutdownCallback
	shutdownData    unsafe.Pointer
	process         ProcessCallback
	processData     unsafe.Pointer
	freewheel       FreewheelCallback
	freewheelData   unsafe.Pointer
	bufferSize      BufferSizeCallback
	bufferSizeData  unsafe.Pointer
	sampleRate      SampleRateCallback
	sampleRateData  unsafe.Pointer
	clientReg       ClientRegCallback
	clientRegData   unsafe.Pointer
	portReg         PortRegCallback
	portRegData     unsafe.Pointer
	portRename      PortRenameCallback
	portRenameData  unsafe.Pointer
	portConnect     PortConnectCallback
	portConnectData unsafe.Pointer
	graphOrder      GraphOrderCallback
	graphOrderData  unsafe.Pointer
	xrun            XRunCallback
	xrunData        unsafe.Pointer
	latency         LatencyCallback
	latencyData     unsafe.Pointer
}

// goString converts a NUL-terminated byte slice to a Go string. Bytes past
// the first NUL are ignored; a slice without a NUL is taken whole.
func goString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// cString converts a Go string to a NUL-terminated byte slice.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func boolToNative(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

// setCallback stores a registration slot. Registration is refused on a nil
// or closed client and after activation, because the engine threads may
// already be reading the table.
func setCallback(c *Client, store func(*callbackTable)) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.active {
		return -1
	}
	store(&c.cb)
	return 0
}

// SetThreadInitCallback registers the thread initialization callback.
func SetThreadInitCallback(c *Client, cb ThreadInitCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.threadInit, t.threadInitData = cb, data })
}

// OnInfoShutdown registers the shutdown notification callback.
func OnInfoShutdown(c *Client, cb InfoShutdownCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.shutdown, t.shutdownData = cb, data })
}

// SetProcessCallback registers the per-cycle process callback.
func SetProcessCallback(c *Client, cb ProcessCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.process, t.processData = cb, data })
}

// SetFreewheelCallback registers the freewheel transition callback.
func SetFreewheelCallback(c *Client, cb FreewheelCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.freewheel, t.freewheelData = cb, data })
}

// SetBufferSizeCallback registers the buffer size change callback.
func SetBufferSizeCallback(c *Client, cb BufferSizeCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.bufferSize, t.bufferSizeData = cb, data })
}

// SetSampleRateCallback registers the sample rate change callback.
func SetSampleRateCallback(c *Client, cb SampleRateCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.sampleRate, t.sampleRateData = cb, data })
}

// SetClientRegistrationCallback registers the client registration callback.
func SetClientRegistrationCallback(c *Client, cb ClientRegCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.clientReg, t.clientRegData = cb, data })
}

// SetPortRegistrationCallback registers the port registration callback.
func SetPortRegistrationCallback(c *Client, cb PortRegCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.portReg, t.portRegData = cb, data })
}

// SetPortRenameCallback registers the port rename callback.
func SetPortRenameCallback(c *Client, cb PortRenameCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.portRename, t.portRenameData = cb, data })
}

// SetPortConnectCallback registers the port connection callback.
func SetPortConnectCallback(c *Client, cb PortConnectCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.portConnect, t.portConnectData = cb, data })
}

// SetGraphOrderCallback registers the graph reorder callback.
func SetGraphOrderCallback(c *Client, cb GraphOrderCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.graphOrder, t.graphOrderData = cb, data })
}

// SetXRunCallback registers the xrun callback.
func SetXRunCallback(c *Client, cb XRunCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.xrun, t.xrunData = cb, data })
}

// SetLatencyCallback registers the latency recompute callback.
func SetLatencyCallback(c *Client, cb LatencyCallback, data unsafe.Pointer) int32 {
	return setCallback(c, func(t *callbackTable) { t.latency, t.latencyData = cb, data })
}

// Default server management. The default server is started lazily by
// ClientOpen, mirroring an engine daemon that is spawned on demand.
var (
	defaultMu  sync.Mutex
	defaultSrv *Server
)

// DefaultServer returns the process-wide default server, starting it if
// necessary. The configuration is read from the file named by the
// PATCHBAY_CONFIG environment variable when set.
func DefaultServer() (*Server, bool) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSrv != nil {
		return defaultSrv, false
	}
	cfg := DefaultConfig()
	if path := configPathFromEnv(); path != "" {
		loaded, err := LoadConfig(path)
		if err == nil {
			cfg = loaded
		}
	}
	defaultSrv = NewServer(cfg)
	return defaultSrv, true
}

// ClientOpen opens a connection to the default server. The returned status
// bits describe how the open went; a nil client means failure.
func ClientOpen(name []byte, options uint64) (*Client, uint64) {
	if options&NoStartServer != 0 {
		defaultMu.Lock()
		srv := defaultSrv
		defaultMu.Unlock()
		if srv == nil {
			return nil, Failure | ServerFailed
		}
		return srv.openClient(goString(name), options)
	}
	srv, started := DefaultServer()
	c, status := srv.openClient(goString(name), options)
	if c != nil && started {
		status |= ServerStarted
	}
	return c, status
}

// ClientOpenOn opens a connection to a specific server instance.
func ClientOpenOn(s *Server, name []byte, options uint64) (*Client, uint64) {
	if s == nil {
		return nil, Failure | ServerFailed
	}
	return s.openClient(goString(name), options)
}
