package patchbay

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientRegEvent struct {
	name       string
	registered bool
}

type portRegEvent struct {
	id         PortID
	registered bool
}

type renameEvent struct {
	id      PortID
	oldName string
	newName string
}

type connectionEvent struct {
	a, b      PortID
	connected bool
}

type shutdownEvent struct {
	status ClientStatus
	reason string
}

// recordingHandler forwards every notification into buffered channels so
// tests can wait for them. Sends never block; a full channel drops.
type recordingHandler struct {
	DefaultHandler
	clientRegs  chan clientRegEvent
	portRegs    chan portRegEvent
	renames     chan renameEvent
	connections chan connectionEvent
	bufferSizes chan Frames
	sampleRates chan Frames
	freewheels  chan bool
	latencies   chan LatencyMode
	shutdowns   chan shutdownEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		clientRegs:  make(chan clientRegEvent, 16),
		portRegs:    make(chan portRegEvent, 16),
		renames:     make(chan renameEvent, 16),
		connections: make(chan connectionEvent, 16),
		bufferSizes: make(chan Frames, 16),
		sampleRates: make(chan Frames, 16),
		freewheels:  make(chan bool, 16),
		latencies:   make(chan LatencyMode, 16),
		shutdowns:   make(chan shutdownEvent, 16),
	}
}

func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (h *recordingHandler) Shutdown(status ClientStatus, reason string) {
	trySend(h.shutdowns, shutdownEvent{status: status, reason: reason})
}

func (h *recordingHandler) Freewheel(_ *WeakClient, enabled bool) {
	trySend(h.freewheels, enabled)
}

func (h *recordingHandler) BufferSize(_ *WeakClient, nframes Frames) Control {
	trySend(h.bufferSizes, nframes)
	return Continue
}

func (h *recordingHandler) SampleRate(_ *WeakClient, srate Frames) Control {
	trySend(h.sampleRates, srate)
	return Continue
}

func (h *recordingHandler) ClientRegistration(_ *WeakClient, name string, registered bool) {
	trySend(h.clientRegs, clientRegEvent{name: name, registered: registered})
}

func (h *recordingHandler) PortRegistration(_ *WeakClient, id PortID, registered bool) {
	trySend(h.portRegs, portRegEvent{id: id, registered: registered})
}

func (h *recordingHandler) PortRename(_ *WeakClient, id PortID, oldName, newName string) Control {
	trySend(h.renames, renameEvent{id: id, oldName: oldName, newName: newName})
	return Continue
}

func (h *recordingHandler) PortsConnected(_ *WeakClient, a, b PortID, connected bool) {
	trySend(h.connections, connectionEvent{a: a, b: b, connected: connected})
}

func (h *recordingHandler) Latency(_ *WeakClient, mode LatencyMode) {
	trySend(h.latencies, mode)
}

const notificationTimeout = 2 * time.Second

// recv waits for one event with a timeout so a lost notification fails the
// test instead of hanging it.
func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(notificationTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestProcessReceivesPeriodFrames(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "counter")

	frames := make(chan Frames, 1)
	handler := NewClosureProcessHandler(func(_ *WeakClient, scope *ProcessScope) Control {
		trySend(frames, scope.NFrames())
		return Continue
	})

	_, err := c.Activate(handler)
	require.NoError(t, err)

	assert.Equal(t, Frames(64), recv(t, frames, "process callback"))
}

func TestProcessQuitStopsInvocations(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "quitter")

	var calls atomic.Int32
	done := make(chan struct{})
	handler := NewClosureProcessHandler(func(_ *WeakClient, _ *ProcessScope) Control {
		if calls.Add(1) == 5 {
			close(done)
			return Quit
		}
		return Continue
	})

	_, err := c.Activate(handler)
	require.NoError(t, err)

	recv(t, done, "fifth process call")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(5), calls.Load())
}

func TestActivateWhileActiveFails(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "busy")

	var calls atomic.Int32
	ac, err := c.Activate(NewClosureProcessHandler(func(_ *WeakClient, _ *ProcessScope) Control {
		calls.Add(1)
		return Continue
	}))
	require.NoError(t, err)

	_, err = c.Activate(NewClosureProcessHandler(func(_ *WeakClient, _ *ProcessScope) Control {
		return Quit
	}))
	assert.True(t, errors.Is(err, ErrCallbackRegistration))

	// The failed attempt must not disturb the running handler.
	before := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, calls.Load(), before)

	_, err = ac.Deactivate()
	require.NoError(t, err)
}

func TestDeactivateStopsProcess(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "stopper")

	var calls atomic.Int32
	started := make(chan struct{})
	var once atomic.Bool
	handler := NewClosureProcessHandler(func(_ *WeakClient, _ *ProcessScope) Control {
		calls.Add(1)
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		return Continue
	})

	ac, err := c.Activate(handler)
	require.NoError(t, err)
	recv(t, started, "first process call")

	_, err = ac.Deactivate()
	require.NoError(t, err)

	settled := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, calls.Load())
}

// slowNotifyHandler lingers inside notification callbacks and records
// whether one was still running after the handler was supposed to be
// released.
type slowNotifyHandler struct {
	DefaultHandler
	released *atomic.Bool
	late     *atomic.Bool
}

func (h *slowNotifyHandler) PortRegistration(_ *WeakClient, _ PortID, _ bool) {
	time.Sleep(2 * time.Millisecond)
	if h.released.Load() {
		h.late.Store(true)
	}
}

func TestDeactivateQuiescesNotifications(t *testing.T) {
	srv := newTestEngine(t)
	observer := openTestClient(t, srv, "observer")
	churner := openTestClient(t, srv, "churner")

	var released, late atomic.Bool
	h := &slowNotifyHandler{released: &released, late: &late}

	// Churn port registrations so broadcasts keep racing the deactivation.
	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			p, err := RegisterPort(churner, fmt.Sprintf("p%d", i), AudioOut{})
			if err == nil {
				_ = UnregisterPort(churner, p)
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		<-churned
	}()

	for i := 0; i < 25; i++ {
		ac, err := observer.Activate(h)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		_, err = ac.Deactivate()
		require.NoError(t, err)
		released.Store(true)

		time.Sleep(5 * time.Millisecond)
		require.False(t, late.Load(), "handler invoked after Deactivate returned")
		released.Store(false)
	}
}

func TestAudioFlowsThroughConnections(t *testing.T) {
	srv := newTestEngine(t)
	producerA := openTestClient(t, srv, "producer-a")
	producerB := openTestClient(t, srv, "producer-b")
	consumer := openTestClient(t, srv, "consumer")

	outA, err := RegisterPort(producerA, "out", AudioOut{})
	require.NoError(t, err)
	outB, err := RegisterPort(producerB, "out", AudioOut{})
	require.NoError(t, err)
	in, err := RegisterPort(consumer, "in", AudioIn{})
	require.NoError(t, err)

	_, err = producerA.Activate(NewClosureProcessHandler(func(_ *WeakClient, scope *ProcessScope) Control {
		buf := AudioOutBuffer(outA, scope)
		for i := range buf {
			buf[i] = 0.25
		}
		return Continue
	}))
	require.NoError(t, err)

	_, err = producerB.Activate(NewClosureProcessHandler(func(_ *WeakClient, scope *ProcessScope) Control {
		buf := AudioOutBuffer(outB, scope)
		for i := range buf {
			buf[i] = 0.5
		}
		return Continue
	}))
	require.NoError(t, err)

	mixed := make(chan float32, 1)
	_, err = consumer.Activate(NewClosureProcessHandler(func(_ *WeakClient, scope *ProcessScope) Control {
		buf := AudioInBuffer(in, scope)
		if len(buf) > 0 && buf[0] != 0 {
			trySend(mixed, buf[0])
		}
		return Continue
	}))
	require.NoError(t, err)

	require.NoError(t, ConnectPorts(consumer, outA, in))
	require.NoError(t, ConnectPorts(consumer, outB, in))

	// Connected sources are summed into the input buffer.
	deadline := time.After(notificationTimeout)
	for {
		select {
		case v := <-mixed:
			if v == 0.75 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for mixed audio")
		}
	}
}

func TestBufferScopeMismatchReturnsNil(t *testing.T) {
	srv := newTestEngine(t)
	a := openTestClient(t, srv, "scope-a")
	b := openTestClient(t, srv, "scope-b")

	outB, err := RegisterPort(b, "out", AudioOut{})
	require.NoError(t, err)

	// A port of one client is not readable through another client's scope.
	got := make(chan bool, 1)
	_, err = a.Activate(NewClosureProcessHandler(func(_ *WeakClient, scope *ProcessScope) Control {
		trySend(got, AudioOutBuffer(outB, scope) == nil)
		return Continue
	}))
	require.NoError(t, err)

	assert.True(t, recv(t, got, "process callback"))
}

func TestThreadInitRunsOnce(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "initonce")

	var inits atomic.Int32
	handler := &threadInitHandler{inits: &inits}
	cycles := make(chan struct{}, 1)
	handler.cycles = cycles

	_, err := c.Activate(handler)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		recv(t, cycles, "process cycle")
	}
	assert.Equal(t, int32(1), inits.Load())
}

type threadInitHandler struct {
	DefaultHandler
	inits  *atomic.Int32
	cycles chan struct{}
}

func (h *threadInitHandler) ThreadInit(*WeakClient) {
	h.inits.Add(1)
}

func (h *threadInitHandler) Process(_ *WeakClient, _ *ProcessScope) Control {
	trySend(h.cycles, struct{}{})
	return Continue
}

func TestActivationReplaysEngineParameters(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "replayed")

	h := newRecordingHandler()
	_, err := c.Activate(h)
	require.NoError(t, err)

	assert.Equal(t, Frames(48000), recv(t, h.sampleRates, "sample rate callback"))
	assert.Equal(t, Frames(64), recv(t, h.bufferSizes, "buffer size callback"))

	modes := map[LatencyMode]bool{}
	modes[recv(t, h.latencies, "latency callback")] = true
	modes[recv(t, h.latencies, "latency callback")] = true
	assert.True(t, modes[CaptureLatency])
	assert.True(t, modes[PlaybackLatency])
}

func TestBufferSizeChangeNotifiesHandlers(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "resized")

	h := newRecordingHandler()
	_, err := c.Activate(h)
	require.NoError(t, err)

	// Skip the activation replay of the current size.
	assert.Equal(t, Frames(64), recv(t, h.bufferSizes, "buffer size replay"))

	require.NoError(t, c.SetBufferSize(128))
	assert.Equal(t, Frames(128), recv(t, h.bufferSizes, "buffer size change"))
}

func TestFreewheelNotifiesHandlers(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "wheeler")

	h := newRecordingHandler()
	_, err := c.Activate(h)
	require.NoError(t, err)

	require.NoError(t, c.SetFreewheel(true))
	assert.True(t, recv(t, h.freewheels, "freewheel on"))

	require.NoError(t, c.SetFreewheel(false))
	assert.False(t, recv(t, h.freewheels, "freewheel off"))
}

func TestClientRegistrationNotifications(t *testing.T) {
	srv := newTestEngine(t)
	observer := openTestClient(t, srv, "observer")

	h := newRecordingHandler()
	_, err := observer.Activate(h)
	require.NoError(t, err)

	guest, _, err := OpenOn(srv, "guest", NullOption)
	require.NoError(t, err)

	for {
		ev := recv(t, h.clientRegs, "client registration")
		if ev.name == "guest" {
			assert.True(t, ev.registered)
			break
		}
	}

	require.NoError(t, guest.Close())
	for {
		ev := recv(t, h.clientRegs, "client unregistration")
		if ev.name == "guest" {
			assert.False(t, ev.registered)
			break
		}
	}
}

func TestPortNotifications(t *testing.T) {
	srv := newTestEngine(t)
	observer := openTestClient(t, srv, "observer")
	owner := openTestClient(t, srv, "owner")

	h := newRecordingHandler()
	_, err := observer.Activate(h)
	require.NoError(t, err)

	p, err := RegisterPort(owner, "before", AudioOut{})
	require.NoError(t, err)

	reg := recv(t, h.portRegs, "port registration")
	assert.Equal(t, p.ID(), reg.id)
	assert.True(t, reg.registered)

	require.NoError(t, p.SetShortName("after"))
	ren := recv(t, h.renames, "port rename")
	assert.Equal(t, p.ID(), ren.id)
	assert.Equal(t, "owner:before", ren.oldName)
	assert.Equal(t, "owner:after", ren.newName)

	require.NoError(t, UnregisterPort(owner, p))
	unreg := recv(t, h.portRegs, "port unregistration")
	assert.Equal(t, p.ID(), unreg.id)
	assert.False(t, unreg.registered)
}

func TestConnectionNotifications(t *testing.T) {
	srv := newTestEngine(t)
	observer := openTestClient(t, srv, "observer")
	owner := openTestClient(t, srv, "owner")

	h := newRecordingHandler()
	_, err := observer.Activate(h)
	require.NoError(t, err)
	activateTestClient(t, owner)

	out, err := RegisterPort(owner, "out", AudioOut{})
	require.NoError(t, err)
	in, err := RegisterPort(owner, "in", AudioIn{})
	require.NoError(t, err)

	require.NoError(t, ConnectPorts(owner, out, in))
	ev := recv(t, h.connections, "connect notification")
	assert.Equal(t, out.ID(), ev.a)
	assert.Equal(t, in.ID(), ev.b)
	assert.True(t, ev.connected)

	require.NoError(t, DisconnectPorts(owner, out, in))
	ev = recv(t, h.connections, "disconnect notification")
	assert.Equal(t, out.ID(), ev.a)
	assert.Equal(t, in.ID(), ev.b)
	assert.False(t, ev.connected)
}

func TestShutdownNotifiesHandlers(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "doomed")

	h := newRecordingHandler()
	_, err := c.Activate(h)
	require.NoError(t, err)

	srv.Shutdown(uint64(ClientZombie), "engine teardown")

	ev := recv(t, h.shutdowns, "shutdown callback")
	assert.Equal(t, ClientZombie, ev.status)
	assert.Equal(t, "engine teardown", ev.reason)
}

func TestShutdownReasonDecodeFallback(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "doomed")

	h := newRecordingHandler()
	_, err := c.Activate(h)
	require.NoError(t, err)

	// A reason that is not valid UTF-8 is replaced, never dropped.
	srv.Shutdown(uint64(Failure), string([]byte{0xff, 0xfe}))

	ev := recv(t, h.shutdowns, "shutdown callback")
	assert.Equal(t, Failure, ev.status)
	assert.Equal(t, "Failed to interpret error.", ev.reason)
}

func TestUndecodableClientNameNotificationDropped(t *testing.T) {
	srv := newTestEngine(t)
	observer := openTestClient(t, srv, "observer")

	h := newRecordingHandler()
	_, err := observer.Activate(h)
	require.NoError(t, err)

	// The engine accepts the name; the bridge drops the notification
	// instead of delivering garbage.
	garbled, _, err := OpenOn(srv, string([]byte{0xc3, 0x28}), NullOption)
	require.NoError(t, err)
	t.Cleanup(func() { _ = garbled.Close() })

	sentinel, _, err := OpenOn(srv, "sentinel", NullOption)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sentinel.Close() })

	// Delivery is in order, so everything queued before "sentinel" has
	// been seen once it arrives.
	for {
		ev := recv(t, h.clientRegs, "client registration")
		if ev.name == "sentinel" {
			return
		}
		assert.Equal(t, "observer", ev.name)
	}
}

func TestUndecodablePortRenameDropped(t *testing.T) {
	srv := newTestEngine(t)
	observer := openTestClient(t, srv, "observer")
	owner := openTestClient(t, srv, "owner")

	h := newRecordingHandler()
	_, err := observer.Activate(h)
	require.NoError(t, err)

	p, err := RegisterPort(owner, "start", AudioOut{})
	require.NoError(t, err)

	// Renames touching an undecodable name are dropped on delivery even
	// though the engine applied them.
	require.NoError(t, p.SetShortName(string([]byte{0xff})))
	require.NoError(t, p.SetShortName("mid"))
	require.NoError(t, p.SetShortName("final"))

	ev := recv(t, h.renames, "port rename")
	assert.Equal(t, p.ID(), ev.id)
	assert.Equal(t, "owner:mid", ev.oldName)
	assert.Equal(t, "owner:final", ev.newName)
}

func TestCycleTimesFromProcess(t *testing.T) {
	srv := newTestEngine(t)
	c := openTestClient(t, srv, "timekeeper")

	times := make(chan CycleTimes, 1)
	handler := NewClosureProcessHandler(func(_ *WeakClient, scope *ProcessScope) Control {
		// The query may fail until the engine has completed a cycle.
		ct, err := scope.CycleTimes()
		if err == nil {
			trySend(times, ct)
		}
		return Continue
	})

	_, err := c.Activate(handler)
	require.NoError(t, err)

	ct := recv(t, times, "cycle times")
	assert.InDelta(t, 64.0/48000.0*1e6, float64(ct.PeriodUsecs), 1)
	assert.GreaterOrEqual(t, ct.NextUsecs, ct.CurrentUsecs)
}
