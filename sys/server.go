package sys

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Client is an open connection to a Server. The zero value is not usable;
// connections are created through ClientOpen and friends.
type Client struct {
	srv  *Server
	name string

	// active is guarded by srv.mu. closed is atomic so queries on a dead
	// connection can bail out without taking the server lock.
	active bool
	closed atomic.Bool

	cb callbackTable
}

type connKey struct {
	src, dst uint32
}

// Server is the in-process reference engine. It owns the client/port graph,
// a driver goroutine that runs process cycles, and a notifier goroutine that
// delivers all non-process callbacks.
type Server struct {
	cfg *Config

	mu          sync.RWMutex
	clients     map[string]*Client
	order       []*Client
	ports       map[uint32]*Port
	portsByName map[string]*Port
	conns       map[connKey]struct{}
	nextPortID  uint32

	// cycleMu spans one full process cycle. Operations that must halt the
	// cycle (buffer size change, freewheel transition) serialize on it.
	cycleMu sync.Mutex

	periodFrames     atomic.Uint32
	frameTime        atomic.Uint64
	cycleStartFrames atomic.Uint64
	cycleStartUsecs  atomic.Uint64
	cyclesDone       atomic.Uint64
	load             atomic.Uint64 // float64 bits, percent
	freewheel        atomic.Bool

	epoch time.Time

	events    chan event
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type eventKind int

const (
	evSync eventKind = iota
	evClientReg
	evPortReg
	evPortRename
	evPortConnect
	evGraphOrder
	evXRun
	evBufferSize
	evSampleRate
	evFreewheel
	evLatency
)

type event struct {
	kind    eventKind
	target  *Client // nil means broadcast
	done    chan struct{}
	name    string
	port    uint32
	portB   uint32
	on      bool
	oldName string
	newName string
	mode    int32
	nframes uint32
}

// NewServer starts a reference engine with the given configuration and
// returns once its driver and notifier goroutines are running. A nil or
// invalid configuration falls back to the defaults.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewServer",
			"error":    err.Error(),
		}).Warn("Invalid server configuration, using defaults")
		cfg = DefaultConfig()
	}

	s := &Server{
		cfg:         cfg,
		clients:     make(map[string]*Client),
		ports:       make(map[uint32]*Port),
		portsByName: make(map[string]*Port),
		conns:       make(map[connKey]struct{}),
		epoch:       time.Now(),
		events:      make(chan event, 256),
		quit:        make(chan struct{}),
	}
	s.periodFrames.Store(cfg.PeriodFrames)

	s.wg.Add(2)
	go s.driver()
	go s.notifier()

	logrus.WithFields(logrus.Fields{
		"function":      "NewServer",
		"server":        cfg.Name,
		"sample_rate":   cfg.SampleRate,
		"period_frames": cfg.PeriodFrames,
	}).Info("Audio graph server started")
	return s
}

// Shutdown stops the engine and delivers the info-shutdown callback to every
// client that registered one. The status bits and reason are passed through
// to the callbacks verbatim. Shutdown is idempotent.
func (s *Server) Shutdown(status uint64, reason string) {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.wg.Wait()

		s.mu.Lock()
		targets := make([]*Client, len(s.order))
		copy(targets, s.order)
		tables := make([]callbackTable, len(targets))
		for i, c := range targets {
			tables[i] = c.cb
			c.closed.Store(true)
			c.active = false
		}
		s.mu.Unlock()

		reasonC := cString(reason)
		for i := range targets {
			if tables[i].shutdown != nil {
				tables[i].shutdown(status, reasonC, tables[i].shutdownData)
			}
		}

		logrus.WithFields(logrus.Fields{
			"function": "Server.Shutdown",
			"server":   s.cfg.Name,
			"reason":   reason,
		}).Info("Audio graph server stopped")
	})
}

// Close shuts the server down with a generic reason.
func (s *Server) Close() {
	s.Shutdown(0, "server shutdown")
}

func (s *Server) nowUsecs() uint64 {
	return uint64(time.Since(s.epoch).Microseconds())
}

func (s *Server) periodDuration() time.Duration {
	frames := time.Duration(s.periodFrames.Load())
	return frames * time.Second / time.Duration(s.cfg.SampleRate)
}

func (s *Server) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Server.post",
			"server":   s.cfg.Name,
			"kind":     ev.kind,
		}).Warn("Notification queue full, dropping event")
	}
}

// driver runs the periodic process cycle until shutdown.
func (s *Server) driver() {
	defer s.wg.Done()
	inited := make(map[*Client]struct{})
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		period := s.periodDuration()
		start := time.Now()
		worked := s.runCycle(inited)
		elapsed := time.Since(start)

		s.updateLoad(elapsed, period)

		if s.freewheel.Load() {
			continue
		}
		if elapsed >= period {
			if worked {
				logrus.WithFields(logrus.Fields{
					"function": "Server.driver",
					"server":   s.cfg.Name,
					"elapsed":  elapsed,
					"period":   period,
				}).Warn("Process cycle overran its period")
				s.post(event{kind: evXRun})
			}
			continue
		}

		timer := time.NewTimer(period - elapsed)
		select {
		case <-s.quit:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Server) updateLoad(elapsed, period time.Duration) {
	pct := float64(elapsed) / float64(period) * 100
	prev := math.Float64frombits(s.load.Load())
	s.load.Store(math.Float64bits(prev*0.9 + pct*0.1))
}

// cycleTask is the per-client work snapshotted for one cycle so that no lock
// is held while client code runs.
type cycleTask struct {
	c              *Client
	process        ProcessCallback
	processData    unsafe.Pointer
	threadInit     ThreadInitCallback
	threadInitData unsafe.Pointer
	mixes          []portMix
}

type portMix struct {
	dst  []float32
	srcs [][]float32
}

func (s *Server) runCycle(inited map[*Client]struct{}) bool {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	nframes := s.periodFrames.Load()
	s.cycleStartFrames.Store(s.frameTime.Load())
	s.cycleStartUsecs.Store(s.nowUsecs())

	s.mu.RLock()
	var tasks []cycleTask
	for _, c := range s.order {
		if !c.active || c.cb.process == nil {
			continue
		}
		t := cycleTask{
			c:              c,
			process:        c.cb.process,
			processData:    c.cb.processData,
			threadInit:     c.cb.threadInit,
			threadInitData: c.cb.threadInitData,
		}
		for _, p := range s.ports {
			if p.clientName != c.name || p.flags&PortIsInput == 0 {
				continue
			}
			mix := portMix{dst: p.buffer}
			for k := range s.conns {
				if k.dst != p.id {
					continue
				}
				if src, ok := s.ports[k.src]; ok {
					mix.srcs = append(mix.srcs, src.buffer)
				}
			}
			t.mixes = append(t.mixes, mix)
		}
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	for i := range tasks {
		t := &tasks[i]
		if _, ok := inited[t.c]; !ok {
			inited[t.c] = struct{}{}
			if t.threadInit != nil {
				t.threadInit(t.threadInitData)
			}
		}
		for _, m := range t.mixes {
			n := int(nframes)
			if n > len(m.dst) {
				n = len(m.dst)
			}
			for i := 0; i < n; i++ {
				m.dst[i] = 0
			}
			for _, src := range m.srcs {
				sn := n
				if sn > len(src) {
					sn = len(src)
				}
				for i := 0; i < sn; i++ {
					m.dst[i] += src[i]
				}
			}
		}
		if rc := t.process(nframes, t.processData); rc != 0 {
			s.retireClient(t.c, rc)
		}
	}

	s.frameTime.Add(uint64(nframes))
	s.cyclesDone.Add(1)
	return len(tasks) > 0
}

// retireClient removes a client from the process graph after its process
// callback asked to stop. The connection stays open; only callbacks cease.
func (s *Server) retireClient(c *Client, rc int32) {
	s.mu.Lock()
	c.active = false
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.retireClient",
		"server":   s.cfg.Name,
		"client":   c.name,
		"code":     rc,
	}).Info("Client removed from process graph by its own request")
	s.post(event{kind: evGraphOrder})
}

// notifier delivers queued events from a thread distinct from the driver.
func (s *Server) notifier() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// syncNotifier blocks until every event queued before the call has been
// dispatched. Used by Deactivate to guarantee quiescence.
func (s *Server) syncNotifier() {
	done := make(chan struct{})
	select {
	case s.events <- event{kind: evSync, done: done}:
	case <-s.quit:
		return
	}
	select {
	case <-done:
	case <-s.quit:
	}
}

func (s *Server) dispatch(ev event) {
	if ev.kind == evSync {
		close(ev.done)
		return
	}
	s.mu.RLock()
	var targets []*Client
	if ev.target != nil {
		targets = []*Client{ev.target}
	} else {
		targets = make([]*Client, len(s.order))
		copy(targets, s.order)
	}
	tables := make([]callbackTable, len(targets))
	for i, c := range targets {
		tables[i] = c.cb
	}
	s.mu.RUnlock()

	for i := range targets {
		if targets[i].closed.Load() {
			continue
		}
		t := &tables[i]
		switch ev.kind {
		case evClientReg:
			if t.clientReg != nil {
				t.clientReg(cString(ev.name), boolToNative(ev.on), t.clientRegData)
			}
		case evPortReg:
			if t.portReg != nil {
				t.portReg(ev.port, boolToNative(ev.on), t.portRegData)
			}
		case evPortRename:
			if t.portRename != nil {
				if rc := t.portRename(ev.port, cString(ev.oldName), cString(ev.newName), t.portRenameData); rc != 0 {
					s.logCallbackStop(targets[i], "port_rename", rc)
				}
			}
		case evPortConnect:
			if t.portConnect != nil {
				t.portConnect(ev.port, ev.portB, boolToNative(ev.on), t.portConnectData)
			}
		case evGraphOrder:
			if t.graphOrder != nil {
				if rc := t.graphOrder(t.graphOrderData); rc != 0 {
					s.logCallbackStop(targets[i], "graph_order", rc)
				}
			}
		case evXRun:
			if t.xrun != nil {
				if rc := t.xrun(t.xrunData); rc != 0 {
					s.logCallbackStop(targets[i], "xrun", rc)
				}
			}
		case evBufferSize:
			if t.bufferSize != nil {
				if rc := t.bufferSize(ev.nframes, t.bufferSizeData); rc != 0 {
					s.logCallbackStop(targets[i], "buffer_size", rc)
				}
			}
		case evSampleRate:
			if t.sampleRate != nil {
				if rc := t.sampleRate(ev.nframes, t.sampleRateData); rc != 0 {
					s.logCallbackStop(targets[i], "sample_rate", rc)
				}
			}
		case evFreewheel:
			if t.freewheel != nil {
				t.freewheel(boolToNative(ev.on), t.freewheelData)
			}
		case evLatency:
			if t.latency != nil {
				t.latency(ev.mode, t.latencyData)
			}
		}
	}
}

func (s *Server) logCallbackStop(c *Client, kind string, rc int32) {
	logrus.WithFields(logrus.Fields{
		"function": "Server.dispatch",
		"server":   s.cfg.Name,
		"client":   c.name,
		"callback": kind,
		"code":     rc,
	}).Warn("Notification callback returned nonzero")
}

// openClient adds a client record to the graph, resolving name collisions
// the way the engine ABI documents: rename with a numeric suffix unless the
// caller demanded the exact name.
func (s *Server) openClient(name string, options uint64) (*Client, uint64) {
	if name == "" || len(name) >= ClientNameSize {
		return nil, Failure | InvalidOption
	}
	select {
	case <-s.quit:
		return nil, Failure | ServerError
	default:
	}

	var status uint64
	s.mu.Lock()
	if len(s.clients) >= s.cfg.MaxClients {
		s.mu.Unlock()
		return nil, Failure
	}
	if _, taken := s.clients[name]; taken {
		if options&UseExactName != 0 {
			s.mu.Unlock()
			return nil, Failure | NameNotUnique
		}
		name = s.uniqueClientName(name)
		status |= NameNotUnique
	}
	c := &Client{srv: s, name: name}
	s.clients[name] = c
	s.order = append(s.order, c)
	s.mu.Unlock()

	s.post(event{kind: evClientReg, name: name, on: true})
	logrus.WithFields(logrus.Fields{
		"function": "Server.openClient",
		"server":   s.cfg.Name,
		"client":   name,
		"status":   status,
	}).Info("Client connected")
	return c, status
}

// uniqueClientName appends -01, -02, ... until the name is free. The base
// is trimmed against the width of the suffix actually used so the result
// always stays within ClientNameSize. Callers hold s.mu.
func (s *Server) uniqueClientName(base string) string {
	for i := 1; ; i++ {
		suffix := fmt.Sprintf("-%02d", i)
		b := base
		if len(b)+len(suffix) >= ClientNameSize {
			b = b[:ClientNameSize-1-len(suffix)]
		}
		cand := b + suffix
		if _, taken := s.clients[cand]; !taken {
			return cand
		}
	}
}

// Activate adds the client to the process graph. The engine replays the
// current buffer size and sample rate to the freshly activated client and
// requests a latency recompute in both directions.
func Activate(c *Client) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	s := c.srv
	s.mu.Lock()
	if c.active {
		s.mu.Unlock()
		return 0
	}
	c.active = true
	nframes := s.periodFrames.Load()
	srate := uint32(s.cfg.SampleRate)
	s.mu.Unlock()

	s.post(event{kind: evSampleRate, target: c, nframes: srate})
	s.post(event{kind: evBufferSize, target: c, nframes: nframes})
	s.post(event{kind: evLatency, target: c, mode: CaptureLatency})
	s.post(event{kind: evLatency, target: c, mode: PlaybackLatency})
	s.post(event{kind: evGraphOrder})

	logrus.WithFields(logrus.Fields{
		"function": "sys.Activate",
		"server":   s.cfg.Name,
		"client":   c.name,
	}).Info("Client activated")
	return 0
}

// Deactivate removes the client from the process graph and severs all
// connections involving its ports. The client's callback slots are cleared
// before the notification flush, so an event posted by another client after
// Deactivate starts can no longer be delivered to it. Deactivate returns
// only once the in-flight cycle has finished and every delivery that
// snapshotted the old slots has completed, so the caller knows no callback
// can still be running.
func Deactivate(c *Client) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	s := c.srv
	s.mu.Lock()
	wasActive := c.active
	c.active = false
	c.cb = callbackTable{}
	removed := s.removeClientConnsLocked(c.name)
	s.mu.Unlock()

	// A cycle in flight may have snapshotted this client already; taking
	// cycleMu waits it out.
	s.cycleMu.Lock()
	s.cycleMu.Unlock()

	for _, k := range removed {
		s.post(event{kind: evPortConnect, port: k.src, portB: k.dst, on: false})
	}
	if wasActive || len(removed) > 0 {
		s.post(event{kind: evGraphOrder})
	}
	s.syncNotifier()

	if wasActive {
		logrus.WithFields(logrus.Fields{
			"function": "sys.Deactivate",
			"server":   s.cfg.Name,
			"client":   c.name,
		}).Info("Client deactivated")
	}
	return 0
}

// removeClientConnsLocked drops every connection touching a port owned by
// the named client. Callers hold s.mu.
func (s *Server) removeClientConnsLocked(clientName string) []connKey {
	var removed []connKey
	for k := range s.conns {
		src, dst := s.ports[k.src], s.ports[k.dst]
		if (src != nil && src.clientName == clientName) || (dst != nil && dst.clientName == clientName) {
			delete(s.conns, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// ClientClose deactivates the client, unregisters its ports and removes it
// from the graph. The handle is dead afterwards.
func ClientClose(c *Client) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	Deactivate(c)

	s := c.srv
	s.mu.Lock()
	var portIDs []uint32
	for id, p := range s.ports {
		if p.clientName == c.name {
			portIDs = append(portIDs, id)
			delete(s.ports, id)
			delete(s.portsByName, p.clientName+":"+p.shortName)
		}
	}
	delete(s.clients, c.name)
	for i, oc := range s.order {
		if oc == c {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	c.closed.Store(true)
	s.mu.Unlock()

	for _, id := range portIDs {
		s.post(event{kind: evPortReg, port: id, on: false})
	}
	s.post(event{kind: evClientReg, name: c.name, on: false})

	logrus.WithFields(logrus.Fields{
		"function": "sys.ClientClose",
		"server":   s.cfg.Name,
		"client":   c.name,
	}).Info("Client disconnected")
	return 0
}

// GetSampleRate reports the engine sample rate in frames per second.
func GetSampleRate(c *Client) uint32 {
	if c == nil || c.closed.Load() {
		return 0
	}
	return uint32(c.srv.cfg.SampleRate)
}

// CPULoad reports the smoothed process cycle load as a percentage.
func CPULoad(c *Client) float32 {
	if c == nil || c.closed.Load() {
		return 0
	}
	return float32(math.Float64frombits(c.srv.load.Load()))
}

// GetClientName returns the client's name as a NUL-terminated byte string.
// The name may differ from the one requested at open time after a collision
// rename.
func GetClientName(c *Client) []byte {
	if c == nil || c.closed.Load() {
		return nil
	}
	return cString(c.name)
}

// GetBufferSize reports the current period size in frames.
func GetBufferSize(c *Client) uint32 {
	if c == nil || c.closed.Load() {
		return 0
	}
	return c.srv.periodFrames.Load()
}

// SetBufferSize changes the period size. The process cycle is halted for
// the duration of the change and every registered buffer size callback runs
// before the cycle resumes.
func SetBufferSize(c *Client, nframes uint32) int32 {
	if c == nil || c.closed.Load() || nframes == 0 || nframes > 1<<16 {
		return -1
	}
	s := c.srv

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.mu.Lock()
	s.periodFrames.Store(nframes)
	for _, p := range s.ports {
		if !p.customSize {
			p.buffer = make([]float32, nframes)
		}
	}
	targets := make([]*Client, len(s.order))
	copy(targets, s.order)
	tables := make([]callbackTable, len(targets))
	for i, tc := range targets {
		tables[i] = tc.cb
	}
	s.mu.Unlock()

	for i := range targets {
		if tables[i].bufferSize != nil {
			if rc := tables[i].bufferSize(nframes, tables[i].bufferSizeData); rc != 0 {
				s.logCallbackStop(targets[i], "buffer_size", rc)
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":      "sys.SetBufferSize",
		"server":        s.cfg.Name,
		"client":        c.name,
		"period_frames": nframes,
	}).Info("Buffer size changed")
	return 0
}

// SetFreewheel toggles freewheel mode. Freewheel callbacks are delivered
// while the cycle is halted, before back-to-back execution begins or ends.
func SetFreewheel(c *Client, onoff int32) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	s := c.srv
	enable := onoff != 0
	if s.freewheel.Load() == enable {
		return 0
	}

	s.cycleMu.Lock()
	s.freewheel.Store(enable)
	s.cycleMu.Unlock()

	s.post(event{kind: evFreewheel, on: enable})
	logrus.WithFields(logrus.Fields{
		"function": "sys.SetFreewheel",
		"server":   s.cfg.Name,
		"enabled":  enable,
	}).Info("Freewheel mode changed")
	return 0
}

// FrameTime estimates the current engine time in frames. Intended for use
// outside the process callback.
func FrameTime(c *Client) uint32 {
	if c == nil || c.closed.Load() {
		return 0
	}
	return LastFrameTime(c) + FramesSinceCycleStart(c)
}

// LastFrameTime reports the frame time at the start of the current cycle.
func LastFrameTime(c *Client) uint32 {
	if c == nil || c.closed.Load() {
		return 0
	}
	return uint32(c.srv.cycleStartFrames.Load())
}

// FramesSinceCycleStart estimates how many frames have elapsed since the
// engine began the current cycle.
func FramesSinceCycleStart(c *Client) uint32 {
	if c == nil || c.closed.Load() {
		return 0
	}
	s := c.srv
	usecs := s.nowUsecs() - s.cycleStartUsecs.Load()
	return uint32(usecs * uint64(s.cfg.SampleRate) / 1e6)
}

// FramesToTime estimates the microsecond timestamp of a frame time.
func FramesToTime(c *Client, nframes uint32) uint64 {
	if c == nil || c.closed.Load() {
		return 0
	}
	s := c.srv
	csFrames := int64(uint32(s.cycleStartFrames.Load()))
	csUsecs := int64(s.cycleStartUsecs.Load())
	delta := int64(nframes) - csFrames
	t := csUsecs + delta*1e6/int64(s.cfg.SampleRate)
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// TimeToFrames estimates the frame time of a microsecond timestamp.
func TimeToFrames(c *Client, t uint64) uint32 {
	if c == nil || c.closed.Load() {
		return 0
	}
	s := c.srv
	csFrames := int64(uint32(s.cycleStartFrames.Load()))
	csUsecs := int64(s.cycleStartUsecs.Load())
	delta := int64(t) - csUsecs
	f := csFrames + delta*int64(s.cfg.SampleRate)/1e6
	if f < 0 {
		return 0
	}
	return uint32(f)
}

// GetCycleTimes fills in the precise timing snapshot of the current cycle.
// It fails with a nonzero status until the driver has completed a cycle,
// modelling the weakly exported native call that is not always available.
func GetCycleTimes(c *Client, currentFrames *uint32, currentUsecs, nextUsecs *uint64, periodUsecs *float32) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	s := c.srv
	if s.cyclesDone.Load() == 0 {
		return -1
	}
	period := float32(s.periodFrames.Load()) * 1e6 / float32(s.cfg.SampleRate)
	start := s.cycleStartUsecs.Load()
	*currentFrames = uint32(s.cycleStartFrames.Load())
	*currentUsecs = start
	*nextUsecs = start + uint64(period)
	*periodUsecs = period
	return 0
}
