package sys

import (
	"regexp"
	"sort"

	"github.com/sirupsen/logrus"
)

// Port is one endpoint in the engine graph. Fields are guarded by the owning
// server's mutex except the buffer, which belongs to the process cycle.
type Port struct {
	srv        *Server
	id         uint32
	shortName  string
	clientName string
	typeName   string
	flags      uint64
	buffer     []float32
	customSize bool
	monitoring bool
}

// fullNameLocked builds "<client>:<short>". Callers hold srv.mu.
func (p *Port) fullNameLocked() string {
	return p.clientName + ":" + p.shortName
}

// PortRegister creates a new port owned by the client. It returns nil when
// the full name would exceed PortNameSize, the type name is over-long, or
// the client already owns a port with that short name.
func PortRegister(c *Client, portName, portType []byte, flags uint64, bufferSize uint32) *Port {
	if c == nil || c.closed.Load() {
		return nil
	}
	short := goString(portName)
	typeName := goString(portType)
	if short == "" || len(typeName) >= PortTypeSize {
		return nil
	}
	if len(c.name)+1+len(short) >= PortNameSize {
		logrus.WithFields(logrus.Fields{
			"function": "sys.PortRegister",
			"client":   c.name,
			"port":     short,
		}).Warn("Port name over ABI limit")
		return nil
	}

	s := c.srv
	s.mu.Lock()
	full := c.name + ":" + short
	if _, taken := s.portsByName[full]; taken {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "sys.PortRegister",
			"client":   c.name,
			"port":     short,
		}).Warn("Port name already in use")
		return nil
	}
	s.nextPortID++
	size := s.periodFrames.Load()
	custom := false
	if bufferSize != 0 {
		size = bufferSize
		custom = true
	}
	p := &Port{
		srv:        s,
		id:         s.nextPortID,
		shortName:  short,
		clientName: c.name,
		typeName:   typeName,
		flags:      flags,
		buffer:     make([]float32, size),
		customSize: custom,
	}
	s.ports[p.id] = p
	s.portsByName[full] = p
	s.mu.Unlock()

	s.post(event{kind: evPortReg, port: p.id, on: true})
	logrus.WithFields(logrus.Fields{
		"function": "sys.PortRegister",
		"client":   c.name,
		"port":     full,
		"type":     typeName,
		"flags":    flags,
	}).Debug("Port registered")
	return p
}

// PortUnregister removes a port and any connections it participates in.
func PortUnregister(c *Client, p *Port) int32 {
	if c == nil || c.closed.Load() || p == nil {
		return -1
	}
	s := c.srv
	s.mu.Lock()
	if p.clientName != c.name {
		s.mu.Unlock()
		return -1
	}
	if _, ok := s.ports[p.id]; !ok {
		s.mu.Unlock()
		return -1
	}
	var removed []connKey
	for k := range s.conns {
		if k.src == p.id || k.dst == p.id {
			delete(s.conns, k)
			removed = append(removed, k)
		}
	}
	delete(s.ports, p.id)
	delete(s.portsByName, p.fullNameLocked())
	s.mu.Unlock()

	for _, k := range removed {
		s.post(event{kind: evPortConnect, port: k.src, portB: k.dst, on: false})
	}
	s.post(event{kind: evPortReg, port: p.id, on: false})
	if len(removed) > 0 {
		s.post(event{kind: evGraphOrder})
	}
	return 0
}

// PortByID looks a port up by id. Returns nil when not found.
func PortByID(c *Client, id uint32) *Port {
	if c == nil || c.closed.Load() {
		return nil
	}
	s := c.srv
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ports[id]
}

// PortByName looks a port up by its full name. Returns nil when not found.
func PortByName(c *Client, name []byte) *Port {
	if c == nil || c.closed.Load() {
		return nil
	}
	s := c.srv
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portsByName[goString(name)]
}

// GetPorts returns the full names of ports matching the given regular
// expression patterns and flag mask. Empty patterns match everything; the
// flag mask selects ports carrying at least the given bits. Results are
// sorted so the listing is stable across calls.
func GetPorts(c *Client, namePattern, typePattern []byte, flags uint64) [][]byte {
	if c == nil || c.closed.Load() {
		return nil
	}
	var nameRe, typeRe *regexp.Regexp
	var err error
	if np := goString(namePattern); np != "" {
		if nameRe, err = regexp.Compile(np); err != nil {
			return nil
		}
	}
	if tp := goString(typePattern); tp != "" {
		if typeRe, err = regexp.Compile(tp); err != nil {
			return nil
		}
	}

	s := c.srv
	s.mu.RLock()
	var names []string
	for _, p := range s.ports {
		if p.flags&flags != flags {
			continue
		}
		full := p.fullNameLocked()
		if nameRe != nil && !nameRe.MatchString(full) {
			continue
		}
		if typeRe != nil && !typeRe.MatchString(p.typeName) {
			continue
		}
		names = append(names, full)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	out := make([][]byte, len(names))
	for i, n := range names {
		out[i] = cString(n)
	}
	return out
}

// PortName returns the port's full name as a NUL-terminated byte string.
func PortName(p *Port) []byte {
	if p == nil {
		return nil
	}
	p.srv.mu.RLock()
	defer p.srv.mu.RUnlock()
	return cString(p.fullNameLocked())
}

// PortShortName returns the port's short name as a NUL-terminated byte
// string.
func PortShortName(p *Port) []byte {
	if p == nil {
		return nil
	}
	p.srv.mu.RLock()
	defer p.srv.mu.RUnlock()
	return cString(p.shortName)
}

// PortFlags returns the port's flag bits.
func PortFlags(p *Port) uint64 {
	if p == nil {
		return 0
	}
	return p.flags
}

// PortType returns the port's payload type name as a NUL-terminated byte
// string.
func PortType(p *Port) []byte {
	if p == nil {
		return nil
	}
	return cString(p.typeName)
}

// PortID returns the port's engine-wide id.
func PortID(p *Port) uint32 {
	if p == nil {
		return 0
	}
	return p.id
}

// PortConnected reports how many connections the port participates in.
func PortConnected(p *Port) int32 {
	if p == nil {
		return 0
	}
	s := p.srv
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int32
	for k := range s.conns {
		if k.src == p.id || k.dst == p.id {
			n++
		}
	}
	return n
}

// PortConnectedTo reports whether the port is directly connected to the
// port with the given full name.
func PortConnectedTo(p *Port, name []byte) int32 {
	if p == nil {
		return 0
	}
	s := p.srv
	s.mu.RLock()
	defer s.mu.RUnlock()
	other, ok := s.portsByName[goString(name)]
	if !ok {
		return 0
	}
	if _, ok := s.conns[connKey{src: p.id, dst: other.id}]; ok {
		return 1
	}
	if _, ok := s.conns[connKey{src: other.id, dst: p.id}]; ok {
		return 1
	}
	return 0
}

// PortMonitoringInput reports whether input monitoring is on for the port.
func PortMonitoringInput(p *Port) int32 {
	if p == nil {
		return 0
	}
	s := p.srv
	s.mu.RLock()
	defer s.mu.RUnlock()
	return boolToNative(p.monitoring)
}

// PortIsMine reports whether the port is owned by the client.
func PortIsMine(c *Client, p *Port) int32 {
	if c == nil || c.closed.Load() || p == nil {
		return 0
	}
	return boolToNative(p.clientName == c.name)
}

// PortRequestMonitorByName toggles input monitoring on the named port. Ports
// without the CanMonitor flag accept the request as a no-op. An unknown port
// is an error.
func PortRequestMonitorByName(c *Client, name []byte, onoff int32) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portsByName[goString(name)]
	if !ok {
		return -1
	}
	if p.flags&PortCanMonitor != 0 {
		p.monitoring = onoff != 0
	}
	return 0
}

// PortRename changes a port's short name. Only the owning client may rename
// a port; collisions and over-long names are rejected.
func PortRename(c *Client, p *Port, shortName []byte) int32 {
	if c == nil || c.closed.Load() || p == nil {
		return -1
	}
	short := goString(shortName)
	if short == "" || len(c.name)+1+len(short) >= PortNameSize {
		return -1
	}
	s := c.srv
	s.mu.Lock()
	if p.clientName != c.name {
		s.mu.Unlock()
		return -1
	}
	oldFull := p.fullNameLocked()
	newFull := p.clientName + ":" + short
	if oldFull == newFull {
		s.mu.Unlock()
		return 0
	}
	if _, taken := s.portsByName[newFull]; taken {
		s.mu.Unlock()
		return -1
	}
	delete(s.portsByName, oldFull)
	p.shortName = short
	s.portsByName[newFull] = p
	s.mu.Unlock()

	s.post(event{kind: evPortRename, port: p.id, oldName: oldFull, newName: newFull})
	return 0
}

// Connect links a source port to a destination port by full name. The
// preconditions mirror the native engine: identical payload types, an
// output-flagged source, an input-flagged destination and two active owning
// clients. An existing link reports EExist; every other violation is -1.
func Connect(c *Client, src, dst []byte) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	s := c.srv
	s.mu.Lock()
	sp, ok := s.portsByName[goString(src)]
	if !ok {
		s.mu.Unlock()
		return -1
	}
	dp, ok := s.portsByName[goString(dst)]
	if !ok {
		s.mu.Unlock()
		return -1
	}
	if sp.typeName != dp.typeName ||
		sp.flags&PortIsOutput == 0 ||
		dp.flags&PortIsInput == 0 {
		s.mu.Unlock()
		return -1
	}
	srcOwner, dstOwner := s.clients[sp.clientName], s.clients[dp.clientName]
	if srcOwner == nil || dstOwner == nil || !srcOwner.active || !dstOwner.active {
		s.mu.Unlock()
		return -1
	}
	k := connKey{src: sp.id, dst: dp.id}
	if _, exists := s.conns[k]; exists {
		s.mu.Unlock()
		return EExist
	}
	s.conns[k] = struct{}{}
	s.mu.Unlock()

	s.post(event{kind: evPortConnect, port: k.src, portB: k.dst, on: true})
	s.post(event{kind: evGraphOrder})
	s.post(event{kind: evLatency, mode: CaptureLatency})
	s.post(event{kind: evLatency, mode: PlaybackLatency})

	logrus.WithFields(logrus.Fields{
		"function": "sys.Connect",
		"src":      goString(src),
		"dst":      goString(dst),
	}).Debug("Ports connected")
	return 0
}

// Disconnect removes the link between two ports. A link that does not exist
// is an error.
func Disconnect(c *Client, src, dst []byte) int32 {
	if c == nil || c.closed.Load() {
		return -1
	}
	s := c.srv
	s.mu.Lock()
	sp, ok := s.portsByName[goString(src)]
	if !ok {
		s.mu.Unlock()
		return -1
	}
	dp, ok := s.portsByName[goString(dst)]
	if !ok {
		s.mu.Unlock()
		return -1
	}
	k := connKey{src: sp.id, dst: dp.id}
	if _, exists := s.conns[k]; !exists {
		s.mu.Unlock()
		return -1
	}
	delete(s.conns, k)
	s.mu.Unlock()

	s.post(event{kind: evPortConnect, port: k.src, portB: k.dst, on: false})
	s.post(event{kind: evGraphOrder})

	logrus.WithFields(logrus.Fields{
		"function": "sys.Disconnect",
		"src":      goString(src),
		"dst":      goString(dst),
	}).Debug("Ports disconnected")
	return 0
}

// PortTypeGetBufferSize reports the byte size of a port type's buffer for
// the current period. Only the float audio type is known to the reference
// engine.
func PortTypeGetBufferSize(c *Client, portType []byte) uint64 {
	if c == nil || c.closed.Load() {
		return 0
	}
	if goString(portType) != DefaultAudioType {
		return 0
	}
	return uint64(c.srv.periodFrames.Load()) * 4
}

// GetBuffer exposes the port's sample buffer for one process cycle. The
// slice is only valid until the cycle ends.
func GetBuffer(p *Port, nframes uint32) []float32 {
	if p == nil {
		return nil
	}
	if int(nframes) <= len(p.buffer) {
		return p.buffer[:nframes]
	}
	return p.buffer
}
