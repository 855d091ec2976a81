package patchbay

// Control is the two-valued signal a callback returns to the engine: keep
// delivering callbacks, or stop.
type Control int32

const (
	// Continue lets the engine keep invoking the callback.
	Continue Control = iota

	// Quit asks the engine to stop invoking the callback for this client.
	Quit
)

// toNative maps a Control to the native convention of zero for continue and
// nonzero for stop.
func (c Control) toNative() int32 {
	if c == Continue {
		return 0
	}
	return -1
}

func (c Control) String() string {
	if c == Continue {
		return "Continue"
	}
	return "Quit"
}

// LatencyMode selects which signal-path direction a latency recompute
// request refers to. The engine requests both directions, one callback
// invocation each.
type LatencyMode int32

const (
	// CaptureLatency asks for the capture-path delay.
	CaptureLatency LatencyMode = iota

	// PlaybackLatency asks for the playback-path delay.
	PlaybackLatency
)

func (m LatencyMode) String() string {
	if m == CaptureLatency {
		return "Capture"
	}
	return "Playback"
}
