package patchbay

import "github.com/sonarca/patchbay/sys"

// CycleTimes is an immutable snapshot of the frame and microsecond timing
// of one process cycle. It allows mapping between frame counts and
// microseconds with full precision.
type CycleTimes struct {
	CurrentFrames Frames
	CurrentUsecs  Time
	NextUsecs     Time
	PeriodUsecs   float32
}

// ProcessScope carries the per-cycle information a process callback may
// rely on: the frame count of the cycle and frame-time queries scoped to
// it.
//
// A scope is only valid within the dynamic extent of the Process call it
// was passed to. It must not be stored; every time-derived query on it is
// meaningless once the cycle ends. The bridge constructs it and there is no
// public constructor or copy path.
type ProcessScope struct {
	c       *sys.Client
	nFrames Frames
}

// rebind points the scope at the current cycle. Called by the process
// trampoline only, never concurrently with a Process invocation.
func (ps *ProcessScope) rebind(nframes uint32) {
	ps.nFrames = Frames(nframes)
}

// NFrames is the number of frames in the current process cycle.
func (ps *ProcessScope) NFrames() Frames {
	return ps.nFrames
}

// LastFrameTime is the precise frame time at the start of the current
// cycle. Use it to interpret timestamps produced with FrameTime on other
// threads relative to this cycle.
func (ps *ProcessScope) LastFrameTime() Frames {
	return Frames(sys.LastFrameTime(ps.c))
}

// FramesSinceCycleStart estimates how many frames have passed since the
// engine began the current cycle.
func (ps *ProcessScope) FramesSinceCycleStart() Frames {
	return Frames(sys.FramesSinceCycleStart(ps.c))
}

// CycleTimes returns the engine's internal timing snapshot for this cycle.
// The query is only weakly supported by the engine and fails with
// ErrCycleTimes when unavailable; callers must treat that as a recoverable
// condition.
func (ps *ProcessScope) CycleTimes() (CycleTimes, error) {
	var (
		currentFrames uint32
		currentUsecs  uint64
		nextUsecs     uint64
		periodUsecs   float32
	)
	rc := sys.GetCycleTimes(ps.c, &currentFrames, &currentUsecs, &nextUsecs, &periodUsecs)
	if rc != 0 {
		return CycleTimes{}, ErrCycleTimes
	}
	return CycleTimes{
		CurrentFrames: Frames(currentFrames),
		CurrentUsecs:  Time(currentUsecs),
		NextUsecs:     Time(nextUsecs),
		PeriodUsecs:   periodUsecs,
	}, nil
}
