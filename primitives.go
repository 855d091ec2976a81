package patchbay

// Frames counts sample frames. Buffer sizes, cycle lengths and frame times
// are all expressed in frames. Frame times wrap around at 32 bits, matching
// the native ABI.
type Frames uint32

// Time is a microsecond timestamp on the engine's clock.
type Time uint64

// PortID identifies a port engine-wide. Ids are stable for the lifetime of
// a port registration.
type PortID uint32
