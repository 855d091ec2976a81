package patchbay

import (
	"strings"

	"github.com/sonarca/patchbay/sys"
)

// PortFlags describe a port's direction and capabilities. Bit positions are
// fixed by the engine ABI. The zero value selects nothing when used as a
// filter.
type PortFlags uint64

const (
	// IsInput marks a port that receives data from the graph.
	IsInput PortFlags = PortFlags(sys.PortIsInput)

	// IsOutput marks a port that feeds data into the graph.
	IsOutput PortFlags = PortFlags(sys.PortIsOutput)

	// IsPhysical marks a port corresponding to real hardware.
	IsPhysical PortFlags = PortFlags(sys.PortIsPhysical)

	// CanMonitor marks a port that supports input monitoring.
	CanMonitor PortFlags = PortFlags(sys.PortCanMonitor)

	// IsTerminal marks a port at the edge of the graph.
	IsTerminal PortFlags = PortFlags(sys.PortIsTerminal)
)

// Has reports whether all bits of flag are set.
func (f PortFlags) Has(flag PortFlags) bool {
	return f&flag == flag
}

var portFlagNames = []struct {
	bit  PortFlags
	name string
}{
	{IsInput, "IsInput"},
	{IsOutput, "IsOutput"},
	{IsPhysical, "IsPhysical"},
	{CanMonitor, "CanMonitor"},
	{IsTerminal, "IsTerminal"},
}

func (f PortFlags) String() string {
	if f == 0 {
		return "Empty"
	}
	var parts []string
	for _, e := range portFlagNames {
		if f.Has(e.bit) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}
