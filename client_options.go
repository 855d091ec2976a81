package patchbay

import "github.com/sonarca/patchbay/sys"

// ClientOptions are the bit flags passed to Open describing the requested
// open behavior. Bit positions are fixed by the engine ABI.
type ClientOptions uint64

const (
	// NullOption requests default behavior.
	NullOption ClientOptions = ClientOptions(sys.NullOption)

	// NoStartServer refuses to start a server if none is running.
	NoStartServer ClientOptions = ClientOptions(sys.NoStartServer)

	// UseExactName fails the open instead of renaming on a name collision.
	UseExactName ClientOptions = ClientOptions(sys.UseExactName)

	// ServerNameOption indicates an explicit server was selected.
	ServerNameOption ClientOptions = ClientOptions(sys.ServerName)

	// LoadNameOption and LoadInitOption relate to in-server client loading
	// and are accepted for ABI round-tripping only.
	LoadNameOption ClientOptions = ClientOptions(sys.LoadName)
	LoadInitOption ClientOptions = ClientOptions(sys.LoadInit)

	// SessionIDOption requests session manager integration.
	SessionIDOption ClientOptions = ClientOptions(sys.SessionID)
)

// Has reports whether all bits of flag are set.
func (o ClientOptions) Has(flag ClientOptions) bool {
	return o&flag == flag
}
