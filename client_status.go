package patchbay

import (
	"strings"

	"github.com/sonarca/patchbay/sys"
)

// ClientStatus is the bit flag set describing how an open went or why a
// shutdown happened. Bit positions are fixed by the engine ABI and
// round-trip exactly through it.
type ClientStatus uint64

const (
	// Failure marks an overall operation failure.
	Failure ClientStatus = ClientStatus(sys.Failure)

	// InvalidOption means the operation contained an invalid or
	// unsupported option.
	InvalidOption ClientStatus = ClientStatus(sys.InvalidOption)

	// NameNotUnique means the requested client name was taken. When the
	// open still succeeded, the assigned name carries a numeric suffix and
	// is reported by Name.
	NameNotUnique ClientStatus = ClientStatus(sys.NameNotUnique)

	// ServerStarted means the server was started for this open rather
	// than already running.
	ServerStarted ClientStatus = ClientStatus(sys.ServerStarted)

	// ServerFailed means connecting to the server failed.
	ServerFailed ClientStatus = ClientStatus(sys.ServerFailed)

	// ServerError means communication with the server failed.
	ServerError ClientStatus = ClientStatus(sys.ServerError)

	// NoSuchClient means the requested client does not exist.
	NoSuchClient ClientStatus = ClientStatus(sys.NoSuchClient)

	// LoadFailure means the client could not be loaded.
	LoadFailure ClientStatus = ClientStatus(sys.LoadFailure)

	// InitFailure means the client could not be initialized.
	InitFailure ClientStatus = ClientStatus(sys.InitFailure)

	// ShmFailure means shared memory access failed.
	ShmFailure ClientStatus = ClientStatus(sys.ShmFailure)

	// VersionError means the client and server protocols disagree.
	VersionError ClientStatus = ClientStatus(sys.VersionError)

	// BackendError indicates a backend failure.
	BackendError ClientStatus = ClientStatus(sys.BackendError)

	// ClientZombie means the client's connection was revoked.
	ClientZombie ClientStatus = ClientStatus(sys.ClientZombie)
)

// Has reports whether all bits of flag are set.
func (s ClientStatus) Has(flag ClientStatus) bool {
	return s&flag == flag
}

var clientStatusNames = []struct {
	bit  ClientStatus
	name string
}{
	{Failure, "Failure"},
	{InvalidOption, "InvalidOption"},
	{NameNotUnique, "NameNotUnique"},
	{ServerStarted, "ServerStarted"},
	{ServerFailed, "ServerFailed"},
	{ServerError, "ServerError"},
	{NoSuchClient, "NoSuchClient"},
	{LoadFailure, "LoadFailure"},
	{InitFailure, "InitFailure"},
	{ShmFailure, "ShmFailure"},
	{VersionError, "VersionError"},
	{BackendError, "BackendError"},
	{ClientZombie, "ClientZombie"},
}

func (s ClientStatus) String() string {
	if s == 0 {
		return "Empty"
	}
	var parts []string
	for _, e := range clientStatusNames {
		if s.Has(e.bit) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}
