// Package sys defines the native ABI of the audio graph engine and provides
// a pure-Go reference engine that implements it in-process.
//
// The ABI mirrors the shape of a C audio server API: clients are opened by
// name, callbacks are registered one kind at a time as raw function values
// paired with an opaque unsafe.Pointer context, and all names crossing the
// boundary are NUL-terminated byte strings. Status codes are plain integers;
// the one code with dedicated meaning is EExist, returned by Connect when the
// requested connection already exists.
//
// Nothing in this package is safe to call with a *Client that has been
// closed, except the query functions, which detect the closed state and
// return zero values. Callback registration must happen before Activate.
//
// The reference engine runs one driver goroutine per Server. The driver
// invokes process callbacks of active clients once per period, strictly
// serially, and never invokes the same client's process concurrently with
// itself. All other callback kinds are delivered from a separate notifier
// goroutine and may therefore overlap with an in-flight process call.
package sys
