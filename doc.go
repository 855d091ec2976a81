// Package patchbay bridges Go application code to a periodic-callback
// audio graph engine: a server that owns a real-time process cycle and a
// graph of named, typed, directional ports.
//
// The engine's native surface is raw function values paired with an opaque
// context pointer. This package adapts that surface into a polymorphic
// Handler interface while keeping the real-time path free of allocation
// and locking, and while tying the lifetime of the handler state exactly
// to the window in which the engine may invoke it.
//
// # Getting Started
//
// Open a client, register ports, and activate a handler:
//
//	client, _, err := patchbay.Open("metronome", patchbay.NullOption)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	out, err := patchbay.RegisterPort(client, "tick", patchbay.AudioOut{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	handler := patchbay.NewClosureProcessHandler(
//	    func(c *patchbay.WeakClient, scope *patchbay.ProcessScope) patchbay.Control {
//	        buf := patchbay.AudioOutBuffer(out, scope)
//	        for i := range buf {
//	            buf[i] = 0 // silence
//	        }
//	        return patchbay.Continue
//	    })
//
//	active, err := client.Activate(handler)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer func() {
//	    client, _ := active.Deactivate()
//	    client.Close()
//	}()
//
// Connections between ports are made by name and validated by the engine;
// see ConnectPortsByName for the precondition and error taxonomy.
//
// # Threading
//
// Process runs on the engine's process thread, once per cycle, never
// concurrently with itself. All other Handler callbacks may arrive on a
// different thread concurrently with Process; handlers synchronize their
// own state. The ProcessScope passed to Process is valid only for that
// one invocation.
package patchbay
