// Package emit provides execution observability events.
//
// The engine emits an Event at each significant point of a run: run
// start and end, node start, checkpoint writes, completion markers,
// waits, failures, and resume decisions. Emitter implementations route
// those events to logs, in-memory buffers, or tracing backends.
package emit

// Emitter receives execution events from the engine.
//
// Implementations must be safe for concurrent use: branches of a
// fan-out region emit from separate goroutines. Emit must not block
// run progress; slow sinks should buffer or drop.
type Emitter interface {
	Emit(event Event)
}
