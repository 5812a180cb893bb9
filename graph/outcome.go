package graph

import (
	"context"

	"github.com/dshills/rungraph/graph/services"
)

// NodeFunc is a node body. It receives the invocation context and returns
// either final outputs or a wait descriptor. Returning an error marks the
// node failed for this run id.
//
// Re-execution after a crash is at-least-once: a body that performs
// external side effects is responsible for its own idempotence, typically
// by keying side effects on (RunID, NodeID).
type NodeFunc func(ctx context.Context, inv *Invocation) (Outcome, error)

// CheckpointFunc durably persists an intermediate snapshot of a node's
// internal progress. It returns only after the write is confirmed durable,
// so a body may treat a successful call as a resume point.
type CheckpointFunc func(ctx context.Context, payload []byte) error

// Invocation is the per-call context handed to a node body. It is built
// fresh for every invocation (initial or resumed) and never shared between
// nodes.
type Invocation struct {
	// RunID and NodeID identify this invocation. For fan-out branches,
	// NodeID carries the branch index suffix (e.g. "work#2").
	RunID  string
	NodeID string

	// Inputs are the node's resolved input values.
	Inputs Values

	// Resume is the payload of the latest checkpoint written by a prior
	// invocation of this node under this run id, or nil on a fresh start.
	// A long-running body uses it to continue its internal loop instead of
	// restarting from its own beginning.
	Resume []byte

	// Services bundles the external collaborators (channel, memory, kv,
	// retrieval, model, artifacts, logger, tools) scoped to this run and
	// node.
	Services *services.Context

	// Checkpoint persists intermediate progress. Step counters are managed
	// by the engine; each call durably appends the next step.
	Checkpoint CheckpointFunc
}

// Wait describes an external-wait suspension: the node depends on an event
// outside the process (a human reply, a long external job) and yields
// rather than blocking a thread indefinitely.
type Wait struct {
	// Event names what the node is waiting for.
	Event string

	// Resume is an opaque payload persisted as a checkpoint and handed
	// back via Invocation.Resume when the run is executed again.
	Resume []byte
}

// Outcome is what a node body returns on success: either final outputs or
// a wait descriptor. Exactly one of Outputs and Wait is meaningful.
type Outcome struct {
	Outputs Values
	Wait    *Wait
}

// Done returns an Outcome carrying the node's final outputs.
func Done(outputs Values) Outcome {
	return Outcome{Outputs: outputs}
}

// WaitFor returns an Outcome that suspends the run until the named external
// event lands. The resume payload is persisted durably before the engine
// reports the run as waiting.
func WaitFor(event string, resume []byte) Outcome {
	return Outcome{Wait: &Wait{Event: event, Resume: resume}}
}
