package graph

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned when Execute is called for a run id whose
// lease is already held by another caller. A run has a single logical owner;
// concurrent executions of the same run id fail fast rather than race on
// the run record.
var ErrRunInProgress = errors.New("run already in progress")

// ErrConcurrencyConfig is returned when a concurrency cap below 1 is given
// to NewLimiter. Invalid caps fail at construction, never at run time.
var ErrConcurrencyConfig = errors.New("concurrency cap must be at least 1")

// ErrExternalWaitTimeout is returned when a waiting node's external event
// did not arrive within the engine's configured wait deadline. The node's
// prior checkpoint is preserved; a later Execute against the same run id
// can still resume once the event lands.
var ErrExternalWaitTimeout = errors.New("external wait deadline exceeded")

// ErrRunCancelled is returned when a run was cancelled, either through the
// caller's context or Engine.Cancel. Completed nodes keep their markers.
var ErrRunCancelled = errors.New("run cancelled")

// ValidationError reports a structural defect found by Build: duplicate
// ids, dangling edges, cycles, unsatisfiable inputs, or bad fan-out wiring.
// Build-time failures are fatal and never retried.
type ValidationError struct {
	Graph   string
	NodeID  string
	Edge    *Edge
	Message string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Edge != nil:
		return fmt.Sprintf("graph %q: edge %s.%s -> %s.%s: %s",
			e.Graph, e.Edge.From, e.Edge.Output, e.Edge.To, e.Edge.Input, e.Message)
	case e.NodeID != "":
		return fmt.Sprintf("graph %q: node %q: %s", e.Graph, e.NodeID, e.Message)
	default:
		return fmt.Sprintf("graph %q: %s", e.Graph, e.Message)
	}
}

// NodeError wraps an error raised by a node body during its own logic.
// The engine records it via MarkFailed and, unless the node is best-effort,
// halts the run.
type NodeError struct {
	NodeID  string
	Message string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Message, e.Cause)
	}
	return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Cause }

// StoreError reports that the durability layer failed after bounded
// retries. The engine cannot safely proceed without durability, so a
// StoreError is fatal for the run; the last durable state remains valid for
// a future resume attempt.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("checkpoint store: %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }
