// Package store provides durable persistence for run progress: node
// checkpoints keyed by (run id, node id, step), per-node status markers,
// and the per-run lease that gives each run id a single logical owner.
//
// Backends are polymorphic: MemStore for tests and short-lived runs,
// SQLiteStore for single-process durability, MySQLStore for shared
// infrastructure. All backends are exercised by the same contract tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run, checkpoint, or status
// marker does not exist.
var ErrNotFound = errors.New("not found")

// ErrLeaseHeld is returned by AcquireLease when another owner currently
// holds the run's lease.
var ErrLeaseHeld = errors.New("run lease held by another owner")

// ErrStaleCheckpoint is returned by PutCheckpoint when the step does not
// advance the node's highest stored step. Checkpoints are write-once per
// key; an older checkpoint is never overwritten in place.
var ErrStaleCheckpoint = errors.New("checkpoint step must exceed latest stored step")

// NodeState is the durable status marker for one (run, node) pair. It is
// distinct from intermediate checkpoints: a completed marker means the
// node's final output is available and the node must never be re-executed
// for this run id.
type NodeState struct {
	// Status is "completed", "failed", or "waiting".
	Status string

	// Output is the JSON-encoded final output for completed nodes.
	Output []byte

	// Failure describes the error for failed nodes.
	Failure string

	// WaitEvent and WaitSince describe the pending external event for
	// waiting nodes.
	WaitEvent string
	WaitSince time.Time
}

// Store is the durability contract the engine depends on.
//
// Key layout (backend-agnostic): checkpoints live under
// (run_id, node_id, step) with write-once semantics and monotonic steps;
// status markers live under (run_id, node_id) with last-writer-wins;
// run status and leases live under run_id.
//
// Writes must be atomic with respect to concurrent readers: a reader never
// observes a partially written payload. Distinct node ids never collide on
// keys, so branches of one fan-out region may write concurrently.
type Store interface {
	// PutCheckpoint durably appends an intermediate snapshot for a node.
	// step must exceed the node's latest stored step (ErrStaleCheckpoint
	// otherwise).
	PutCheckpoint(ctx context.Context, runID, nodeID string, step int, payload []byte) error

	// LatestCheckpoint returns the highest-step checkpoint for the node,
	// or ErrNotFound if it has never checkpointed under this run id.
	LatestCheckpoint(ctx context.Context, runID, nodeID string) (step int, payload []byte, err error)

	// MarkCompleted records the node's final output. After this the node
	// is never re-executed for this run id.
	MarkCompleted(ctx context.Context, runID, nodeID string, output []byte) error

	// Completed returns the stored final output, or ErrNotFound if the
	// node has not completed under this run id.
	Completed(ctx context.Context, runID, nodeID string) ([]byte, error)

	// MarkFailed records a failure marker for the node.
	MarkFailed(ctx context.Context, runID, nodeID, reason string) error

	// MarkWaiting records that the node is suspended on an external
	// event. since is preserved across repeated waits on the same event
	// so wait deadlines measure from the first suspension.
	MarkWaiting(ctx context.Context, runID, nodeID, event string, since time.Time) error

	// ClearStatus removes the node's status marker (not its checkpoints).
	// Used by explicit caller-driven retry of a failed node.
	ClearStatus(ctx context.Context, runID, nodeID string) error

	// NodeStatuses returns all status markers recorded under the run id.
	// An empty map is not an error.
	NodeStatuses(ctx context.Context, runID string) (map[string]NodeState, error)

	// AcquireLease claims exclusive ownership of the run id for ttl.
	// Returns ErrLeaseHeld if a live lease is held by a different owner.
	// Re-acquiring with the same owner extends the lease.
	AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) error

	// ReleaseLease releases the lease if held by owner.
	ReleaseLease(ctx context.Context, runID, owner string) error

	// SetRunStatus records the run-level status (last writer wins).
	SetRunStatus(ctx context.Context, runID, status string) error

	// RunStatus returns the run-level status, or ErrNotFound for a run id
	// that has never been recorded.
	RunStatus(ctx context.Context, runID string) (string, error)
}
