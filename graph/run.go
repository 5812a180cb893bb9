package graph

import "time"

// NodeStatus is the per-node state machine within one run:
// pending -> running -> {checkpointed (loop back to running) | waiting |
// completed | failed}. completed and failed are terminal for the run id.
type NodeStatus string

const (
	StatusPending      NodeStatus = "pending"
	StatusRunning      NodeStatus = "running"
	StatusCheckpointed NodeStatus = "checkpointed"
	StatusWaiting      NodeStatus = "waiting"
	StatusCompleted    NodeStatus = "completed"
	StatusFailed       NodeStatus = "failed"
)

// RunStatus is the caller-visible outcome of one Execute call.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunWaiting   RunStatus = "waiting"
)

// WaitInfo describes the pending external event when a run suspends, so a
// caller knows what to wait for before resuming with the same run id.
type WaitInfo struct {
	// NodeID is the suspended node.
	NodeID string

	// Event names the external event the node is waiting on.
	Event string

	// Since is when the node first suspended on this event.
	Since time.Time
}

// RunResult is the outcome of Engine.Execute.
//
// Status is completed, failed, cancelled, or waiting. Failures carry the
// failing node id and the underlying error; waiting results carry WaitInfo
// so the caller can resume later with the same run id.
type RunResult struct {
	RunID  string
	Status RunStatus

	// Outputs holds the resolved graph outputs. Populated on completion,
	// and partially populated on failure for outputs that did resolve.
	Outputs Values

	// Nodes maps every node id touched by this execution (including
	// fan-out branch invocations such as "work#3") to its final status.
	Nodes map[string]NodeStatus

	// FailedNode is set when Status is RunFailed.
	FailedNode string

	// Err is the underlying error for failed (and timed-out waiting) runs.
	Err error

	// Waiting is set when Status is RunWaiting.
	Waiting *WaitInfo
}
