package emit

import "time"

// Standard event messages emitted by the engine. Meta carries
// message-specific detail (error text, branch index, wait event).
const (
	MsgRunStart   = "run_start"
	MsgRunEnd     = "run_end"
	MsgNodeStart  = "node_start"
	MsgNodeEnd    = "node_end"
	MsgNodeSkip   = "node_skip" // completed under this run id, not re-executed
	MsgNodeResume = "node_resume"
	MsgNodeWait   = "node_wait"
	MsgNodeError  = "node_error"
	MsgCheckpoint = "checkpoint"
	MsgStoreRetry = "store_retry"
)

// Event is one observation of run progress.
type Event struct {
	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// RunID identifies the run.
	RunID string `json:"run_id"`

	// NodeID identifies the node, including the "#i" suffix for fan-out
	// branch invocations. Empty for run-level events.
	NodeID string `json:"node_id,omitempty"`

	// Step is the checkpoint step for checkpoint events, zero otherwise.
	Step int `json:"step,omitempty"`

	// Msg is one of the Msg* constants.
	Msg string `json:"msg"`

	// Meta carries message-specific detail.
	Meta map[string]any `json:"meta,omitempty"`
}
