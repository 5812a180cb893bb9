package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/rungraph/graph/emit"
	"github.com/dshills/rungraph/graph/services"
	"github.com/dshills/rungraph/graph/store"
)

// Engine executes Definitions against a checkpoint store.
//
// Execute walks the definition's topological order, persisting every
// node completion and voluntary checkpoint as it goes. Calling Execute
// again with the same run id resumes from the durable record: completed
// nodes are never re-invoked, interrupted nodes restart from their
// latest checkpoint, and waiting nodes are re-offered their resume
// payload. A node that failed in a previous execution keeps its
// failure marker: Execute reports the failure again without
// re-invoking the node until RetryNode clears the marker. A crash
// leaves no marker, so crashed work simply resumes.
//
// One Engine serves many concurrent runs, but each run id has a single
// logical owner: a store lease acquired for the duration of Execute.
// A second Execute against a live run id fails fast with
// ErrRunInProgress.
type Engine struct {
	store        store.Store
	emitter      emit.Emitter
	metrics      *Metrics
	services     *services.Bundle
	retry        StoreRetry
	waitDeadline time.Duration
	nodeTimeout  time.Duration
	leaseTTL     time.Duration
	owner        string
	now          func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Engine over the given store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("engine: store cannot be nil")
	}
	e := &Engine{
		store:    st,
		emitter:  emit.NewNullEmitter(),
		retry:    DefaultStoreRetry,
		leaseTTL: 2 * time.Minute,
		owner:    uuid.NewString(),
		now:      time.Now,
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.services == nil {
		e.services = services.NewBundle()
	}
	if err := e.retry.Validate(); err != nil {
		return nil, err
	}
	if e.leaseTTL <= 0 {
		return nil, errors.New("engine: lease TTL must be positive")
	}
	return e, nil
}

// Execute runs the definition under the given run id.
//
// inputs must supply every external input the definition declares. The
// returned error is non-nil exactly when the result status is RunFailed
// or RunCancelled and mirrors RunResult.Err; a suspended run returns
// RunWaiting with a nil error.
func (e *Engine) Execute(ctx context.Context, d *Definition, runID string, inputs Values) (RunResult, error) {
	if d == nil {
		return RunResult{}, errors.New("engine: definition cannot be nil")
	}
	if runID == "" {
		return RunResult{}, errors.New("engine: run id cannot be empty")
	}
	for name := range d.inputs {
		if _, ok := inputs[name]; !ok {
			return RunResult{}, fmt.Errorf("engine: missing graph input %q", name)
		}
	}

	// The store lease fences out other processes; it cannot fence a
	// second Execute on this Engine, because AcquireLease treats a
	// same-owner re-acquire as an extension. The local registry is the
	// fence for that case.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if _, inFlight := e.cancels[runID]; inFlight {
		e.mu.Unlock()
		res := RunResult{RunID: runID, Status: RunFailed, Err: ErrRunInProgress}
		return res, ErrRunInProgress
	}
	e.cancels[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, runID)
		e.mu.Unlock()
	}()

	if err := e.storeOp(ctx, "acquire lease", func() error {
		return e.store.AcquireLease(ctx, runID, e.owner, e.leaseTTL)
	}); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			res := RunResult{RunID: runID, Status: RunFailed, Err: ErrRunInProgress}
			return res, ErrRunInProgress
		}
		return RunResult{RunID: runID, Status: RunFailed, Err: err}, err
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer releaseCancel()
		_ = e.store.ReleaseLease(releaseCtx, runID, e.owner)
	}()

	e.emit(runID, "", 0, emit.MsgRunStart, map[string]any{"graph": d.name})
	result := e.run(runCtx, d, runID, inputs)
	e.emit(runID, "", 0, emit.MsgRunEnd, map[string]any{"status": string(result.Status)})
	e.metrics.runFinished(result.Status)

	statusCtx := runCtx
	if statusCtx.Err() != nil {
		var c context.CancelFunc
		statusCtx, c = context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
	}
	_ = e.storeOp(statusCtx, "set run status", func() error {
		return e.store.SetRunStatus(statusCtx, runID, string(result.Status))
	})

	return result, result.Err
}

// Cancel aborts the in-flight execution of runID, if any. Completed
// nodes keep their markers; the run resumes from them on the next
// Execute. Reports whether a run was actually cancelled.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RetryNode clears the failure (or waiting) marker of one node so the
// next Execute re-attempts it. Checkpoints are preserved, so the retry
// resumes from the node's last durable progress. Fan-out branches are
// addressed by their invocation key, e.g. "work#3".
func (e *Engine) RetryNode(ctx context.Context, runID, nodeID string) error {
	return e.storeOp(ctx, "clear status", func() error {
		return e.store.ClearStatus(ctx, runID, nodeID)
	})
}

// Statuses returns the durable per-node status markers for a run.
func (e *Engine) Statuses(ctx context.Context, runID string) (map[string]store.NodeState, error) {
	var out map[string]store.NodeState
	err := e.storeOp(ctx, "node statuses", func() error {
		var opErr error
		out, opErr = e.store.NodeStatuses(ctx, runID)
		return opErr
	})
	return out, err
}

// runState is the in-memory view of one Execute call.
type runState struct {
	inputs Values

	// outputs maps completed node id -> decoded output values.
	outputs map[string]Values

	// done marks dependency-satisfied node ids (region branches count as
	// one logical node).
	done map[string]bool

	// blocked marks nodes left pending because an upstream best-effort
	// node failed.
	blocked map[string]bool

	// collected maps fan-out index -> ordered branch Collect values.
	collected map[int][]any

	prior map[string]store.NodeState
}

// nodeOutcome is the engine-internal result of one node invocation.
type nodeOutcome struct {
	status  NodeStatus
	outputs Values
	wait    *WaitInfo
	err     error
}

func (e *Engine) run(ctx context.Context, d *Definition, runID string, inputs Values) RunResult {
	result := RunResult{RunID: runID, Nodes: make(map[string]NodeStatus)}

	prior, err := e.loadStatuses(ctx, runID)
	if err != nil {
		result.Status = RunFailed
		result.Err = err
		return result
	}

	st := &runState{
		inputs:    inputs,
		outputs:   make(map[string]Values),
		done:      make(map[string]bool),
		blocked:   make(map[string]bool),
		collected: make(map[int][]any),
		prior:     prior,
	}

	var firstBestEffortFailure string
	for _, id := range d.TopologicalOrder() {
		if ctx.Err() != nil {
			return e.cancelled(result)
		}

		node, _ := d.node(id)

		if e.depsBlocked(d, st, id) {
			st.blocked[id] = true
			result.Nodes[id] = StatusPending
			continue
		}

		var out nodeOutcome
		if fi, ok := d.branchOf[id]; ok {
			out = e.runRegion(ctx, d, runID, st, fi, result.Nodes)
		} else {
			inv := e.resolveInputs(d, st, id, nil)
			out = e.runNode(ctx, runID, node, id, inv, st.prior[id])
			result.Nodes[id] = out.status
		}

		switch out.status {
		case StatusCompleted:
			st.outputs[id] = out.outputs
			st.done[id] = true

		case StatusWaiting:
			if out.err != nil {
				// Wait deadline exceeded.
				result.Status = RunFailed
				result.FailedNode = out.wait.NodeID
				result.Err = out.err
				return result
			}
			result.Status = RunWaiting
			result.Waiting = out.wait
			return result

		case StatusFailed:
			if errors.Is(out.err, ErrRunCancelled) {
				return e.cancelled(result)
			}
			var storeErr *StoreError
			if node.BestEffort && !errors.As(out.err, &storeErr) {
				st.blocked[id] = true
				if firstBestEffortFailure == "" {
					firstBestEffortFailure = id
				}
				continue
			}
			result.Status = RunFailed
			result.FailedNode = id
			result.Err = out.err
			return result
		}
	}

	if ctx.Err() != nil {
		return e.cancelled(result)
	}

	result.Outputs = make(Values)
	var unresolved []string
	for name, port := range d.outputs {
		vals, ok := st.outputs[port.Node]
		if !ok {
			unresolved = append(unresolved, name)
			continue
		}
		result.Outputs[name] = vals[port.Output]
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		result.Status = RunFailed
		result.FailedNode = firstBestEffortFailure
		result.Err = fmt.Errorf("graph outputs %v unresolved after best-effort failure", unresolved)
		return result
	}

	result.Status = RunCompleted
	return result
}

func (e *Engine) cancelled(result RunResult) RunResult {
	result.Status = RunCancelled
	result.Err = ErrRunCancelled
	return result
}

// depsBlocked reports whether any dependency of id was left pending or
// failed as best-effort.
func (e *Engine) depsBlocked(d *Definition, st *runState, id string) bool {
	for _, dep := range d.dependencies(id) {
		if st.blocked[dep] {
			return true
		}
	}
	return false
}

// resolveInputs binds a node's declared inputs from edges, graph
// inputs, and region overrides.
func (e *Engine) resolveInputs(d *Definition, st *runState, id string, overrides Values) Values {
	node, _ := d.node(id)
	bound := make(Values, len(node.Inputs))
	for _, in := range node.Inputs {
		if v, ok := overrides[in]; ok {
			bound[in] = v
			continue
		}
		if edge, ok := d.inbound[id][in]; ok {
			bound[in] = st.outputs[edge.From][edge.Output]
			continue
		}
		if fi, ok := d.joinOf[id]; ok && d.fanouts[fi].JoinInput == in {
			bound[in] = st.collected[fi]
			continue
		}
		if v, ok := st.inputs[in]; ok {
			bound[in] = v
		}
	}
	return bound
}

// runRegion executes one fan-out: every element of the source
// collection through the branch node, bounded by the region's cap, then
// records the ordered Collect values for the join.
func (e *Engine) runRegion(ctx context.Context, d *Definition, runID string, st *runState, fi int, statuses map[string]NodeStatus) nodeOutcome {
	f := d.fanouts[fi]
	branch, _ := d.node(f.Branch)

	elems, err := toSlice(st.outputs[f.Source][f.Output])
	if err != nil {
		wrapped := &NodeError{NodeID: f.Source, Message: "fan-out source output " + f.Output, Cause: err}
		if markErr := e.markFailed(ctx, runID, f.Branch, wrapped); markErr != nil {
			return nodeOutcome{status: StatusFailed, err: markErr}
		}
		return nodeOutcome{status: StatusFailed, err: wrapped}
	}

	var lim *Limiter
	if f.MaxParallel > 0 {
		lim, err = NewLimiter(f.MaxParallel)
		if err != nil {
			return nodeOutcome{status: StatusFailed, err: err}
		}
	}

	outcomes := make([]nodeOutcome, len(elems))
	var g errgroup.Group
	for i, elem := range elems {
		key := fmt.Sprintf("%s#%d", f.Branch, i)
		inv := e.resolveInputs(d, st, f.Branch, Values{f.Input: elem})
		g.Go(func() error {
			return lim.Do(ctx, func() error {
				e.metrics.branchStarted()
				defer e.metrics.branchDone()
				outcomes[i] = e.runNode(ctx, runID, branch, key, inv, st.prior[key])
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		// Only the limiter can error here, on context cancellation.
		return nodeOutcome{status: StatusFailed, err: ErrRunCancelled}
	}

	collected := make([]any, len(elems))
	var firstFailure *nodeOutcome
	var firstWait *nodeOutcome
	for i := range outcomes {
		key := fmt.Sprintf("%s#%d", f.Branch, i)
		statuses[key] = outcomes[i].status
		switch outcomes[i].status {
		case StatusCompleted:
			collected[i] = outcomes[i].outputs[f.Collect]
		case StatusFailed:
			if firstFailure == nil {
				firstFailure = &outcomes[i]
			}
		case StatusWaiting:
			if firstWait == nil {
				firstWait = &outcomes[i]
			}
		}
	}
	if firstFailure != nil {
		return nodeOutcome{status: StatusFailed, err: firstFailure.err}
	}
	if firstWait != nil {
		return nodeOutcome{status: StatusWaiting, wait: firstWait.wait, err: firstWait.err}
	}

	st.collected[fi] = collected
	st.done[f.Branch] = true
	return nodeOutcome{status: StatusCompleted, outputs: Values{}}
}

// runNode performs one invocation of node under the given key,
// honoring the durable record: completed nodes are skipped, waiting
// nodes are deadline-checked and re-offered their resume payload.
func (e *Engine) runNode(ctx context.Context, runID string, node *Node, key string, inputs Values, prior store.NodeState) nodeOutcome {
	if prior.Status == "completed" {
		vals, err := decodeValues(prior.Output)
		if err != nil {
			return nodeOutcome{status: StatusFailed, err: &NodeError{NodeID: key, Message: "decode stored output", Cause: err}}
		}
		e.emit(runID, key, 0, emit.MsgNodeSkip, nil)
		return nodeOutcome{status: StatusCompleted, outputs: vals}
	}

	if prior.Status == "failed" {
		return nodeOutcome{status: StatusFailed, err: &NodeError{
			NodeID:  key,
			Message: "failed in a previous execution: " + prior.Failure,
		}}
	}

	if prior.Status == "waiting" && e.waitDeadline > 0 &&
		e.now().Sub(prior.WaitSince) > e.waitDeadline {
		return nodeOutcome{
			status: StatusWaiting,
			wait:   &WaitInfo{NodeID: key, Event: prior.WaitEvent, Since: prior.WaitSince},
			err:    ErrExternalWaitTimeout,
		}
	}

	var resume []byte
	step := 0
	err := e.storeOp(ctx, "latest checkpoint", func() error {
		var opErr error
		step, resume, opErr = e.store.LatestCheckpoint(ctx, runID, key)
		return opErr
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nodeOutcome{status: StatusFailed, err: err}
	}
	if resume != nil {
		e.metrics.nodeResumed()
		e.emit(runID, key, step, emit.MsgNodeResume, nil)
	}

	nextStep := step
	checkpoint := func(cpCtx context.Context, payload []byte) error {
		nextStep++
		cpErr := e.storeOp(cpCtx, "put checkpoint", func() error {
			return e.store.PutCheckpoint(cpCtx, runID, key, nextStep, payload)
		})
		if cpErr != nil {
			return cpErr
		}
		e.metrics.checkpointWritten()
		e.emit(runID, key, nextStep, emit.MsgCheckpoint, nil)
		return nil
	}

	inv := &Invocation{
		RunID:      runID,
		NodeID:     key,
		Inputs:     inputs,
		Resume:     resume,
		Services:   e.services.For(runID, key),
		Checkpoint: checkpoint,
	}

	nodeCtx := ctx
	if e.nodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.nodeTimeout)
		defer cancel()
	}

	e.emit(runID, key, 0, emit.MsgNodeStart, nil)
	start := e.now()
	outcome, runErr := invoke(nodeCtx, node.Run, inv)
	e.metrics.observeNode(node.ID, e.now().Sub(start))

	if runErr != nil {
		if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
			return nodeOutcome{status: StatusFailed, err: ErrRunCancelled}
		}
		wrapped := &NodeError{NodeID: key, Message: "node body failed", Cause: runErr}
		e.emit(runID, key, 0, emit.MsgNodeError, map[string]any{"error": runErr.Error()})
		if markErr := e.markFailed(ctx, runID, key, wrapped); markErr != nil {
			return nodeOutcome{status: StatusFailed, err: markErr}
		}
		return nodeOutcome{status: StatusFailed, err: wrapped}
	}

	if outcome.Wait != nil {
		return e.suspend(ctx, runID, key, prior, outcome.Wait, checkpoint)
	}

	for _, name := range node.Outputs {
		if _, ok := outcome.Outputs[name]; !ok {
			wrapped := &NodeError{NodeID: key, Message: "missing declared output " + name}
			if markErr := e.markFailed(ctx, runID, key, wrapped); markErr != nil {
				return nodeOutcome{status: StatusFailed, err: markErr}
			}
			return nodeOutcome{status: StatusFailed, err: wrapped}
		}
	}

	encoded, err := json.Marshal(outcome.Outputs)
	if err != nil {
		wrapped := &NodeError{NodeID: key, Message: "encode outputs", Cause: err}
		if markErr := e.markFailed(ctx, runID, key, wrapped); markErr != nil {
			return nodeOutcome{status: StatusFailed, err: markErr}
		}
		return nodeOutcome{status: StatusFailed, err: wrapped}
	}
	if err := e.storeOp(ctx, "mark completed", func() error {
		return e.store.MarkCompleted(ctx, runID, key, encoded)
	}); err != nil {
		return nodeOutcome{status: StatusFailed, err: err}
	}

	// Round-trip through JSON so in-process consumers see the same
	// shapes a resumed run would load from the store.
	vals, err := decodeValues(encoded)
	if err != nil {
		return nodeOutcome{status: StatusFailed, err: &NodeError{NodeID: key, Message: "decode outputs", Cause: err}}
	}
	e.emit(runID, key, 0, emit.MsgNodeEnd, nil)
	return nodeOutcome{status: StatusCompleted, outputs: vals}
}

// suspend persists a wait: resume payload as a checkpoint first, then
// the waiting marker. The first-wait timestamp is preserved by the
// store across repeated waits on the same event.
func (e *Engine) suspend(ctx context.Context, runID, key string, prior store.NodeState, w *Wait, checkpoint CheckpointFunc) nodeOutcome {
	if w.Resume != nil {
		if err := checkpoint(ctx, w.Resume); err != nil {
			return nodeOutcome{status: StatusFailed, err: err}
		}
	}
	since := e.now()
	if prior.Status == "waiting" && prior.WaitEvent == w.Event {
		since = prior.WaitSince
	}
	if err := e.storeOp(ctx, "mark waiting", func() error {
		return e.store.MarkWaiting(ctx, runID, key, w.Event, since)
	}); err != nil {
		return nodeOutcome{status: StatusFailed, err: err}
	}
	e.emit(runID, key, 0, emit.MsgNodeWait, map[string]any{"event": w.Event})
	return nodeOutcome{
		status: StatusWaiting,
		wait:   &WaitInfo{NodeID: key, Event: w.Event, Since: since},
	}
}

func (e *Engine) markFailed(ctx context.Context, runID, key string, cause error) error {
	return e.storeOp(ctx, "mark failed", func() error {
		return e.store.MarkFailed(ctx, runID, key, cause.Error())
	})
}

func (e *Engine) loadStatuses(ctx context.Context, runID string) (map[string]store.NodeState, error) {
	var prior map[string]store.NodeState
	err := e.storeOp(ctx, "node statuses", func() error {
		var opErr error
		prior, opErr = e.store.NodeStatuses(ctx, runID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if prior == nil {
		prior = make(map[string]store.NodeState)
	}
	return prior, nil
}

func (e *Engine) storeOp(ctx context.Context, name string, op func() error) error {
	return retryStore(ctx, e.retry, nil, name, e.metrics.storeRetried, op)
}

func (e *Engine) emit(runID, nodeID string, step int, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		Time:   e.now(),
		RunID:  runID,
		NodeID: nodeID,
		Step:   step,
		Msg:    msg,
		Meta:   meta,
	})
}

// invoke calls the node body, converting a panic into an error so one
// misbehaving node cannot take down sibling branches.
func invoke(ctx context.Context, fn NodeFunc, inv *Invocation) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, inv)
}

func decodeValues(data []byte) (Values, error) {
	if len(data) == 0 {
		return Values{}, nil
	}
	var vals Values
	if err := json.Unmarshal(data, &vals); err != nil {
		return nil, err
	}
	if vals == nil {
		vals = Values{}
	}
	return vals, nil
}

// toSlice normalizes a fan-out source collection. Stored collections
// decode from JSON as []any; fresh in-process values may be any slice
// or array type.
func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, errors.New("collection is nil")
	}
	if s, ok := v.([]any); ok {
		return s, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("not a collection: %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
