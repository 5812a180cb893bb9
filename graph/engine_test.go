package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/rungraph/graph/store"
)

func newTestEngine(t *testing.T, st store.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithStoreRetry(StoreRetry{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})}, opts...)
	e, err := New(st, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// counting wraps a node body with an invocation counter.
func counting(counter *int64, fn NodeFunc) NodeFunc {
	return func(ctx context.Context, inv *Invocation) (Outcome, error) {
		atomic.AddInt64(counter, 1)
		return fn(ctx, inv)
	}
}

// pipelineSpec is a three-stage arithmetic pipeline: start -> double ->
// add-one, exposing the final value as graph output "result".
func pipelineSpec(aCalls, bCalls, cCalls *int64, failC *atomic.Bool) Spec {
	return Spec{
		Name: "pipeline",
		Nodes: []Node{
			{ID: "a", Inputs: []string{"seed"}, Outputs: []string{"n"},
				Run: counting(aCalls, func(ctx context.Context, inv *Invocation) (Outcome, error) {
					return Done(Values{"n": inv.Inputs["seed"].(float64)}), nil
				})},
			{ID: "b", Inputs: []string{"n"}, Outputs: []string{"doubled"},
				Run: counting(bCalls, func(ctx context.Context, inv *Invocation) (Outcome, error) {
					return Done(Values{"doubled": inv.Inputs["n"].(float64) * 2}), nil
				})},
			{ID: "c", Inputs: []string{"doubled"}, Outputs: []string{"result"},
				Run: counting(cCalls, func(ctx context.Context, inv *Invocation) (Outcome, error) {
					if failC != nil && failC.Load() {
						return Outcome{}, errors.New("injected failure")
					}
					return Done(Values{"result": inv.Inputs["doubled"].(float64) + 1}), nil
				})},
		},
		Edges: []Edge{
			{From: "a", Output: "n", To: "b", Input: "n"},
			{From: "b", Output: "doubled", To: "c", Input: "doubled"},
		},
		Inputs:  []string{"seed"},
		Outputs: map[string]Port{"result": {Node: "c", Output: "result"}},
	}
}

func TestExecuteLinear(t *testing.T) {
	var aCalls, bCalls, cCalls int64
	d, err := Build(pipelineSpec(&aCalls, &bCalls, &cCalls, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())

	res, err := e.Execute(context.Background(), d, "run-1", Values{"seed": float64(5)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if got := res.Outputs["result"]; got != float64(11) {
		t.Errorf("result = %v, want 11", got)
	}
	for _, id := range []string{"a", "b", "c"} {
		if res.Nodes[id] != StatusCompleted {
			t.Errorf("node %s status = %s, want completed", id, res.Nodes[id])
		}
	}
	if aCalls != 1 || bCalls != 1 || cCalls != 1 {
		t.Errorf("calls = %d/%d/%d, want 1/1/1", aCalls, bCalls, cCalls)
	}
}

func TestResumeSkipsCompletedNodes(t *testing.T) {
	var aCalls, bCalls, cCalls int64
	var failC atomic.Bool
	failC.Store(true)
	d, err := Build(pipelineSpec(&aCalls, &bCalls, &cCalls, &failC))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st := store.NewMemStore()
	e := newTestEngine(t, st)
	ctx := context.Background()

	res, err := e.Execute(ctx, d, "run-1", Values{"seed": float64(5)})
	if err == nil || res.Status != RunFailed {
		t.Fatalf("first execute: status=%s err=%v, want failure", res.Status, err)
	}
	if res.FailedNode != "c" {
		t.Errorf("failed node = %q, want c", res.FailedNode)
	}
	var nerr *NodeError
	if !errors.As(res.Err, &nerr) {
		t.Errorf("err %T, want *NodeError", res.Err)
	}

	// The failure marker sticks: re-executing without RetryNode fails
	// again without invoking anything.
	aBefore, cBefore := aCalls, cCalls
	if res, err = e.Execute(ctx, d, "run-1", Values{"seed": float64(5)}); err == nil {
		t.Fatalf("re-execute after failure: status=%s, want failed", res.Status)
	}
	if aCalls != aBefore || cCalls != cBefore {
		t.Errorf("nodes invoked on failed replay: a %d->%d c %d->%d", aBefore, aCalls, cBefore, cCalls)
	}

	failC.Store(false)
	if err := e.RetryNode(ctx, "run-1", "c"); err != nil {
		t.Fatalf("RetryNode: %v", err)
	}
	res, err = e.Execute(ctx, d, "run-1", Values{"seed": float64(5)})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != RunCompleted || res.Outputs["result"] != float64(11) {
		t.Fatalf("resume: status=%s result=%v", res.Status, res.Outputs["result"])
	}
	if aCalls != 1 || bCalls != 1 {
		t.Errorf("completed nodes re-invoked on resume: a=%d b=%d, want 1/1", aCalls, bCalls)
	}
	if cCalls != 2 {
		t.Errorf("c calls = %d, want 2", cCalls)
	}
}

func TestMidNodeCheckpointResume(t *testing.T) {
	// A loop node processes five items, checkpointing after each. The
	// first execution dies after item two; the resumed execution must
	// continue from the checkpoint instead of restarting the loop.
	type progress struct {
		Next int `json:"next"`
		Sum  int `json:"sum"`
	}

	var processed int64
	var crash atomic.Bool
	crash.Store(true)

	spec := Spec{
		Name: "loop",
		Nodes: []Node{{
			ID: "loop", Outputs: []string{"sum"},
			Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
				var p progress
				if inv.Resume != nil {
					if err := json.Unmarshal(inv.Resume, &p); err != nil {
						return Outcome{}, err
					}
				}
				for ; p.Next < 5; p.Next++ {
					atomic.AddInt64(&processed, 1)
					p.Sum += p.Next + 1
					snapshot, err := json.Marshal(progress{Next: p.Next + 1, Sum: p.Sum})
					if err != nil {
						return Outcome{}, err
					}
					if err := inv.Checkpoint(ctx, snapshot); err != nil {
						return Outcome{}, err
					}
					if crash.Load() && p.Next == 1 {
						return Outcome{}, errors.New("simulated crash")
					}
				}
				return Done(Values{"sum": p.Sum}), nil
			},
		}},
		Outputs: map[string]Port{"sum": {Node: "loop", Output: "sum"}},
	}
	d, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())
	ctx := context.Background()

	if _, err := e.Execute(ctx, d, "run-1", nil); err == nil {
		t.Fatal("first execute succeeded, want crash")
	}
	if processed != 2 {
		t.Fatalf("items processed before crash = %d, want 2", processed)
	}

	crash.Store(false)
	if err := e.RetryNode(ctx, "run-1", "loop"); err != nil {
		t.Fatalf("RetryNode: %v", err)
	}
	res, err := e.Execute(ctx, d, "run-1", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Outputs["sum"] != float64(15) {
		t.Errorf("sum = %v, want 15", res.Outputs["sum"])
	}
	// 2 before the crash + 3 after; no item processed twice.
	if processed != 5 {
		t.Errorf("total items processed = %d, want 5", processed)
	}
}

func TestReplayCompletedRun(t *testing.T) {
	var aCalls, bCalls, cCalls int64
	d, err := Build(pipelineSpec(&aCalls, &bCalls, &cCalls, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())
	ctx := context.Background()

	first, err := e.Execute(ctx, d, "run-1", Values{"seed": float64(3)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	second, err := e.Execute(ctx, d, "run-1", Values{"seed": float64(3)})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Status != RunCompleted || second.Outputs["result"] != first.Outputs["result"] {
		t.Errorf("replay: status=%s result=%v, want completed %v",
			second.Status, second.Outputs["result"], first.Outputs["result"])
	}
	if aCalls != 1 || bCalls != 1 || cCalls != 1 {
		t.Errorf("replay invoked nodes: %d/%d/%d, want 1/1/1", aCalls, bCalls, cCalls)
	}
}

// fanOutSpec doubles each source element in parallel and sums the
// results in the join.
func fanOutSpec(branchCalls map[float64]*int64, mu *sync.Mutex, joinCalls *int64, failOn float64, failing *atomic.Bool, maxParallel int) Spec {
	return Spec{
		Name: "mapreduce",
		Nodes: []Node{
			{ID: "src", Inputs: []string{"items"}, Outputs: []string{"items"},
				Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
					return Done(Values{"items": inv.Inputs["items"]}), nil
				}},
			{ID: "work", Inputs: []string{"item"}, Outputs: []string{"doubled"},
				Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
					item := inv.Inputs["item"].(float64)
					if mu != nil {
						mu.Lock()
						if c, ok := branchCalls[item]; ok {
							atomic.AddInt64(c, 1)
						}
						mu.Unlock()
					}
					if failing != nil && failing.Load() && item == failOn {
						return Outcome{}, fmt.Errorf("cannot process %v", item)
					}
					return Done(Values{"doubled": item * 2}), nil
				}},
			{ID: "join", Inputs: []string{"all"}, Outputs: []string{"total"},
				Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
					atomic.AddInt64(joinCalls, 1)
					var total float64
					for _, v := range inv.Inputs["all"].([]any) {
						total += v.(float64)
					}
					return Done(Values{"total": total}), nil
				}},
		},
		FanOuts: []FanOut{{
			Source: "src", Output: "items",
			Branch: "work", Input: "item", Collect: "doubled",
			Join: "join", JoinInput: "all",
			MaxParallel: maxParallel,
		}},
		Inputs:  []string{"items"},
		Outputs: map[string]Port{"total": {Node: "join", Output: "total"}},
	}
}

func TestFanOutMapReduce(t *testing.T) {
	var joinCalls int64
	d, err := Build(fanOutSpec(nil, nil, &joinCalls, 0, nil, 2))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())

	res, err := e.Execute(context.Background(), d, "run-1",
		Values{"items": []any{float64(1), float64(2), float64(3), float64(4)}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Outputs["total"] != float64(20) {
		t.Errorf("total = %v, want 20", res.Outputs["total"])
	}
	if joinCalls != 1 {
		t.Errorf("join calls = %d, want 1", joinCalls)
	}
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("work#%d", i)
		if res.Nodes[key] != StatusCompleted {
			t.Errorf("branch %s status = %s, want completed", key, res.Nodes[key])
		}
	}
}

func TestFanOutBranchFailure(t *testing.T) {
	branchCalls := map[float64]*int64{1: new(int64), 2: new(int64), 3: new(int64)}
	var mu sync.Mutex
	var joinCalls int64
	var failing atomic.Bool
	failing.Store(true)

	d, err := Build(fanOutSpec(branchCalls, &mu, &joinCalls, 2, &failing, 2))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st := store.NewMemStore()
	e := newTestEngine(t, st)
	ctx := context.Background()
	items := Values{"items": []any{float64(1), float64(2), float64(3)}}

	res, err := e.Execute(ctx, d, "run-1", items)
	if err == nil || res.Status != RunFailed {
		t.Fatalf("status=%s err=%v, want failure", res.Status, err)
	}
	if joinCalls != 0 {
		t.Fatalf("join invoked %d times after branch failure, want 0", joinCalls)
	}

	// Completed siblings keep their markers.
	statuses, err := e.Statuses(ctx, "run-1")
	if err != nil {
		t.Fatalf("Statuses: %v", err)
	}
	if statuses["work#0"].Status != "completed" || statuses["work#2"].Status != "completed" {
		t.Errorf("sibling markers = %q/%q, want completed/completed",
			statuses["work#0"].Status, statuses["work#2"].Status)
	}
	if statuses["work#1"].Status != "failed" {
		t.Errorf("failed branch marker = %q, want failed", statuses["work#1"].Status)
	}

	failing.Store(false)
	if err := e.RetryNode(ctx, "run-1", "work#1"); err != nil {
		t.Fatalf("RetryNode: %v", err)
	}
	res, err = e.Execute(ctx, d, "run-1", items)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Outputs["total"] != float64(12) {
		t.Errorf("total = %v, want 12", res.Outputs["total"])
	}
	if got := atomic.LoadInt64(branchCalls[1]); got != 1 {
		t.Errorf("branch for item 1 invoked %d times, want 1", got)
	}
	if got := atomic.LoadInt64(branchCalls[3]); got != 1 {
		t.Errorf("branch for item 3 invoked %d times, want 1", got)
	}
	if got := atomic.LoadInt64(branchCalls[2]); got != 2 {
		t.Errorf("failed branch invoked %d times, want 2", got)
	}
}

func TestExternalWait(t *testing.T) {
	var approved atomic.Bool
	spec := Spec{
		Name: "approval",
		Nodes: []Node{{
			ID: "gate", Outputs: []string{"ok"},
			Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
				if !approved.Load() {
					return WaitFor("manager-approval", []byte(`{"asked":true}`)), nil
				}
				if inv.Resume == nil {
					return Outcome{}, errors.New("resume payload lost")
				}
				return Done(Values{"ok": true}), nil
			},
		}},
		Outputs: map[string]Port{"ok": {Node: "gate", Output: "ok"}},
	}
	d, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())
	ctx := context.Background()

	res, err := e.Execute(ctx, d, "run-1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunWaiting {
		t.Fatalf("status = %s, want waiting", res.Status)
	}
	if res.Waiting == nil || res.Waiting.NodeID != "gate" || res.Waiting.Event != "manager-approval" {
		t.Fatalf("waiting = %+v", res.Waiting)
	}
	firstSince := res.Waiting.Since

	// Still waiting: the first-wait timestamp is preserved.
	res, err = e.Execute(ctx, d, "run-1", nil)
	if err != nil || res.Status != RunWaiting {
		t.Fatalf("second execute: status=%s err=%v", res.Status, err)
	}
	if !res.Waiting.Since.Equal(firstSince) {
		t.Errorf("wait since changed: %v -> %v", firstSince, res.Waiting.Since)
	}

	approved.Store(true)
	res, err = e.Execute(ctx, d, "run-1", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != RunCompleted || res.Outputs["ok"] != true {
		t.Errorf("resume: status=%s ok=%v", res.Status, res.Outputs["ok"])
	}
}

func TestExternalWaitDeadline(t *testing.T) {
	var now atomic.Value
	now.Store(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	clock := func() time.Time { return now.Load().(time.Time) }

	spec := Spec{
		Name: "approval",
		Nodes: []Node{{
			ID: "gate", Outputs: []string{"ok"},
			Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
				return WaitFor("sign-off", nil), nil
			},
		}},
		Outputs: map[string]Port{"ok": {Node: "gate", Output: "ok"}},
	}
	d, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore(), WithClock(clock), WithWaitDeadline(time.Hour))
	ctx := context.Background()

	res, err := e.Execute(ctx, d, "run-1", nil)
	if err != nil || res.Status != RunWaiting {
		t.Fatalf("first execute: status=%s err=%v", res.Status, err)
	}

	now.Store(clock().Add(2 * time.Hour))
	res, err = e.Execute(ctx, d, "run-1", nil)
	if !errors.Is(err, ErrExternalWaitTimeout) {
		t.Fatalf("err = %v, want ErrExternalWaitTimeout", err)
	}
	if res.Status != RunFailed || res.FailedNode != "gate" {
		t.Errorf("status=%s failed=%s", res.Status, res.FailedNode)
	}
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	spec := Spec{
		Name: "slow",
		Nodes: []Node{{
			ID: "block", Outputs: []string{"o"},
			Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
				close(started)
				<-ctx.Done()
				return Outcome{}, ctx.Err()
			},
		}},
		Outputs: map[string]Port{"o": {Node: "block", Output: "o"}},
	}
	d, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())

	type outcome struct {
		res RunResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := e.Execute(context.Background(), d, "run-1", nil)
		ch <- outcome{res, err}
	}()

	<-started
	if !e.Cancel("run-1") {
		t.Fatal("Cancel returned false for in-flight run")
	}
	got := <-ch
	if !errors.Is(got.err, ErrRunCancelled) {
		t.Fatalf("err = %v, want ErrRunCancelled", got.err)
	}
	if got.res.Status != RunCancelled {
		t.Errorf("status = %s, want cancelled", got.res.Status)
	}
	if e.Cancel("run-1") {
		t.Error("Cancel returned true for finished run")
	}
}

func TestRunInProgress(t *testing.T) {
	var calls int64
	d, err := Build(pipelineSpec(&calls, &calls, &calls, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st := store.NewMemStore()
	e := newTestEngine(t, st)
	ctx := context.Background()

	if err := st.AcquireLease(ctx, "run-1", "another-owner", time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	_, err = e.Execute(ctx, d, "run-1", Values{"seed": float64(1)})
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	if calls != 0 {
		t.Errorf("nodes invoked while lease held: %d", calls)
	}
}

func TestRunInProgressSameEngine(t *testing.T) {
	var inflight, peak int64
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	spec := Spec{
		Name: "slow",
		Nodes: []Node{{
			ID: "block", Outputs: []string{"o"},
			Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
				n := atomic.AddInt64(&inflight, 1)
				defer atomic.AddInt64(&inflight, -1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				started <- struct{}{}
				<-release
				return Done(Values{"o": true}), nil
			},
		}},
		Outputs: map[string]Port{"o": {Node: "block", Output: "o"}},
	}
	d, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), d, "run-1", nil)
		done <- err
	}()
	<-started

	// Same engine, same run id: the second Execute must fail fast
	// without invoking anything, even though the store lease owner
	// matches.
	_, err = e.Execute(context.Background(), d, "run-1", nil)
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("concurrent execute err = %v, want ErrRunInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if got := atomic.LoadInt64(&peak); got != 1 {
		t.Errorf("peak concurrent invocations = %d, want 1", got)
	}

	// The run is released once the first Execute returns.
	if _, err := e.Execute(context.Background(), d, "run-1", nil); err != nil {
		t.Errorf("execute after release: %v", err)
	}
}

func TestResumeAfterProcessCrash(t *testing.T) {
	// A process kill leaves checkpoints behind but no status marker.
	// Seed the store the way a killed run would have left it and verify
	// a plain re-Execute picks up from the latest checkpoint, no
	// RetryNode needed.
	type progress struct {
		Next int `json:"next"`
		Sum  int `json:"sum"`
	}

	var invocations, processed int64
	var lastResume progress

	spec := Spec{
		Name: "loop",
		Nodes: []Node{{
			ID: "loop", Outputs: []string{"sum"},
			Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
				atomic.AddInt64(&invocations, 1)
				var p progress
				if inv.Resume != nil {
					if err := json.Unmarshal(inv.Resume, &p); err != nil {
						return Outcome{}, err
					}
					lastResume = p
				}
				for ; p.Next < 5; p.Next++ {
					atomic.AddInt64(&processed, 1)
					p.Sum += p.Next + 1
					snapshot, err := json.Marshal(progress{Next: p.Next + 1, Sum: p.Sum})
					if err != nil {
						return Outcome{}, err
					}
					if err := inv.Checkpoint(ctx, snapshot); err != nil {
						return Outcome{}, err
					}
				}
				return Done(Values{"sum": p.Sum}), nil
			},
		}},
		Outputs: map[string]Port{"sum": {Node: "loop", Output: "sum"}},
	}
	d, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st := store.NewMemStore()
	ctx := context.Background()

	// Two checkpoints written, then the process died mid-item three.
	for step := 1; step <= 2; step++ {
		snapshot, err := json.Marshal(progress{Next: step, Sum: step * (step + 1) / 2})
		if err != nil {
			t.Fatal(err)
		}
		if err := st.PutCheckpoint(ctx, "run-1", "loop", step, snapshot); err != nil {
			t.Fatalf("PutCheckpoint: %v", err)
		}
	}

	e := newTestEngine(t, st)
	res, err := e.Execute(ctx, d, "run-1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted || res.Outputs["sum"] != float64(15) {
		t.Fatalf("status=%s sum=%v, want completed 15", res.Status, res.Outputs["sum"])
	}
	if invocations != 1 {
		t.Errorf("node invoked %d times, want exactly 1", invocations)
	}
	if lastResume.Next != 2 || lastResume.Sum != 3 {
		t.Errorf("resume payload = %+v, want latest checkpoint {2 3}", lastResume)
	}
	// Items one and two were done before the crash.
	if processed != 3 {
		t.Errorf("items processed on resume = %d, want 3", processed)
	}
}

func TestBestEffortFailure(t *testing.T) {
	var depCalls int64
	spec := Spec{
		Name: "besteffort",
		Nodes: []Node{
			{ID: "main", Outputs: []string{"o"},
				Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
					return Done(Values{"o": "done"}), nil
				}},
			{ID: "opt", Outputs: []string{"extra"}, BestEffort: true,
				Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
					return Outcome{}, errors.New("flaky sidecar")
				}},
			{ID: "dep", Inputs: []string{"extra"}, Outputs: []string{"d"},
				Run: counting(&depCalls, func(ctx context.Context, inv *Invocation) (Outcome, error) {
					return Done(Values{"d": true}), nil
				})},
		},
		Edges:   []Edge{{From: "opt", Output: "extra", To: "dep", Input: "extra"}},
		Outputs: map[string]Port{"o": {Node: "main", Output: "o"}},
	}
	d, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())

	res, err := e.Execute(context.Background(), d, "run-1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.Nodes["opt"] != StatusFailed {
		t.Errorf("opt status = %s, want failed", res.Nodes["opt"])
	}
	if res.Nodes["dep"] != StatusPending {
		t.Errorf("dep status = %s, want pending", res.Nodes["dep"])
	}
	if depCalls != 0 {
		t.Errorf("dependent of failed best-effort node invoked %d times", depCalls)
	}
}

func TestBestEffortFailureBlockingOutput(t *testing.T) {
	spec := Spec{
		Name: "besteffort",
		Nodes: []Node{
			{ID: "opt", Outputs: []string{"o"}, BestEffort: true,
				Run: func(ctx context.Context, inv *Invocation) (Outcome, error) {
					return Outcome{}, errors.New("flaky")
				}},
		},
		Outputs: map[string]Port{"o": {Node: "opt", Output: "o"}},
	}
	d, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())

	res, err := e.Execute(context.Background(), d, "run-1", nil)
	if err == nil || res.Status != RunFailed {
		t.Fatalf("status=%s err=%v, want failed", res.Status, err)
	}
	if res.FailedNode != "opt" {
		t.Errorf("failed node = %q, want opt", res.FailedNode)
	}
}

// flakyStore fails a configurable number of MarkCompleted calls before
// recovering, to exercise the bounded retry policy.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	failures  int
	attempted int
}

func (f *flakyStore) MarkCompleted(ctx context.Context, runID, nodeID string, output []byte) error {
	f.mu.Lock()
	f.attempted++
	fail := f.attempted <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.Store.MarkCompleted(ctx, runID, nodeID, output)
}

func TestStoreRetryRecovers(t *testing.T) {
	var calls int64
	d, err := Build(pipelineSpec(&calls, &calls, &calls, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st := &flakyStore{Store: store.NewMemStore(), failures: 2}
	e := newTestEngine(t, st)

	res, err := e.Execute(context.Background(), d, "run-1", Values{"seed": float64(1)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
}

func TestStoreFailureIsFatal(t *testing.T) {
	var calls int64
	d, err := Build(pipelineSpec(&calls, &calls, &calls, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st := &flakyStore{Store: store.NewMemStore(), failures: 1000}
	e := newTestEngine(t, st)

	res, err := e.Execute(context.Background(), d, "run-1", Values{"seed": float64(1)})
	var serr *StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *StoreError", err)
	}
	if res.Status != RunFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestExecuteArgumentValidation(t *testing.T) {
	var calls int64
	d, err := Build(pipelineSpec(&calls, &calls, &calls, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newTestEngine(t, store.NewMemStore())
	ctx := context.Background()

	if _, err := e.Execute(ctx, nil, "run-1", nil); err == nil {
		t.Error("nil definition accepted")
	}
	if _, err := e.Execute(ctx, d, "", Values{"seed": float64(1)}); err == nil {
		t.Error("empty run id accepted")
	}
	if _, err := e.Execute(ctx, d, "run-1", nil); err == nil {
		t.Error("missing graph input accepted")
	}
}
