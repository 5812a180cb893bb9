package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store.
//
// Designed for tests, development, and short-lived runs where durability
// across processes isn't required. Thread-safe; branches of a fan-out
// region may write concurrently.
//
// For crash-surviving persistence use SQLiteStore or MySQLStore.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]checkpointRec // runID|nodeID -> ascending steps
	statuses    map[string]map[string]NodeState
	runStatus   map[string]string
	leases      map[string]leaseRec

	// now is a test seam for lease expiry.
	now func() time.Time
}

type checkpointRec struct {
	step    int
	payload []byte
}

type leaseRec struct {
	owner   string
	expires time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string][]checkpointRec),
		statuses:    make(map[string]map[string]NodeState),
		runStatus:   make(map[string]string),
		leases:      make(map[string]leaseRec),
		now:         time.Now,
	}
}

func key(runID, nodeID string) string { return runID + "\x00" + nodeID }

// PutCheckpoint appends a snapshot. The payload is copied so callers may
// reuse their buffer.
func (m *MemStore) PutCheckpoint(_ context.Context, runID, nodeID string, step int, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(runID, nodeID)
	recs := m.checkpoints[k]
	if n := len(recs); n > 0 && step <= recs[n-1].step {
		return ErrStaleCheckpoint
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.checkpoints[k] = append(recs, checkpointRec{step: step, payload: cp})
	return nil
}

func (m *MemStore) LatestCheckpoint(_ context.Context, runID, nodeID string) (int, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.checkpoints[key(runID, nodeID)]
	if len(recs) == 0 {
		return 0, nil, ErrNotFound
	}
	last := recs[len(recs)-1]
	out := make([]byte, len(last.payload))
	copy(out, last.payload)
	return last.step, out, nil
}

func (m *MemStore) MarkCompleted(_ context.Context, runID, nodeID string, output []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(output))
	copy(cp, output)
	m.setStatus(runID, nodeID, NodeState{Status: "completed", Output: cp})
	return nil
}

func (m *MemStore) Completed(_ context.Context, runID, nodeID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.statuses[runID][nodeID]
	if !ok || st.Status != "completed" {
		return nil, ErrNotFound
	}
	out := make([]byte, len(st.Output))
	copy(out, st.Output)
	return out, nil
}

func (m *MemStore) MarkFailed(_ context.Context, runID, nodeID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setStatus(runID, nodeID, NodeState{Status: "failed", Failure: reason})
	return nil
}

func (m *MemStore) MarkWaiting(_ context.Context, runID, nodeID, event string, since time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Preserve the original suspension time across repeated waits on the
	// same event; deadlines measure from the first wait.
	if prev, ok := m.statuses[runID][nodeID]; ok && prev.Status == "waiting" && prev.WaitEvent == event {
		since = prev.WaitSince
	}
	m.setStatus(runID, nodeID, NodeState{Status: "waiting", WaitEvent: event, WaitSince: since})
	return nil
}

func (m *MemStore) ClearStatus(_ context.Context, runID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses[runID], nodeID)
	return nil
}

func (m *MemStore) NodeStatuses(_ context.Context, runID string) (map[string]NodeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]NodeState, len(m.statuses[runID]))
	for id, st := range m.statuses[runID] {
		out[id] = st
	}
	return out, nil
}

func (m *MemStore) AcquireLease(_ context.Context, runID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[runID]; ok && l.owner != owner && now.Before(l.expires) {
		return ErrLeaseHeld
	}
	m.leases[runID] = leaseRec{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *MemStore) ReleaseLease(_ context.Context, runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[runID]; ok && l.owner == owner {
		delete(m.leases, runID)
	}
	return nil
}

func (m *MemStore) SetRunStatus(_ context.Context, runID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runStatus[runID] = status
	return nil
}

func (m *MemStore) RunStatus(_ context.Context, runID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.runStatus[runID]
	if !ok {
		return "", ErrNotFound
	}
	return st, nil
}

// setStatus must be called with the write lock held.
func (m *MemStore) setStatus(runID, nodeID string, st NodeState) {
	byNode := m.statuses[runID]
	if byNode == nil {
		byNode = make(map[string]NodeState)
		m.statuses[runID] = byNode
	}
	byNode[nodeID] = st
}
