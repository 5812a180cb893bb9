package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryEvent is one record in a run's append-only memory log.
type MemoryEvent struct {
	ID     string
	RunID  string
	NodeID string
	Kind   string
	Data   map[string]any
	Tags   []string
	At     time.Time
}

// EventLog is the in-process memory capability: an append-only,
// per-run event log queryable by kind. Thread-safe.
type EventLog struct {
	mu     sync.RWMutex
	byRun  map[string][]MemoryEvent
	now    func() time.Time
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{byRun: make(map[string][]MemoryEvent), now: time.Now}
}

// Record appends an event and returns its generated id.
func (l *EventLog) Record(runID, nodeID, kind string, data map[string]any, tags []string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := MemoryEvent{
		ID:     uuid.NewString(),
		RunID:  runID,
		NodeID: nodeID,
		Kind:   kind,
		Data:   data,
		Tags:   tags,
		At:     l.now(),
	}
	l.byRun[runID] = append(l.byRun[runID], ev)
	return ev.ID, nil
}

// Recent returns the newest events for the run, newest first, filtered
// to the given kinds. Empty kinds means all kinds; limit <= 0 means no
// limit.
func (l *EventLog) Recent(runID string, kinds []string, limit int) []MemoryEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	wanted := func(kind string) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if k == kind {
				return true
			}
		}
		return false
	}

	events := l.byRun[runID]
	var out []MemoryEvent
	for i := len(events) - 1; i >= 0; i-- {
		if !wanted(events[i].Kind) {
			continue
		}
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len returns the number of events recorded for the run.
func (l *EventLog) Len(runID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byRun[runID])
}
