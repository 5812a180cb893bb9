package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

// LogEmitter writes events to an io.Writer, one line per event.
//
// Two formats are supported: a human-readable text format for terminals
// and JSONL for log pipelines. Writes are serialized with a mutex so
// concurrent branches produce whole lines.
type LogEmitter struct {
	mu    sync.Mutex
	w     io.Writer
	jsonl bool
}

// NewLogEmitter creates a text-format emitter writing to w.
func NewLogEmitter(w io.Writer) *LogEmitter {
	return &LogEmitter{w: w}
}

// NewJSONLEmitter creates a JSONL emitter writing to w.
func NewJSONLEmitter(w io.Writer) *LogEmitter {
	return &LogEmitter{w: w, jsonl: true}
}

// Emit writes the event as a single line. Write errors are ignored; an
// observability sink must not fail the run.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonl {
		b, err := json.Marshal(event)
		if err != nil {
			return
		}
		_, _ = l.w.Write(append(b, '\n'))
		return
	}

	line := fmt.Sprintf("%s run=%s", event.Time.Format("15:04:05.000"), event.RunID)
	if event.NodeID != "" {
		line += " node=" + event.NodeID
	}
	if event.Step != 0 {
		line += fmt.Sprintf(" step=%d", event.Step)
	}
	line += " " + event.Msg
	for _, k := range sortedKeys(event.Meta) {
		line += fmt.Sprintf(" %s=%v", k, event.Meta[k])
	}
	_, _ = fmt.Fprintln(l.w, line)
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
