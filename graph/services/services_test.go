package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dshills/rungraph/graph/model"
)

func TestKVTTL(t *testing.T) {
	kv := NewKV()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	kv.now = func() time.Time { return now }

	kv.Set("plain", 42, 0)
	kv.Set("expiring", "soon", time.Minute)

	if got := kv.Get("plain", nil); got != 42 {
		t.Errorf("plain = %v", got)
	}
	if got := kv.Get("expiring", nil); got != "soon" {
		t.Errorf("expiring = %v", got)
	}
	if got := kv.Get("absent", "default"); got != "default" {
		t.Errorf("absent = %v", got)
	}

	now = now.Add(2 * time.Minute)
	if got := kv.Get("expiring", "gone"); got != "gone" {
		t.Errorf("expired key = %v, want default", got)
	}
	if got := kv.Get("plain", nil); got != 42 {
		t.Errorf("plain expired unexpectedly: %v", got)
	}

	kv.Delete("plain")
	if got := kv.Get("plain", nil); got != nil {
		t.Errorf("deleted key = %v", got)
	}
}

func TestEventLogRecent(t *testing.T) {
	log := NewEventLog()
	for i, kind := range []string{"note", "decision", "note", "tool_call"} {
		id, err := log.Record("run-1", "n1", kind, map[string]any{"i": i}, nil)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if id == "" {
			t.Fatal("empty event id")
		}
	}
	if _, err := log.Record("run-2", "n1", "note", nil, nil); err != nil {
		t.Fatal(err)
	}

	all := log.Recent("run-1", nil, 0)
	if len(all) != 4 {
		t.Fatalf("all = %d events, want 4", len(all))
	}
	// Newest first.
	if all[0].Kind != "tool_call" {
		t.Errorf("first = %s, want tool_call", all[0].Kind)
	}

	notes := log.Recent("run-1", []string{"note"}, 1)
	if len(notes) != 1 || notes[0].Data["i"] != 2 {
		t.Errorf("notes = %+v", notes)
	}
	if log.Len("run-2") != 1 {
		t.Errorf("run-2 len = %d", log.Len("run-2"))
	}
}

func TestMemoryRetrievalExtractive(t *testing.T) {
	r := NewMemoryRetrieval(nil)
	ctx := context.Background()

	docs := []Document{
		{ID: "go", Text: "The Go scheduler multiplexes goroutines onto OS threads."},
		{ID: "cooking", Text: "Caramelize onions slowly over low heat for best flavor."},
		{ID: "gc", Text: "The Go garbage collector runs concurrently with the program."},
	}
	if err := r.UpsertDocs(ctx, "kb", docs); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ans, err := r.Answer(ctx, "kb", "how does the Go scheduler handle goroutines?", 2)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(ans.Citations) == 0 || ans.Citations[0].DocID != "go" {
		t.Fatalf("citations = %+v, want go first", ans.Citations)
	}
	if !strings.Contains(ans.Text, "scheduler") {
		t.Errorf("extractive answer = %q", ans.Text)
	}

	empty, err := r.Answer(ctx, "kb", "zzz qqq", 2)
	if err != nil {
		t.Fatalf("no-hit answer: %v", err)
	}
	if len(empty.Citations) != 0 {
		t.Errorf("no-hit citations = %+v", empty.Citations)
	}
}

func TestMemoryRetrievalSynthesized(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "goroutines are multiplexed"}}}
	r := NewMemoryRetrieval(mock)
	ctx := context.Background()

	if err := r.UpsertDocs(ctx, "kb", []Document{
		{ID: "go", Text: "The Go scheduler multiplexes goroutines onto OS threads."},
	}); err != nil {
		t.Fatal(err)
	}
	ans, err := r.Answer(ctx, "kb", "goroutines scheduler", 1)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if ans.Text != "goroutines are multiplexed" {
		t.Errorf("text = %q", ans.Text)
	}
	if mock.CallCount() != 1 {
		t.Errorf("model calls = %d", mock.CallCount())
	}
	// The prompt must carry the retrieved passage.
	prompt := mock.Calls[0].Messages[1].Content
	if !strings.Contains(prompt, "multiplexes") {
		t.Errorf("prompt missing passage: %q", prompt)
	}
}

func TestArtifacts(t *testing.T) {
	a := NewArtifacts(t.TempDir())

	uri, err := a.SaveText("run-1", "report.md", "# Findings", map[string]string{"topic": "latency"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(uri, "file://") {
		t.Errorf("uri = %q", uri)
	}

	if _, err := a.SaveText("run-1", "../escape", "x", nil); err == nil {
		t.Error("path traversal accepted")
	}

	// Re-saving the same name replaces the entry instead of duplicating.
	if _, err := a.SaveText("run-1", "report.md", "# Findings v2", nil); err != nil {
		t.Fatal(err)
	}
	hits := a.Search("report", 10)
	if len(hits) != 1 {
		t.Fatalf("hits = %+v, want 1", hits)
	}

	if _, err := a.SaveText("run-2", "latency-notes.md", "notes", nil); err != nil {
		t.Fatal(err)
	}
	hits = a.Search("latency notes", 10)
	if len(hits) == 0 || hits[0].Name != "latency-notes.md" {
		t.Errorf("ranked hits = %+v", hits)
	}
}

func TestScriptChannel(t *testing.T) {
	ch := NewScriptChannel("blue", "yes")
	ctx := context.Background()

	if err := ch.SendText(ctx, "starting"); err != nil {
		t.Fatal(err)
	}
	answer, err := ch.AskText(ctx, "favorite color?")
	if err != nil || answer != "blue" {
		t.Fatalf("answer = (%q, %v)", answer, err)
	}
	ok, err := ch.AskApproval(ctx, "proceed?")
	if err != nil || !ok {
		t.Fatalf("approval = (%v, %v)", ok, err)
	}
	if _, err := ch.AskText(ctx, "anything else?"); err == nil {
		t.Error("exhausted channel answered")
	}
	if got := ch.Sent(); len(got) != 4 {
		t.Errorf("sent = %v", got)
	}
}

func TestBundleScoping(t *testing.T) {
	script := NewScriptChannel("fine")
	b := NewBundle(WithChannel(script))
	sc := b.For("run-9", "ask")

	if sc.RunID() != "run-9" || sc.NodeID() != "ask" {
		t.Errorf("scope = %s/%s", sc.RunID(), sc.NodeID())
	}

	if _, err := sc.Record("note", map[string]any{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	events := sc.Recent(nil, 0)
	if len(events) != 1 || events[0].RunID != "run-9" || events[0].NodeID != "ask" {
		t.Errorf("events = %+v", events)
	}

	// Another run sees its own log only.
	other := b.For("run-10", "ask")
	if got := other.Recent(nil, 0); len(got) != 0 {
		t.Errorf("cross-run events = %+v", got)
	}

	out, err := sc.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text == "" {
		t.Error("empty mock chat response")
	}
}
