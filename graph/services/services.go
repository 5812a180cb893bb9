// Package services provides the capability facade handed to node
// bodies.
//
// A Bundle collects the process-wide capability implementations
// (channel, memory, kv, retrieval, chat model, artifacts, tools,
// logger). The engine scopes a Bundle per invocation with For, and the
// resulting Context is what a node body sees: every call is already
// tagged with the run id and node id, so node code never threads
// identity by hand.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/dshills/rungraph/graph/model"
	"github.com/dshills/rungraph/graph/tool"
)

// Bundle holds the capability implementations shared by all runs.
type Bundle struct {
	channel   Channel
	memory    *EventLog
	kv        *KV
	retrieval Retrieval
	chat      model.ChatModel
	artifacts *Artifacts
	tools     *tool.Registry
	logger    *slog.Logger
	costs     *model.CostTracker
}

// BundleOption configures a Bundle.
type BundleOption func(*Bundle)

// WithChannel sets the user-interaction channel.
func WithChannel(ch Channel) BundleOption {
	return func(b *Bundle) { b.channel = ch }
}

// WithChatModel sets the chat model. Usage flows into the bundle's cost
// tracker.
func WithChatModel(m model.ChatModel) BundleOption {
	return func(b *Bundle) { b.chat = m }
}

// WithRetrieval sets the retrieval backend.
func WithRetrieval(r Retrieval) BundleOption {
	return func(b *Bundle) { b.retrieval = r }
}

// WithArtifacts sets the artifact store.
func WithArtifacts(a *Artifacts) BundleOption {
	return func(b *Bundle) { b.artifacts = a }
}

// WithTools sets the tool registry.
func WithTools(r *tool.Registry) BundleOption {
	return func(b *Bundle) { b.tools = r }
}

// WithLogger sets the base structured logger.
func WithLogger(l *slog.Logger) BundleOption {
	return func(b *Bundle) { b.logger = l }
}

// NewBundle creates a Bundle with in-process defaults: console channel,
// in-memory event log, kv, retrieval index, temp-dir artifact store,
// empty tool registry, mock chat model, slog default logger.
func NewBundle(opts ...BundleOption) *Bundle {
	b := &Bundle{
		channel:   NewConsoleChannel(),
		memory:    NewEventLog(),
		kv:        NewKV(),
		retrieval: NewMemoryRetrieval(nil),
		chat:      &model.MockChatModel{},
		artifacts: NewArtifacts(""),
		tools:     tool.NewRegistry(),
		logger:    slog.Default(),
		costs:     model.NewCostTracker(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Costs exposes accumulated model spend across all runs on this bundle.
func (b *Bundle) Costs() *model.CostTracker { return b.costs }

// For scopes the bundle to one invocation.
func (b *Bundle) For(runID, nodeID string) *Context {
	return &Context{
		bundle: b,
		runID:  runID,
		nodeID: nodeID,
	}
}

// Context is the invocation-scoped capability view. All methods tag
// their effects with the owning run id and node id.
type Context struct {
	bundle *Bundle
	runID  string
	nodeID string
}

// RunID returns the owning run id.
func (c *Context) RunID() string { return c.runID }

// NodeID returns the owning node id, including any branch suffix.
func (c *Context) NodeID() string { return c.nodeID }

// SendText posts a message to the user channel.
func (c *Context) SendText(ctx context.Context, text string) error {
	return c.bundle.channel.SendText(ctx, text)
}

// AskText asks the user a free-form question.
func (c *Context) AskText(ctx context.Context, prompt string) (string, error) {
	return c.bundle.channel.AskText(ctx, prompt)
}

// AskApproval asks the user a yes/no question.
func (c *Context) AskApproval(ctx context.Context, prompt string) (bool, error) {
	return c.bundle.channel.AskApproval(ctx, prompt)
}

// Record appends an event to the run's memory log and returns its id.
func (c *Context) Record(kind string, data map[string]any, tags ...string) (string, error) {
	return c.bundle.memory.Record(c.runID, c.nodeID, kind, data, tags)
}

// Recent returns the run's newest events of the given kinds, newest
// first. Empty kinds means all kinds.
func (c *Context) Recent(kinds []string, limit int) []MemoryEvent {
	return c.bundle.memory.Recent(c.runID, kinds, limit)
}

// Set stores a value in the shared key-value store. ttl <= 0 means no
// expiry.
func (c *Context) Set(key string, value any, ttl time.Duration) {
	c.bundle.kv.Set(key, value, ttl)
}

// Get reads a value from the shared key-value store, returning def when
// absent or expired.
func (c *Context) Get(key string, def any) any {
	return c.bundle.kv.Get(key, def)
}

// UpsertDocs adds or replaces documents in a retrieval corpus.
func (c *Context) UpsertDocs(ctx context.Context, corpus string, docs []Document) error {
	return c.bundle.retrieval.UpsertDocs(ctx, corpus, docs)
}

// Answer answers a question from a corpus, citing the passages used.
func (c *Context) Answer(ctx context.Context, corpus, question string, k int) (Answer, error) {
	return c.bundle.retrieval.Answer(ctx, corpus, question, k)
}

// Chat calls the bundle's chat model, feeding usage into the cost
// tracker.
func (c *Context) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	out, err := c.bundle.chat.Chat(ctx, messages, tools)
	if err == nil {
		c.bundle.costs.Add(out.Model, out.Usage)
	}
	return out, err
}

// SaveText stores text as an artifact and returns its uri.
func (c *Context) SaveText(name, text string, meta map[string]string) (string, error) {
	return c.bundle.artifacts.SaveText(c.runID, name, text, meta)
}

// SaveFile copies a local file into the artifact store and returns its
// uri.
func (c *Context) SaveFile(name, path string, meta map[string]string) (string, error) {
	return c.bundle.artifacts.SaveFile(c.runID, name, path, meta)
}

// SearchArtifacts ranks stored artifacts against the query.
func (c *Context) SearchArtifacts(query string, limit int) []ArtifactHit {
	return c.bundle.artifacts.Search(query, limit)
}

// CallTool invokes a registered tool by name.
func (c *Context) CallTool(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	return c.bundle.tools.Call(ctx, name, input)
}

// Tools exposes the tool registry, e.g. to pass Specs to Chat.
func (c *Context) Tools() *tool.Registry { return c.bundle.tools }

// Logger returns the structured logger tagged with run and node ids.
func (c *Context) Logger() *slog.Logger {
	return c.bundle.logger.With("run_id", c.runID, "node_id", c.nodeID)
}
