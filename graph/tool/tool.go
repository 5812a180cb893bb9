// Package tool defines the executable tool surface exposed to nodes.
//
// A Tool is a named, schema-described action a node (or a chat model
// through a node) can invoke: an HTTP call, a calculation, a lookup.
// Registry collects tools by name and derives the model.ToolSpec list
// handed to chat providers.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/rungraph/graph/model"
)

// Tool is a callable action with a stable name and input schema.
//
// Implementations should validate required inputs, respect context
// cancellation, and return structured output.
type Tool interface {
	// Name is the unique identifier, lowercase with underscores.
	Name() string

	// Description tells a model when to use the tool.
	Description() string

	// Schema is a JSON Schema object describing the input.
	Schema() map[string]any

	// Call executes the tool.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Registry is a named collection of tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Call invokes the named tool.
func (r *Registry) Call(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("tool %q not registered", name)
	}
	return t.Call(ctx, input)
}

// Specs returns the registered tools as model specs, sorted by name for
// deterministic prompts.
func (r *Registry) Specs() []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]model.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, model.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
