package model

import (
	"context"
	"fmt"
	"sync"
)

// Pricing is USD per one million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultPricing covers the models the provider adapters default to.
// Prices as of 2025-06; update as providers adjust.
var defaultPricing = map[string]Pricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// CostTracker accumulates token usage and estimated spend across model
// calls, grouped by model name. Thread-safe.
type CostTracker struct {
	mu      sync.Mutex
	pricing map[string]Pricing
	byModel map[string]ModelCost
}

// ModelCost is the accumulated usage for one model.
type ModelCost struct {
	Calls        int
	InputTokens  int
	OutputTokens int
	USD          float64
}

// NewCostTracker creates a tracker with the built-in pricing table.
func NewCostTracker() *CostTracker {
	return &CostTracker{
		pricing: defaultPricing,
		byModel: make(map[string]ModelCost),
	}
}

// SetPricing overrides or adds pricing for a model.
func (c *CostTracker) SetPricing(mdl string, p Pricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	np := make(map[string]Pricing, len(c.pricing)+1)
	for k, v := range c.pricing {
		np[k] = v
	}
	np[mdl] = p
	c.pricing = np
}

// Add records usage from one call. Models without a pricing entry
// accumulate tokens with zero spend.
func (c *CostTracker) Add(mdl string, u Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pricing[mdl]
	mc := c.byModel[mdl]
	mc.Calls++
	mc.InputTokens += u.InputTokens
	mc.OutputTokens += u.OutputTokens
	mc.USD += float64(u.InputTokens)/1e6*p.InputPer1M +
		float64(u.OutputTokens)/1e6*p.OutputPer1M
	c.byModel[mdl] = mc
}

// Total returns the summed spend across all models.
func (c *CostTracker) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total float64
	for _, mc := range c.byModel {
		total += mc.USD
	}
	return total
}

// ByModel returns a copy of the per-model breakdown.
func (c *CostTracker) ByModel() map[string]ModelCost {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ModelCost, len(c.byModel))
	for k, v := range c.byModel {
		out[k] = v
	}
	return out
}

// Summary renders a short human-readable report.
func (c *CostTracker) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total float64
	s := ""
	for mdl, mc := range c.byModel {
		s += fmt.Sprintf("%s: %d calls, %d in / %d out tokens, $%.4f\n",
			mdl, mc.Calls, mc.InputTokens, mc.OutputTokens, mc.USD)
		total += mc.USD
	}
	s += fmt.Sprintf("total: $%.4f", total)
	return s
}

// Tracked wraps a ChatModel so every call's usage feeds the tracker.
func Tracked(inner ChatModel, tracker *CostTracker) ChatModel {
	return &trackedModel{inner: inner, tracker: tracker}
}

type trackedModel struct {
	inner   ChatModel
	tracker *CostTracker
}

func (t *trackedModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	out, err := t.inner.Chat(ctx, messages, tools)
	if err == nil {
		t.tracker.Add(out.Model, out.Usage)
	}
	return out, err
}
