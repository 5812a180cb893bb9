package graph

import (
	"time"

	"github.com/dshills/rungraph/graph/emit"
	"github.com/dshills/rungraph/graph/services"
)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithEmitter sets the observability event sink. Defaults to a
// NullEmitter.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithServices sets the capability bundle scoped into every node
// invocation. Defaults to services.NewBundle().
func WithServices(b *services.Bundle) Option {
	return func(e *Engine) { e.services = b }
}

// WithStoreRetry sets the bounded retry policy for checkpoint-store
// operations. Defaults to DefaultStoreRetry.
func WithStoreRetry(r StoreRetry) Option {
	return func(e *Engine) { e.retry = r }
}

// WithWaitDeadline bounds how long a node may stay suspended on an
// external event, measured from its first suspension. When exceeded,
// Execute fails the run with ErrExternalWaitTimeout; the node's
// checkpoints are preserved for a later resume. Zero (the default)
// means no deadline.
func WithWaitDeadline(d time.Duration) Option {
	return func(e *Engine) { e.waitDeadline = d }
}

// WithNodeTimeout bounds the wall time of a single node invocation.
// Zero (the default) means no timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.nodeTimeout = d }
}

// WithLeaseTTL sets how long an Execute call's exclusive claim on a run
// id outlives a crash. Defaults to two minutes.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = d }
}

// WithClock injects the time source, a test seam for wait deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}
