package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters and histograms to Prometheus. Wire
// with WithMetrics; a nil Metrics disables collection.
type Metrics struct {
	inflightBranches prometheus.Gauge
	nodeDuration     *prometheus.HistogramVec
	storeRetries     prometheus.Counter
	checkpoints      prometheus.Counter
	nodesResumed     prometheus.Counter
	runsFinished     *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on reg. Use
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inflightBranches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rungraph_inflight_branches",
			Help: "Fan-out branches currently executing.",
		}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rungraph_node_duration_seconds",
			Help:    "Wall time per node invocation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"node"}),
		storeRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "rungraph_store_retries_total",
			Help: "Checkpoint store operations retried after transient failure.",
		}),
		checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Name: "rungraph_checkpoints_written_total",
			Help: "Durable checkpoints written.",
		}),
		nodesResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rungraph_nodes_resumed_total",
			Help: "Node invocations that started from a stored checkpoint.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rungraph_runs_finished_total",
			Help: "Runs finished, by terminal status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) branchStarted() {
	if m != nil {
		m.inflightBranches.Inc()
	}
}

func (m *Metrics) branchDone() {
	if m != nil {
		m.inflightBranches.Dec()
	}
}

func (m *Metrics) observeNode(node string, d time.Duration) {
	if m != nil {
		m.nodeDuration.WithLabelValues(node).Observe(d.Seconds())
	}
}

func (m *Metrics) storeRetried() {
	if m != nil {
		m.storeRetries.Inc()
	}
}

func (m *Metrics) checkpointWritten() {
	if m != nil {
		m.checkpoints.Inc()
	}
}

func (m *Metrics) nodeResumed() {
	if m != nil {
		m.nodesResumed.Inc()
	}
}

func (m *Metrics) runFinished(status RunStatus) {
	if m != nil {
		m.runsFinished.WithLabelValues(string(status)).Inc()
	}
}
