package chainsync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is the subsystem identifier for all metrics exposed by
	// this package.
	MetricsSubsystem = "chainsync"
)

// Metrics contains metrics exposed by the chainsync package.
type Metrics struct {
	// Whether or not the node is major syncing. 1 if yes, 0 if no.
	Syncing metrics.Gauge

	// Number of connected peers tracked by the engine.
	Peers metrics.Gauge

	// Number of blocks currently sitting in the import queue.
	QueuedBlocks metrics.Gauge

	// Number of fork targets currently registered.
	ForkTargets metrics.Gauge

	// Number of justification requests waiting for a peer.
	PendingJustifications metrics.Gauge

	// Number of justification requests in flight.
	ActiveJustifications metrics.Gauge

	// Total number of blocks downloaded since startup.
	DownloadedBlocks metrics.Counter
}

// PrometheusMetrics returns Metrics built using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo", "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Syncing: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "syncing",
			Help:      "Whether or not the node is major syncing. 1 if yes, 0 if no.",
		}, labels).With(labelsAndValues...),
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of connected peers tracked by the engine.",
		}, labels).With(labelsAndValues...),
		QueuedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued_blocks",
			Help:      "Number of blocks currently sitting in the import queue.",
		}, labels).With(labelsAndValues...),
		ForkTargets: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fork_targets",
			Help:      "Number of fork targets currently registered.",
		}, labels).With(labelsAndValues...),
		PendingJustifications: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_justifications",
			Help:      "Number of justification requests waiting for a peer.",
		}, labels).With(labelsAndValues...),
		ActiveJustifications: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_justifications",
			Help:      "Number of justification requests in flight.",
		}, labels).With(labelsAndValues...),
		DownloadedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloaded_blocks_total",
			Help:      "Total number of blocks downloaded since startup.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Syncing:               discard.NewGauge(),
		Peers:                 discard.NewGauge(),
		QueuedBlocks:          discard.NewGauge(),
		ForkTargets:           discard.NewGauge(),
		PendingJustifications: discard.NewGauge(),
		ActiveJustifications:  discard.NewGauge(),
		DownloadedBlocks:      discard.NewCounter(),
	}
}
