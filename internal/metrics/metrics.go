// Package metrics wires the publisher, router, and stream manager's
// counters into a shared prometheus.Registry, alongside a kprom.Metrics
// instance for each owned kgo.Client's own fetch/produce counters. This is
// the concrete home for spec.md §4.2's health() counters and §8 scenario 6's
// rates.not_current.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/plugin/kprom"
)

// Publisher holds the counters a TransactionalPublisher updates every flush
// cycle and retirement pass.
type Publisher struct {
	InFlight        prometheus.Gauge
	PendingWrites   prometheus.Gauge
	PendingInits    prometheus.Gauge
	NotCurrentTotal prometheus.Counter
	TxnDuration     prometheus.Histogram
	FlushesTotal    prometheus.Counter
	FencedTotal     prometheus.Counter
	Client          *kprom.Metrics
}

// NewPublisher registers one partition's publisher metrics under reg,
// labeled by partition so multiple publishers in one process do not
// collide.
func NewPublisher(reg prometheus.Registerer, partition uint32) *Publisher {
	factory := promauto.With(prometheus.WrapRegistererWith(
		prometheus.Labels{"partition": strconv.Itoa(int(partition))}, reg))

	return &Publisher{
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eventcore_publisher_in_flight",
			Help: "Number of entity keys currently tracked as in-flight.",
		}),
		PendingWrites: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eventcore_publisher_pending_writes",
			Help: "Number of publish requests buffered for the next flush.",
		}),
		PendingInits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eventcore_publisher_pending_inits",
			Help: "Number of outstanding is_state_current queries.",
		}),
		NotCurrentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_publisher_not_current_total",
			Help: "Number of is_state_current queries that resolved false at their deadline.",
		}),
		TxnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:                        "eventcore_publisher_txn_duration_seconds",
			Help:                        "Duration of completed transactions.",
			NativeHistogramBucketFactor: 1.1,
		}),
		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_publisher_flushes_total",
			Help: "Number of flush cycles that produced a transaction.",
		}),
		FencedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_publisher_fenced_total",
			Help: "Number of times this publisher observed ProducerFenced.",
		}),
		Client: kprom.NewMetrics("eventcore_publisher",
			kprom.Registerer(prometheus.WrapRegistererWith(
				prometheus.Labels{"partition": strconv.Itoa(int(partition))}, reg)),
			kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records)),
	}
}

// Router holds the counters the ShardRouter updates on routing decisions
// and rebalances.
type Router struct {
	RoutedTotal     prometheus.Counter
	DeadLetterTotal prometheus.Counter
	RegionsGauge    prometheus.Gauge
}

// NewRouter registers the router-level counters under reg.
func NewRouter(reg prometheus.Registerer) *Router {
	factory := promauto.With(reg)
	return &Router{
		RoutedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_router_routed_total",
			Help: "Number of messages successfully routed to a region.",
		}),
		DeadLetterTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_router_dead_letter_total",
			Help: "Number of messages dead-lettered as unroutable.",
		}),
		RegionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eventcore_router_regions",
			Help: "Number of regions currently tracked by the router.",
		}),
	}
}

// Stream holds the counters the StreamManager updates across its
// restart-on-failure supervisor and committer.
type Stream struct {
	RestartsTotal        prometheus.Counter
	CommitBatchesTotal    prometheus.Counter
	ReplaysStartedTotal   prometheus.Counter
	ReplaysFailedTotal    prometheus.Counter
	Client                *kprom.Metrics
}

// NewStream registers the stream-manager-level counters under reg.
func NewStream(reg prometheus.Registerer, groupID string) *Stream {
	factory := promauto.With(reg)
	return &Stream{
		RestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_stream_restarts_total",
			Help: "Number of times the consumer pipeline restarted after a failure.",
		}),
		CommitBatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_stream_commit_batches_total",
			Help: "Number of offset-commit batches issued by the committer.",
		}),
		ReplaysStartedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_stream_replays_started_total",
			Help: "Number of replay cycles successfully started.",
		}),
		ReplaysFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_stream_replays_failed_total",
			Help: "Number of replay cycles that failed.",
		}),
		Client: kprom.NewMetrics("eventcore_stream_"+groupID,
			kprom.Registerer(prometheus.WrapRegistererWith(
				prometheus.Labels{"group": groupID}, reg)),
			kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records)),
	}
}
