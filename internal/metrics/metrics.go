// Package metrics holds the Prometheus collectors of a node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flock"

// Round outcomes.
const (
	OutcomeSatisfied = "satisfied"
	OutcomeExhausted = "exhausted"
	OutcomeCancelled = "cancelled"
)

// Inbound routing results.
const (
	RouteDelivered = "delivered"
	RouteStale     = "stale"
	RouteUnknown   = "unknown"
	RouteMalformed = "malformed"
	RouteNoService = "no_service"
)

// Metrics is one node's set of collectors on its own registry.
type Metrics struct {
	Registry *prometheus.Registry // Registry holds every collector below

	RendezvousAttempts prometheus.Counter     // RendezvousAttempts counts anycast sends
	RendezvousRounds   *prometheus.CounterVec // RendezvousRounds counts finished rounds by outcome
	RendezvousLatency  prometheus.Histogram   // RendezvousLatency observes start-to-accept time
	RepliesDiscarded   prometheus.Counter     // RepliesDiscarded counts duplicate and late replies

	PollProbes       prometheus.Counter     // PollProbes counts report broadcasts
	PollAsks         prometheus.Counter     // PollAsks counts questions unicast to discovered peers
	PollAnswers      *prometheus.CounterVec // PollAnswers counts answers by result (recorded, discarded)
	PollsClosed      prometheus.Counter     // PollsClosed counts rounds reaching their deadline
	PollParticipants prometheus.Histogram   // PollParticipants observes discovered peers per closed poll

	ActiveRounds *prometheus.GaugeVec   // ActiveRounds tracks running rounds by type
	SendErrors   *prometheus.CounterVec // SendErrors counts failed sends by operation
	Inbound      *prometheus.CounterVec // Inbound counts received envelopes by kind and route
}

// New creates the collectors on a fresh registry, with Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RendezvousAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_attempts_total",
			Help:      "Anycast requests sent, including retries",
		}),
		RendezvousRounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_rounds_total",
			Help:      "Finished rendezvous rounds by outcome",
		}, []string{"outcome"}),
		RendezvousLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rendezvous_latency_seconds",
			Help:      "Time from round start to the accepted reply",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		RepliesDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_replies_discarded_total",
			Help:      "Replies received after a round was satisfied or ended",
		}),

		PollProbes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_probes_total",
			Help:      "Report probes broadcast",
		}),
		PollAsks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_asks_total",
			Help:      "Questions sent to discovered peers",
		}),
		PollAnswers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_answers_total",
			Help:      "Answers received by result",
		}, []string{"result"}),
		PollsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_closed_total",
			Help:      "Polls that reached their deadline",
		}),
		PollParticipants: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_participants",
			Help:      "Discovered peers per closed poll",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		ActiveRounds: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rounds",
			Help:      "Rounds currently running",
		}, []string{"type"}),
		SendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Failed sends by operation",
		}, []string{"op"}),
		Inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Received envelopes by kind and routing result",
		}, []string{"kind", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start, now time.Time) {
	h.Observe(now.Sub(start).Seconds())
}
