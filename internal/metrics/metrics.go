// Package metrics defines the Prometheus collectors shared by the gateway and
// the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatrelay"

// Outcome label values.
const (
	OutcomeOK                = "ok"
	OutcomeError             = "error"
	OutcomeTimeout           = "timeout"
	OutcomeBrokerUnavailable = "broker_unavailable"
	OutcomeMalformed         = "malformed"
	OutcomeCanceled          = "canceled"
)

// Metrics bundles every collector. Fields are safe for concurrent use.
type Metrics struct {
	// Gateway side.
	Requests         *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	InFlight         prometheus.Gauge
	UnmatchedReplies prometheus.Counter
	MalformedReplies prometheus.Counter

	// Worker side.
	Commands          *prometheus.CounterVec
	DroppedCommands   prometheus.Counter
	ReplayHits        prometheus.Counter
	ReplyPublishFails prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg yields
// working but unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Requests issued by the gateway, by action and outcome.",
		}, []string{"action", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Time from publish to reply for gateway requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"action"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_in_flight",
			Help:      "Requests waiting for a reply.",
		}),
		UnmatchedReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "unmatched_replies_total",
			Help:      "Replies whose correlation id had no waiter.",
		}),
		MalformedReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "malformed_replies_total",
			Help:      "Reply deliveries that could not be decoded.",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "commands_total",
			Help:      "Commands processed by the worker, by action and outcome.",
		}, []string{"action", "outcome"}),
		DroppedCommands: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "dropped_commands_total",
			Help:      "Command deliveries dropped without a reply.",
		}),
		ReplayHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "replay_hits_total",
			Help:      "Redelivered commands answered from the replay cache.",
		}),
		ReplyPublishFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "reply_publish_failures_total",
			Help:      "Replies that could not be published.",
		}),
	}
}
