// Package metrics is the observability sink for the gateway core. The core
// components report connectivity transitions, broadcast drop counts and
// command outcomes here; nothing flows back.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives events from the protocol adapter, the broadcast engine and
// the command dispatcher. Implementations must be safe for concurrent use
// and must never block the caller.
type Sink interface {
	// LinkStateChanged records a controller link state transition.
	LinkStateChanged(from, to string)
	// TickEmitted records one broadcast tick for a channel.
	TickEmitted(channel string, stale bool)
	// MessageDropped records a payload dropped from a full subscriber queue.
	MessageDropped(channel string)
	// CommandCompleted records a command verification outcome.
	CommandCompleted(verified bool, latency time.Duration)
}

// NopSink discards all events. Used in tests.
type NopSink struct{}

func (NopSink) LinkStateChanged(from, to string)                {}
func (NopSink) TickEmitted(channel string, stale bool)          {}
func (NopSink) MessageDropped(channel string)                   {}
func (NopSink) CommandCompleted(verified bool, d time.Duration) {}

// PromSink exposes the sink events as Prometheus collectors on a private
// registry.
type PromSink struct {
	registry *prometheus.Registry

	linkState       *prometheus.GaugeVec
	linkTransitions *prometheus.CounterVec
	ticks           *prometheus.CounterVec
	drops           *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
}

// NewPromSink creates a PromSink with all collectors registered.
func NewPromSink() *PromSink {
	s := &PromSink{
		registry: prometheus.NewRegistry(),

		linkState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "plc",
				Name:      "link_state",
				Help:      "Current controller link state (1 for the active state).",
			},
			[]string{"state"},
		),
		linkTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "plc",
				Name:      "link_transitions_total",
				Help:      "Total controller link state transitions.",
			},
			[]string{"from", "to"},
		),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "broadcast",
				Name:      "ticks_total",
				Help:      "Total broadcast ticks emitted per channel.",
			},
			[]string{"channel", "stale"},
		),
		drops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "broadcast",
				Name:      "dropped_messages_total",
				Help:      "Total payloads dropped from full subscriber queues.",
			},
			[]string{"channel"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "commands",
				Name:      "executed_total",
				Help:      "Total command executions by verification outcome.",
			},
			[]string{"verified"},
		),
		commandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "commands",
				Name:      "verify_latency_seconds",
				Help:      "Latency from write to verified read-back.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"verified"},
		),
	}

	s.registry.MustRegister(
		s.linkState,
		s.linkTransitions,
		s.ticks,
		s.drops,
		s.commands,
		s.commandLatency,
	)
	return s
}

// Handler returns the HTTP handler serving the metrics registry.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *PromSink) LinkStateChanged(from, to string) {
	s.linkState.WithLabelValues(from).Set(0)
	s.linkState.WithLabelValues(to).Set(1)
	s.linkTransitions.WithLabelValues(from, to).Inc()
}

func (s *PromSink) TickEmitted(channel string, stale bool) {
	if stale {
		s.ticks.WithLabelValues(channel, "true").Inc()
	} else {
		s.ticks.WithLabelValues(channel, "false").Inc()
	}
}

func (s *PromSink) MessageDropped(channel string) {
	s.drops.WithLabelValues(channel).Inc()
}

func (s *PromSink) CommandCompleted(verified bool, latency time.Duration) {
	outcome := "false"
	if verified {
		outcome = "true"
	}
	s.commands.WithLabelValues(outcome).Inc()
	s.commandLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}
