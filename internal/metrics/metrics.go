// Package metrics holds the prometheus collectors of one runtime instance.
//
// Each runtime owns its registry so several instances can live in one
// process (tests, dev host restarts) without duplicate registration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "panthalassa"

type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	callsPending    prometheus.Gauge
	callOutcomes    *prometheus.CounterVec
	callLatency     prometheus.Histogram
	dappContexts    *prometheus.GaugeVec
	upstreamDropped *prometheus.CounterVec
	hostRequests    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Dispatched commands by name and result code.",
		}, []string{"command", "code"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Command execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"command"}),
		callsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "pending_calls",
			Help:      "Outstanding correlated calls.",
		}),
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "calls_total",
			Help:      "Finished correlated calls by outcome.",
		}, []string{"outcome"}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "call_duration_seconds",
			Help:      "Time from registration to outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		dappContexts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dapp",
			Name:      "contexts",
			Help:      "DApp execution contexts by state.",
		}, []string{"state"}),
		upstreamDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "dropped_total",
			Help:      "Payloads dropped because a channel queue was full.",
		}, []string{"channel"}),
		hostRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dapp",
			Name:      "host_requests_total",
			Help:      "DApp requests towards the host by type and result.",
		}, []string{"type", "result"}),
	}
	m.registry.MustRegister(
		m.commands,
		m.commandLatency,
		m.callsPending,
		m.callOutcomes,
		m.callLatency,
		m.dappContexts,
		m.upstreamDropped,
		m.hostRequests,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the collectors, e.g. for promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CommandDispatched(command, code string, took time.Duration) {
	m.commands.WithLabelValues(command, code).Inc()
	m.commandLatency.WithLabelValues(command).Observe(took.Seconds())
}

func (m *Metrics) CallRegistered() {
	m.callsPending.Inc()
}

func (m *Metrics) CallFinished(outcome string, age time.Duration) {
	m.callsPending.Dec()
	m.callOutcomes.WithLabelValues(outcome).Inc()
	m.callLatency.Observe(age.Seconds())
}

func (m *Metrics) DAppState(from, to string) {
	if from != "" {
		m.dappContexts.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.dappContexts.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) UpstreamDropped(channel string) {
	m.upstreamDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) HostRequest(kind, result string) {
	m.hostRequests.WithLabelValues(kind, result).Inc()
}
