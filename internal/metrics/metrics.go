// Package metrics holds the Prometheus collectors for call sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "practice_call"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	framesLost          *prometheus.CounterVec
	reconnects          *prometheus.CounterVec
	generationFallbacks *prometheus.CounterVec
	synthesisFallbacks  *prometheus.CounterVec
	activeCalls         *prometheus.GaugeVec
	replyLatency        prometheus.Histogram
	callDuration        *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesLost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_lost_total",
				Help:      "Audio frames dropped before reaching the transcription backend",
			},
			[]string{"stage"}, // stage: queue, channel, reconnect
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_reconnects_total",
				Help:      "Transcription channel reopen attempts",
			},
			[]string{"outcome"}, // outcome: retry, opened, exhausted
		),
		generationFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_fallbacks_total",
				Help:      "Persona replies replaced by the fallback line",
			},
			[]string{"reason"}, // reason: timeout, error
		),
		synthesisFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthesis_fallbacks_total",
				Help:      "Synthesis attempts that fell through to another voice or to text only",
			},
			[]string{"stage"},
		),
		activeCalls: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_calls",
				Help:      "Call sessions currently running",
			},
			[]string{"transport"},
		),
		replyLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reply_latency_seconds",
				Help:      "Time from final user transcript to persona reply text",
				Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 12},
			},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Wall-clock call duration",
				Buckets:   []float64{15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"transport", "outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.framesLost,
			m.reconnects,
			m.generationFallbacks,
			m.synthesisFallbacks,
			m.activeCalls,
			m.replyLatency,
			m.callDuration,
		)
	}
	return m
}

func (m *Metrics) FrameLost(stage string) {
	if m == nil {
		return
	}
	m.framesLost.WithLabelValues(stage).Inc()
}

func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GenerationFallback(reason string) {
	if m == nil {
		return
	}
	m.generationFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) SynthesisFallback(stage string) {
	if m == nil {
		return
	}
	m.synthesisFallbacks.WithLabelValues(stage).Inc()
}

func (m *Metrics) CallStarted(transport string) {
	if m == nil {
		return
	}
	m.activeCalls.WithLabelValues(transport).Inc()
}

func (m *Metrics) CallEnded(transport, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeCalls.WithLabelValues(transport).Dec()
	m.callDuration.WithLabelValues(transport, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveReply(d time.Duration) {
	if m == nil {
		return
	}
	m.replyLatency.Observe(d.Seconds())
}
