// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for finished sessions.
const (
	OutcomeCompleted  = "completed"
	OutcomeCancelled  = "cancelled"
	OutcomeError      = "error"
	OutcomeHTTPError  = "http_error"
	OutcomeIncomplete = "incomplete"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	RecordsRelayed   prometheus.Counter
	RecordsMalformed prometheus.Counter
	InFlight         prometheus.Gauge
	SessionDuration  prometheus.Histogram
}

// NewMetrics creates the relay collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rigrun_relay",
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Total number of relay sessions started",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rigrun_relay",
			Subsystem: "sessions",
			Name:      "finished_total",
			Help:      "Total number of relay sessions finished, by outcome",
		}, []string{"outcome"}),
		RecordsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rigrun_relay",
			Subsystem: "records",
			Name:      "relayed_total",
			Help:      "Total number of stream records published as chunks",
		}),
		RecordsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rigrun_relay",
			Subsystem: "records",
			Name:      "malformed_total",
			Help:      "Total number of stream lines skipped because they failed to parse",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rigrun_relay",
			Subsystem: "sessions",
			Name:      "in_flight",
			Help:      "Number of relay sessions currently streaming",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rigrun_relay",
			Subsystem: "sessions",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of relay sessions",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsStarted,
			m.SessionsFinished,
			m.RecordsRelayed,
			m.RecordsMalformed,
			m.InFlight,
			m.SessionDuration,
		)
	}
	return m
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.InFlight.Inc()
}

func (m *Metrics) sessionFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.SessionsFinished.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) recordRelayed() {
	if m == nil {
		return
	}
	m.RecordsRelayed.Inc()
}

func (m *Metrics) recordMalformed() {
	if m == nil {
		return
	}
	m.RecordsMalformed.Inc()
}
