// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"strconv"
	"time"

	"github.com/go-lpc/lanxi/rec"
	"github.com/go-lpc/lanxi/stream"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by sessions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Samples    *prometheus.CounterVec
	Messages   *prometheus.CounterVec
	CANRecords *prometheus.CounterVec
	CANErrors  *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	State      *prometheus.GaugeVec
	Bringup    prometheus.Histogram
}

// NewMetrics creates and registers the session collectors with reg.
// A nil reg registers with the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanxi_samples_total",
			Help: "Total samples received, per module and signal.",
		}, []string{"module", "channel"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanxi_messages_total",
			Help: "Total streaming messages received, per module and message type.",
		}, []string{"module", "type"}),
		CANRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanxi_can_records_total",
			Help: "Total CAN records received, per module and CAN channel.",
		}, []string{"module", "channel"}),
		CANErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanxi_can_errors_total",
			Help: "CAN records not matching the verification pattern.",
		}, []string{"module", "channel"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanxi_module_failures_total",
			Help: "Modules whose stream reader ended on an error.",
		}, []string{"module"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lanxi_recorder_state",
			Help: "Last recorder state reached by the session, per module.",
		}, []string{"module"}),
		Bringup: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanxi_bringup_seconds",
			Help:    "Time taken to bring all modules to streaming.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}

	reg.MustRegister(
		m.Samples, m.Messages, m.CANRecords, m.CANErrors,
		m.Failures, m.State, m.Bringup,
	)
	return m
}

func (m *Metrics) samples(module string, id uint16, n int) {
	if m == nil {
		return
	}
	m.Samples.WithLabelValues(module, strconv.Itoa(int(id))).Add(float64(n))
}

func (m *Metrics) message(module string, mt stream.MessageType) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(module, mt.String()).Inc()
}

func (m *Metrics) can(module string, ch, n, bad int) {
	if m == nil {
		return
	}
	lbl := strconv.Itoa(ch)
	m.CANRecords.WithLabelValues(module, lbl).Add(float64(n))
	if bad > 0 {
		m.CANErrors.WithLabelValues(module, lbl).Add(float64(bad))
	}
}

func (m *Metrics) failure(module string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(module).Inc()
}

func (m *Metrics) state(module string, st rec.State) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(module).Set(float64(st))
}

func (m *Metrics) bringup(d time.Duration) {
	if m == nil {
		return
	}
	m.Bringup.Observe(d.Seconds())
}
