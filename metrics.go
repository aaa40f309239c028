// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector is the interface required to collect statistics
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// Metrics collects prometheus metrics for Muxers and Gateways.
// A nil *Metrics discards everything.
type Metrics struct {
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
	activeMuxers     prometheus.Gauge
	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgtun",
			Subsystem: "muxer",
			Name:      "read_bytes_total",
			Help:      "Bytes read by Muxers.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgtun",
			Subsystem: "muxer",
			Name:      "written_bytes_total",
			Help:      "Bytes written by Muxers.",
		}),
		activeMuxers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "msgtun",
			Subsystem: "muxer",
			Name:      "active",
			Help:      "Muxers currently serving.",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msgtun",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests handled by the gateway.",
		}, []string{"method", "status"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "msgtun",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.bytesRead, m.bytesWritten, m.activeMuxers, m.exchanges, m.exchangeDuration)
	}
	return m
}

// RegisterDirectory exports the number of registered endpoints in dir.
func (m *Metrics) RegisterDirectory(reg prometheus.Registerer, dir *Directory[Port]) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "msgtun",
		Subsystem: "directory",
		Name:      "endpoints",
		Help:      "Registered endpoints.",
	}, func() float64 { return float64(dir.Len()) }))
}

// AddBytesRead implements StatsCollector.
func (m *Metrics) AddBytesRead(n int64) {
	if m != nil {
		m.bytesRead.Add(float64(n))
	}
}

// AddBytesWritten implements StatsCollector.
func (m *Metrics) AddBytesWritten(n int64) {
	if m != nil {
		m.bytesWritten.Add(float64(n))
	}
}

// MuxerStarted counts a Muxer as active.
func (m *Metrics) MuxerStarted() {
	if m != nil {
		m.activeMuxers.Inc()
	}
}

// MuxerStopped counts a Muxer as no longer active.
func (m *Metrics) MuxerStopped() {
	if m != nil {
		m.activeMuxers.Dec()
	}
}

// ObserveExchange records a completed HTTP exchange.
func (m *Metrics) ObserveExchange(method string, status int, d time.Duration) {
	if m != nil {
		code := strconv.Itoa(status)
		m.exchanges.WithLabelValues(method, code).Inc()
		m.exchangeDuration.WithLabelValues(method, code).Observe(d.Seconds())
	}
}
