// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-bitacross.
//
// go-bitacross is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for the enclave worker:
// RPC traffic, handled calls, ceremony lifecycle, watched connections, peer
// broadcast and process resources.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics
	Namespace = "bitacross"

	LabelMethod     = "method"
	LabelStatus     = "status"
	LabelStatusCode = "status_code"
	LabelKind       = "kind"
	LabelOutcome    = "outcome"
	LabelProtocol   = "protocol"

	StatusSuccess = "success"
	StatusError   = "error"

	// Ceremony outcomes
	OutcomeCompleted = "completed"
	OutcomeKilled    = "killed"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
)

var (
	// RPCRequestsTotal counts JSON-RPC requests by method and status.
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total number of JSON-RPC requests by method and status",
		},
		[]string{LabelMethod, LabelStatus},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Time until the first JSON-RPC response in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelMethod},
	)

	// CallsTotal counts handled direct and round calls by kind and status.
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "calls_total",
			Help:      "Total number of handled calls by kind and status",
		},
		[]string{LabelKind, LabelStatus},
	)

	CeremoniesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ceremony",
			Name:      "started_total",
			Help:      "Total number of ceremonies created",
		},
	)

	CeremoniesEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ceremony",
			Name:      "ended_total",
			Help:      "Total number of ceremonies that reached a terminal state by outcome",
		},
		[]string{LabelOutcome},
	)

	CeremonyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "ceremony",
			Name:      "duration_seconds",
			Help:      "Time from ceremony creation to terminal state in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{LabelOutcome},
	)

	ActiveCeremonies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "ceremony",
			Name:      "active",
			Help:      "Number of ceremonies in a non-terminal state",
		},
	)

	// WatchedConnections is the size of the connection registry.
	WatchedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "watched_connections",
			Help:      "Number of correlation hashes awaiting a response",
		},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of active connections by protocol",
		},
		[]string{LabelProtocol},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Number of requests waiting for the serial processor",
		},
	)

	PeerBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "peer",
			Name:      "broadcasts_total",
			Help:      "Total number of round calls sent to peer enclaves by kind and status",
		},
		[]string{LabelKind, LabelStatus},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// Process resources, refreshed by the ResourceCollector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordRPC records a JSON-RPC request and the time to its first response.
func RecordRPC(method string, err error, duration float64) {
	if !enabled.Load() {
		return
	}
	RPCRequestsTotal.WithLabelValues(method, status(err)).Inc()
	RPCRequestDuration.WithLabelValues(method).Observe(duration)
}

// RecordCall records a call handled by the serial processor.
func RecordCall(kind string, err error) {
	if !enabled.Load() {
		return
	}
	CallsTotal.WithLabelValues(kind, status(err)).Inc()
}

func RecordCeremonyStarted() {
	if !enabled.Load() {
		return
	}
	CeremoniesStarted.Inc()
}

// RecordCeremonyEnded records a terminal ceremony (use Outcome* constants).
func RecordCeremonyEnded(outcome string, duration float64) {
	if !enabled.Load() {
		return
	}
	CeremoniesEnded.WithLabelValues(outcome).Inc()
	CeremonyDuration.WithLabelValues(outcome).Observe(duration)
}

func SetActiveCeremonies(n int) {
	if !enabled.Load() {
		return
	}
	ActiveCeremonies.Set(float64(n))
}

func SetWatchedConnections(n int) {
	if !enabled.Load() {
		return
	}
	WatchedConnections.Set(float64(n))
}

func SetDispatchQueueDepth(n int) {
	if !enabled.Load() {
		return
	}
	DispatchQueueDepth.Set(float64(n))
}

func RecordBroadcast(kind string, err error) {
	if !enabled.Load() {
		return
	}
	PeerBroadcastsTotal.WithLabelValues(kind, status(err)).Inc()
}

func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

func IncrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Inc()
}

func DecrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

func IsEnabled() bool {
	return enabled.Load()
}
