// Package metrics defines the Prometheus collectors exported by the client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts latency probes by protocol and result.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_probes_total",
			Help: "Number of latency probes, by protocol and result.",
		}, []string{"protocol", "result"})

	// ProbeDuration is the distribution of successful probe round-trip times.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speedtest_probe_duration_seconds",
			Help:    "Round-trip time of successful latency probes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"protocol"})

	// TransfersTotal counts transfers by direction and outcome.
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_transfers_total",
			Help: "Number of transfers, by direction and outcome.",
		}, []string{"direction", "outcome"})

	// TransferRetries counts transfer attempts after the first.
	TransferRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_transfer_retries_total",
			Help: "Number of transfer retries, by direction.",
		}, []string{"direction"})

	// TransferBytes counts application-level bytes moved.
	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_transfer_bytes_total",
			Help: "Application-level bytes transferred, by direction.",
		}, []string{"direction"})

	// CacheLookups counts catalog cache lookups by kind and result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_cache_lookups_total",
			Help: "Number of configuration and server list cache lookups.",
		}, []string{"kind", "result"})

	// Sessions counts completed sessions, by the phase that ended them
	// ("complete" when every phase succeeded).
	Sessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_sessions_total",
			Help: "Number of measurement sessions, by final phase.",
		}, []string{"phase"})
)
