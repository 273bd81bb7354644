package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan metrics
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_scans_total",
			Help: "Total number of scans by terminal status",
		},
		[]string{"status"},
	)

	ScansRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "osprey_scans_running",
			Help: "Number of scans currently running",
		},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "osprey_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	// Stage metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osprey_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"stage"},
	)

	StagesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_stages_failed_total",
			Help: "Total number of failed stage executions",
		},
		[]string{"stage"},
	)

	// Tool metrics
	ToolRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_tool_runs_total",
			Help: "Total number of external tool executions by outcome",
		},
		[]string{"tool", "outcome"},
	)

	// Sink metrics
	RecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_records_written_total",
			Help: "Total number of records written by asset kind",
		},
		[]string{"kind"},
	)

	RecordsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_records_discarded_total",
			Help: "Total number of records discarded on integrity errors",
		},
		[]string{"kind"},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "osprey_dispatch_latency_seconds",
			Help:    "Time taken to place a scan on a worker in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "osprey_heartbeats_received_total",
			Help: "Total number of worker heartbeats received",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ScansRunning)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StagesFailed)
	prometheus.MustRegister(ToolRunsTotal)
	prometheus.MustRegister(RecordsWritten)
	prometheus.MustRegister(RecordsDiscarded)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(HeartbeatsReceived)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
