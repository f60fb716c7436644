// Package observability provides the process-wide structured logger and
// Prometheus metrics, matching the teacher's pkg/observability shape.
package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_jobs_submitted_total",
		Help: "Total number of submitted report jobs.",
	}, []string{"format", "mode"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_jobs_processed_total",
		Help: "Total number of terminal report jobs.",
	}, []string{"status"}) // status: uploaded, failed

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "report_job_duration_seconds",
		Help:    "Duration of report job processing, load to upload.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"mode"})

	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_job_rows_written_total",
		Help: "Total rows written to report artifacts.",
	}, []string{"mode"})

	ScheduleTicksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_schedule_ticks_claimed_total",
		Help: "Total schedules claimed and enqueued by the ticker.",
	})

	ReduceChunks = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "report_reduce_chunks",
		Help:    "Number of identifier-range chunks used per reduce job.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})
)

// NewLogger creates the process-wide structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
