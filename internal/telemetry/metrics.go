package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_jobs_admitted_total", Help: "Jobs accepted at admission"})
	AdmissionDenials  = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_admission_denied_total", Help: "Requests denied by quota or rate limits"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_jobs_failed_total", Help: "Jobs that ended failed"})
	DispatchCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_dispatches_total", Help: "Primary supplier dispatches"})
	FallbackEnqueues  = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_fallback_enqueued_total", Help: "Jobs left for the fallback queue"})
	SweepClaims       = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_sweep_claims_total", Help: "Fallback queue entries claimed by sweeps"})
	CallbackDuplicate = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_callback_duplicates_total", Help: "Callbacks for jobs already terminal"})
	CallbackUnknown   = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_callback_unknown_total", Help: "Callbacks for unknown job ids"})
	StagingRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcribe_staging_retries_total", Help: "Transient staging upload retries"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transcribe_fallback_queue_depth", Help: "Unclaimed fallback queue entries"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			AdmissionDenials,
			JobsCompleted,
			JobsFailed,
			DispatchCounter,
			FallbackEnqueues,
			SweepClaims,
			CallbackDuplicate,
			CallbackUnknown,
			StagingRetries,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
