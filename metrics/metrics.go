// Package metrics holds the Prometheus collectors of the ingest service.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	chunksReceived   *prometheus.CounterVec
	casAttempts      *prometheus.CounterVec
	jobsEnqueued     *prometheus.CounterVec
	jobsProcessed    *prometheus.CounterVec
	batchInserts     *prometheus.CounterVec
	rowsInserted     prometheus.Counter
	pipelineDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		chunksReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfusys_ingest_chunks_received_total",
				Help: "Chunks received by outcome",
			},
			[]string{"outcome"},
		),
		casAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfusys_ingest_cas_attempts_total",
				Help: "Session compare-and-swap attempts by result",
			},
			[]string{"result"},
		),
		jobsEnqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfusys_ingest_jobs_enqueued_total",
				Help: "Jobs submitted to the queue by type and status",
			},
			[]string{"type", "status"},
		),
		jobsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfusys_ingest_jobs_processed_total",
				Help: "Jobs handled by the worker pool by result",
			},
			[]string{"result"},
		),
		batchInserts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfusys_ingest_batch_inserts_total",
				Help: "Catalog batch inserts by status",
			},
			[]string{"status"},
		),
		rowsInserted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lfusys_ingest_rows_inserted_total",
				Help: "Catalog rows submitted in successful batches",
			},
		),
		pipelineDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "lfusys_ingest_pipeline_duration_seconds",
				Help: "Duration of merge and ingest stages",
				Buckets: []float64{
					0.05, // small files
					0.25,
					1,
					5,
					30,
					120, // multi-GB imports
				},
			},
			[]string{"stage"},
		),
	}
}

func (m *Metrics) ChunkReceived(outcome string) {
	if m == nil {
		return
	}
	m.chunksReceived.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CASAttempt(result string) {
	if m == nil {
		return
	}
	m.casAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) JobEnqueued(jobType string, err error) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(jobType, status(err)).Inc()
}

func (m *Metrics) JobProcessed(result string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(result).Inc()
}

func (m *Metrics) BatchInserted(rows int, err error) {
	if m == nil {
		return
	}
	m.batchInserts.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.rowsInserted.Add(float64(rows))
	}
}

// ObserveStage records how long a pipeline stage (merge, ingest) took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
