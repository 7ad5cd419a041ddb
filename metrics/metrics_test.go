package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ChunkReceived("counted")
		m.CASAttempt("committed")
		m.JobEnqueued("merge_chunks", nil)
		m.JobProcessed("acked")
		m.BatchInserted(10, nil)
		m.ObserveStage("merge", time.Second)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.CASAttempt("conflict")
	m.CASAttempt("conflict")
	m.CASAttempt("committed")
	m.BatchInserted(5, nil)
	m.BatchInserted(5, errors.New("insert failed"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.casAttempts.WithLabelValues("conflict")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.casAttempts.WithLabelValues("committed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.batchInserts.WithLabelValues("error")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.rowsInserted))
}
