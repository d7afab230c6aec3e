package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveMerge(10, 2)
	m.ObserveMerge(5, 0)
	m.ObserveJob("processed")
	m.ObserveJob("processed")
	m.ObserveJob("recorded")
	m.ObserveRecordingStarted()
	m.ObserveProcessing(42 * time.Second)

	require.Equal(t, float64(2), testutil.ToFloat64(m.Merges))
	require.Equal(t, float64(15), testutil.ToFloat64(m.MergedLines))
	require.Equal(t, float64(2), testutil.ToFloat64(m.ParseWarnings))
	require.Equal(t, float64(2), testutil.ToFloat64(m.Jobs.WithLabelValues("processed")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RecordingsStarted))
	require.Equal(t, 1, testutil.CollectAndCount(m.ProcessingDuration))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "transcriber_merges_total 2")
	require.Contains(t, string(body), `transcriber_jobs_total{status="recorded"} 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveMerge(1, 1)
		m.ObserveJob("processed")
		m.ObserveRecordingStarted()
		m.ObserveProcessing(time.Second)
	})
}
