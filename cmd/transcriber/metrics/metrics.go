package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transcriber"

type Metrics struct {
	registry *prometheus.Registry

	Merges             prometheus.Counter
	MergedLines        prometheus.Counter
	ParseWarnings      prometheus.Counter
	Jobs               *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	RecordingsStarted  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Number of transcripts produced by interleaving subtitle files.",
		}),
		MergedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merged_lines_total",
			Help:      "Number of transcript lines written.",
		}),
		ParseWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_warnings_total",
			Help:      "Number of subtitle blocks skipped because they could not be parsed.",
		}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Number of queue jobs by resulting status.",
		}, []string{"status"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing a recording into a transcript.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		}),
		RecordingsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_started_total",
			Help:      "Number of recordings started.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Merges,
		m.MergedLines,
		m.ParseWarnings,
		m.Jobs,
		m.ProcessingDuration,
		m.RecordingsStarted,
	)

	return m
}

// ObserveMerge records the outcome of a single merge.
func (m *Metrics) ObserveMerge(lines, warnings int) {
	if m == nil {
		return
	}
	m.Merges.Inc()
	m.MergedLines.Add(float64(lines))
	m.ParseWarnings.Add(float64(warnings))
}

func (m *Metrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveProcessing(dur time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.Observe(dur.Seconds())
}

func (m *Metrics) ObserveRecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsStarted.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
