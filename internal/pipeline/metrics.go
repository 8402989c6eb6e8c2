package pipeline

import (


	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports run summaries as Prometheus series on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	events      *prometheus.CounterVec
	venues      *prometheus.CounterVec
	purged      prometheus.Counter
	runs        *prometheus.CounterVec
	lastRun     prometheus.Gauge
	runDuration prometheus.Gauge
}

// NewMetrics creates and registers the venuecal series.
func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "venuecal",
		Name:      "events_total",
		Help:      "Events handled, by outcome",
	}, []string{"outcome"})
	m.venues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "venuecal",
		Name:      "venues_total",
		Help:      "Venues processed, by outcome",
	}, []string{"outcome"})
	m.purged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "venuecal",
		Name:      "dedup_purged_total",
		Help:      "Dedup records purged for being past retention",
	})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "venuecal",
		Name:      "runs_total",
		Help:      "Pipeline runs, by result",
	}, []string{"result"})
	m.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "venuecal",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last run finished",
	})
	m.runDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "venuecal",
		Name:      "last_run_duration_seconds",
		Help:      "Wall time of the last run",
	})
	m.Registry.MustRegister(m.events, m.venues, m.purged, m.runs, m.lastRun, m.runDuration)
	return m
}

// Observe adds a finished run to the series.
func (m *Metrics) Observe(s *Summary) {
	for outcome, n := range map[string]int{
		"added":               s.Added,
		"would_add":           s.WouldAdd,
		"skipped_duplicate":   s.SkippedDuplicate,
		"already_on_calendar": s.AlreadyOnCalendar,
		"rejected":            s.Rejected,
		"merge_conflict":      s.MergeConflicts,
		"merged":              s.Merged,
		"write_failed":        s.WriteFailed,
	} {
		m.events.WithLabelValues(outcome).Add(float64(n))
	}
	for _, v := range s.Venues {
		m.venues.WithLabelValues(v.Status).Inc()
	}
	m.purged.Add(float64(s.Purged))

	result := "complete"
	if s.Interrupted {
		result = "interrupted"
	}
	m.runs.WithLabelValues(result).Inc()
	m.lastRun.Set(float64(s.Finished.Unix()))
	m.runDuration.Set(s.Finished.Sub(s.Started).Seconds())
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
