// Package metrics records per-run Prometheus metrics and writes them to a
// node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/model"
)

const namespace = "dmi"

// Stage duration buckets in seconds. Resampling dominates a run.
var stageBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}

// Recorder holds one run's metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	checks        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	indexValue    *prometheus.GaugeVec
	releases      *prometheus.GaugeVec
	lastRun       prometheus.Gauge
}

// New creates a recorder for one specification.
func New(specID string) *Recorder {
	labels := prometheus.Labels{"specification": specID}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "runs_total",
			Help:        "Pipeline runs by final status.",
			ConstLabels: labels,
		}, []string{"status"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "qa_checks_total",
			Help:        "QA checks evaluated, by check and outcome.",
			ConstLabels: labels,
		}, []string{"check_id", "passed"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "stage_duration_seconds",
			Help:        "Duration of each pipeline stage.",
			ConstLabels: labels,
			Buckets:     stageBuckets,
		}, []string{"stage"}),
		indexValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "index_value",
			Help:        "Latest computed index value by group.",
			ConstLabels: labels,
		}, []string{"group"}),
		releases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "ledger_releases",
			Help:        "Ledger releases by status.",
			ConstLabels: labels,
		}, []string{"status"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time the last run finished.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(r.runs, r.checks, r.stageDuration, r.indexValue, r.releases, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveStage records a stage duration.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordVerdict counts every check in the verdict.
func (r *Recorder) RecordVerdict(v model.QAVerdict) {
	for _, c := range v.Checks {
		passed := "false"
		if c.Passed {
			passed = "true"
		}
		r.checks.WithLabelValues(c.CheckID, passed).Inc()
	}
}

// RecordResults sets the index gauge for each group.
func (r *Recorder) RecordResults(results []model.CalculationResult) {
	for _, res := range results {
		r.indexValue.WithLabelValues(res.GroupID).Set(res.IndexValue)
	}
}

// RecordRun counts a finished run.
func (r *Recorder) RecordRun(status string, at time.Time) {
	r.runs.WithLabelValues(status).Inc()
	r.lastRun.Set(float64(at.Unix()))
}

// RecordLedger sets the ledger status gauges from a snapshot.
func (r *Recorder) RecordLedger(s *LedgerSnapshot) {
	r.releases.WithLabelValues(string(model.ReleasePublished)).Set(float64(s.Published))
	r.releases.WithLabelValues(string(model.ReleasePending)).Set(float64(s.Pending))
	r.releases.WithLabelValues(string(model.ReleaseAbandoned)).Set(float64(s.Abandoned))
}

// WriteTextfile writes the registry to path for the node exporter textfile
// collector. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return eris.Wrapf(err, "metrics: write textfile %s", path)
	}
	return nil
}
