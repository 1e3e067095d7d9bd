package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/autopeer-io/updater/internal/updater/core/model"
)

// Registry is private to the updater so embedding processes keep their own.
var Registry = prometheus.NewRegistry()

var (
	// Phase is 1 for the current phase and 0 for every other.
	Phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "updater_phase",
			Help: "Current orchestrator phase (1 = active).",
		},
		[]string{"phase"},
	)

	// ChecksTotal counts version checks by result: available, incompatible, none, failed, skipped.
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_checks_total",
			Help: "Total number of version checks by result.",
		},
		[]string{"result"},
	)

	// PipelineTotal counts finished install pipelines by outcome.
	PipelineTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_pipeline_total",
			Help: "Total number of install pipelines by outcome.",
		},
		[]string{"outcome"},
	)

	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "updater_download_bytes_total",
			Help: "Total bytes of update packages downloaded.",
		},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_rollbacks_total",
			Help: "Total number of rollbacks by result.",
		},
		[]string{"result"},
	)

	// EventsDroppedTotal counts bus events a slow subscriber missed.
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updater_events_dropped_total",
			Help: "Total number of bus events dropped per subscriber.",
		},
		[]string{"subscriber"},
	)

	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "updater_pipeline_duration_seconds",
			Help:    "Wall time from backup to stability verdict.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		Phase,
		ChecksTotal,
		PipelineTotal,
		DownloadBytesTotal,
		RollbacksTotal,
		EventsDroppedTotal,
		PipelineDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	SetPhase(model.PhaseIdle)
}

// SetPhase moves the phase gauge to p.
func SetPhase(p model.Phase) {
	for _, each := range model.Phases {
		v := 0.0
		if each == p {
			v = 1
		}
		Phase.WithLabelValues(string(each)).Set(v)
	}
}
