package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdcsnap/internal/merge"
)

type Registry struct {
	reg           *prometheus.Registry
	Cycles        *prometheus.CounterVec
	MergeOutcomes *prometheus.CounterVec
	Rejected      *prometheus.CounterVec
	Ingested      prometheus.Counter
	Staged        prometheus.Counter
	StagedObjects prometheus.Counter
	CycleSec      prometheus.Histogram
	LastCommit    prometheus.Gauge

	// recovery
	ReplayApplied prometheus.Counter
	ReplaySkipped prometheus.Counter
	TTRSec        prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcsnap_cycles_total",
		Help: "Merge cycles by final state.",
	}, []string{"state"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcsnap_merge_records_total",
		Help: "Merged records by outcome.",
	}, []string{"outcome"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdcsnap_rejected_total",
		Help: "Change events rejected by stage.",
	}, []string{"stage"})
	ingested := prometheus.NewCounter(prometheus.CounterOpts{Name: "cdcsnap_ingested_events_total"})
	staged := prometheus.NewCounter(prometheus.CounterOpts{Name: "cdcsnap_staged_records_total"})
	stagedObjects := prometheus.NewCounter(prometheus.CounterOpts{Name: "cdcsnap_staged_objects_total"})
	cycleSec := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cdcsnap_cycle_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	lastCommit := prometheus.NewGauge(prometheus.GaugeOpts{Name: "cdcsnap_last_commit_timestamp_seconds"})
	replayApplied := prometheus.NewCounter(prometheus.CounterOpts{Name: "cdcsnap_replay_applied_total"})
	replaySkipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "cdcsnap_replay_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "cdcsnap_recovery_ttr_seconds"})

	r.MustRegister(cycles, outcomes, rejected, ingested, staged, stagedObjects, cycleSec, lastCommit, replayApplied, replaySkipped, ttr)
	return &Registry{
		reg:           r,
		Cycles:        cycles,
		MergeOutcomes: outcomes,
		Rejected:      rejected,
		Ingested:      ingested,
		Staged:        staged,
		StagedObjects: stagedObjects,
		CycleSec:      cycleSec,
		LastCommit:    lastCommit,
		ReplayApplied: replayApplied,
		ReplaySkipped: replaySkipped,
		TTRSec:        ttr,
	}
}

// ObserveMerge adds the per-outcome counts of one merge.
func (r *Registry) ObserveMerge(res merge.Result) {
	r.MergeOutcomes.WithLabelValues("inserted").Add(float64(res.Inserted))
	r.MergeOutcomes.WithLabelValues("updated").Add(float64(res.Updated))
	r.MergeOutcomes.WithLabelValues("deleted").Add(float64(res.Deleted))
	r.MergeOutcomes.WithLabelValues("skipped").Add(float64(res.Skipped))
	r.MergeOutcomes.WithLabelValues("superseded").Add(float64(res.Superseded))
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
