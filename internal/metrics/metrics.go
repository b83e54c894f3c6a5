// Package metrics exposes sampler counters and timings to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "volseg"

// Sampler holds the collectors the sub-epoch sampler reports to. A nil
// *Sampler is valid and records nothing.
type Sampler struct {
	subepochs        *prometheus.CounterVec
	samplesDrawn     *prometheus.CounterVec
	samplesShort     *prometheus.CounterVec
	degenerate       *prometheus.CounterVec
	workerTimeouts   prometheus.Counter
	poolRecreations  prometheus.Counter
	subepochDuration prometheus.Histogram
	subjectLoad      prometheus.Histogram
}

// NewSampler registers the collectors on reg. A nil reg creates unregistered
// collectors.
func NewSampler(reg prometheus.Registerer) *Sampler {
	factory := promauto.With(reg)
	return &Sampler{
		subepochs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subepochs_total",
			Help:      "Sub-epochs sampled by result",
		}, []string{"result"}),
		samplesDrawn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_drawn_total",
			Help:      "Segments extracted by sampling category",
		}, []string{"category"}),
		samplesShort: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_shortfall_total",
			Help:      "Segments requested but not drawn by sampling category",
		}, []string{"category"}),
		degenerate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degenerate_categories_total",
			Help:      "Subject categories skipped because their sampling map was all zeros",
		}, []string{"category"}),
		workerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_timeouts_total",
			Help:      "Job results that were not ready within the job timeout",
		}),
		poolRecreations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_recreations_total",
			Help:      "Worker pools torn down and recreated to resubmit pending jobs",
		}),
		subepochDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subepoch_duration_seconds",
			Help:      "Wall time to sample one sub-epoch",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		subjectLoad: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subject_load_seconds",
			Help:      "Wall time to load and prepare one subject",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
	}
}

func (m *Sampler) SubepochDone(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.subepochs.WithLabelValues(result).Inc()
	m.subepochDuration.Observe(d.Seconds())
}

func (m *Sampler) CategoryDrawn(category string, requested, drawn int) {
	if m == nil {
		return
	}
	m.samplesDrawn.WithLabelValues(category).Add(float64(drawn))
	if requested > drawn {
		m.samplesShort.WithLabelValues(category).Add(float64(requested - drawn))
	}
}

func (m *Sampler) DegenerateCategory(category string) {
	if m == nil {
		return
	}
	m.degenerate.WithLabelValues(category).Inc()
}

func (m *Sampler) WorkerTimeout() {
	if m == nil {
		return
	}
	m.workerTimeouts.Inc()
}

func (m *Sampler) PoolRecreated() {
	if m == nil {
		return
	}
	m.poolRecreations.Inc()
}

func (m *Sampler) SubjectLoaded(d time.Duration) {
	if m == nil {
		return
	}
	m.subjectLoad.Observe(d.Seconds())
}
