// Package metrics provides the Prometheus metrics recorded while building
// folds and drawing batches.
//
// Every recording method is safe to call on a nil *DatasetMetrics so
// components can take metrics as an optional dependency.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Exclusion reasons used as the "reason" label of SamplesExcluded.
const (
	ReasonNotRendered = "not_rendered"
	ReasonNotInFolds  = "not_in_folds"
)

// DatasetMetrics contains the metrics of fold assignment, image resolution
// and batch sampling.
type DatasetMetrics struct {
	SamplesAdmitted  *prometheus.GaugeVec
	SamplesExcluded  *prometheus.CounterVec
	BatchesDrawn     prometheus.Counter
	SamplesDrawn     *prometheus.CounterVec
	Resamples        prometheus.Counter
	DecodeErrors     *prometheus.CounterVec
	ImageCacheHits   prometheus.Counter
	ImageCacheMisses prometheus.Counter
	DecodeDuration   prometheus.Histogram
}

// NewDatasetMetrics creates the metrics and registers them with registry.
func NewDatasetMetrics(registry prometheus.Registerer) (*DatasetMetrics, error) {
	m := &DatasetMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, errors.Wrap(err, "failed to register dataset metrics")
	}
	return m, nil
}

func (m *DatasetMetrics) initMetrics() {
	m.SamplesAdmitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roost_samples_admitted",
		Help: "Number of labeled samples admitted into the folds, by class.",
	}, []string{"class"})

	m.SamplesExcluded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_samples_excluded_total",
		Help: "Total number of labeled samples left out of the folds, by reason.",
	}, []string{"reason"})

	m.BatchesDrawn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roost_batches_drawn_total",
		Help: "Total number of balanced batches assembled.",
	})

	m.SamplesDrawn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_samples_drawn_total",
		Help: "Total number of samples placed in batches, by set.",
	}, []string{"set"})

	m.Resamples = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roost_resamples_total",
		Help: "Total number of batch slots redrawn after an unreadable image.",
	})

	m.DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_image_decode_errors_total",
		Help: "Total number of images that failed to decode, by product.",
	}, []string{"product"})

	m.ImageCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roost_image_cache_hits_total",
		Help: "Total number of decoded images served from the cache.",
	})

	m.ImageCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roost_image_cache_misses_total",
		Help: "Total number of image lookups that had to decode from storage.",
	})

	m.DecodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roost_image_decode_duration_seconds",
		Help:    "Duration of image decoding in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
}

// SetAdmitted records the number of admitted samples of a class.
func (m *DatasetMetrics) SetAdmitted(positive bool, n int) {
	if m == nil {
		return
	}
	m.SamplesAdmitted.WithLabelValues(className(positive)).Set(float64(n))
}

// AddExcluded counts samples left out of the folds.
func (m *DatasetMetrics) AddExcluded(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SamplesExcluded.WithLabelValues(reason).Add(float64(n))
}

// ObserveBatch counts one batch of n samples drawn from set.
func (m *DatasetMetrics) ObserveBatch(set string, n int) {
	if m == nil {
		return
	}
	m.BatchesDrawn.Inc()
	m.SamplesDrawn.WithLabelValues(set).Add(float64(n))
}

// IncrementResamples counts one redrawn batch slot.
func (m *DatasetMetrics) IncrementResamples() {
	if m == nil {
		return
	}
	m.Resamples.Inc()
}

// IncrementDecodeErrors counts one image of product that failed to decode.
func (m *DatasetMetrics) IncrementDecodeErrors(product string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(product).Inc()
}

// IncrementCacheHits increases the image cache hit counter by one.
func (m *DatasetMetrics) IncrementCacheHits() {
	if m == nil {
		return
	}
	m.ImageCacheHits.Inc()
}

// IncrementCacheMisses increases the image cache miss counter by one.
func (m *DatasetMetrics) IncrementCacheMisses() {
	if m == nil {
		return
	}
	m.ImageCacheMisses.Inc()
}

// ObserveDecodeDuration records how long one decode took, in seconds.
func (m *DatasetMetrics) ObserveDecodeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.DecodeDuration.Observe(seconds)
}

// Collect implements the prometheus.Collector interface.
func (m *DatasetMetrics) Collect(ch chan<- prometheus.Metric) {
	m.SamplesAdmitted.Collect(ch)
	m.SamplesExcluded.Collect(ch)
	ch <- m.BatchesDrawn
	m.SamplesDrawn.Collect(ch)
	ch <- m.Resamples
	m.DecodeErrors.Collect(ch)
	ch <- m.ImageCacheHits
	ch <- m.ImageCacheMisses
	ch <- m.DecodeDuration
}

// Describe implements the prometheus.Collector interface.
func (m *DatasetMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.SamplesAdmitted.Describe(ch)
	m.SamplesExcluded.Describe(ch)
	ch <- m.BatchesDrawn.Desc()
	m.SamplesDrawn.Describe(ch)
	ch <- m.Resamples.Desc()
	m.DecodeErrors.Describe(ch)
	ch <- m.ImageCacheHits.Desc()
	ch <- m.ImageCacheMisses.Desc()
	ch <- m.DecodeDuration.Desc()
}

func className(positive bool) string {
	if positive {
		return "roost"
	}
	return "no_roost"
}
