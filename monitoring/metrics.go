// Package monitoring exposes Prometheus metrics and a WebSocket hub that
// streams retrain job status to connected clients.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the prediction service.
type Metrics struct {
	PredictionsTotal *prometheus.CounterVec
	PredictSeconds   prometheus.Histogram
	BatchSize        prometheus.Histogram
	CacheHitsTotal   prometheus.Counter
	RetrainsTotal    *prometheus.CounterVec
	ModelAccuracy    prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		PredictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "croprec_predictions_total",
			Help: "Predictions served, by outcome",
		}, []string{"outcome"}),

		PredictSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "croprec_predict_seconds",
			Help:    "Time spent on a single prediction",
			Buckets: prometheus.DefBuckets,
		}),

		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "croprec_batch_size",
			Help:    "Number of items per batch prediction request",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),

		CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "croprec_prediction_cache_hits_total",
			Help: "Predictions served from the result cache",
		}),

		RetrainsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "croprec_retrains_total",
			Help: "Retrain jobs, by final state",
		}, []string{"state"}),

		ModelAccuracy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "croprec_model_test_accuracy",
			Help: "Held-out accuracy of the active model snapshot",
		}),
	}
}
