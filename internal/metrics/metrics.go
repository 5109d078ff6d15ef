// Package metrics exposes Prometheus collectors for serving and promotion.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "churn"

var (
	// PredictionsTotal counts predict calls by outcome: ok/error/unavailable.
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Total number of prediction requests",
		},
		[]string{"outcome"},
	)

	PredictionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Prediction latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// ReloadsTotal counts model loads by outcome: champion/fallback/failed.
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_reloads_total",
			Help:      "Total number of model (re)load attempts",
		},
		[]string{"outcome"},
	)

	// ServingFallback is 1 while the fallback model is serving.
	ServingFallback = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "serving_fallback",
			Help:      "Whether the fallback model is active",
		},
	)

	// PromotionsTotal counts pipeline passes by outcome: published/partial/failed.
	PromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Total number of promotion pipeline runs",
		},
		[]string{"outcome"},
	)
)

func RecordPrediction(outcome string, d time.Duration) {
	PredictionsTotal.WithLabelValues(outcome).Inc()
	PredictionDuration.Observe(d.Seconds())
}

// RecordReload counts a load and updates the fallback gauge.
func RecordReload(outcome string) {
	ReloadsTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case "champion":
		ServingFallback.Set(0)
	case "fallback":
		ServingFallback.Set(1)
	}
}

func RecordPromotion(outcome string) {
	PromotionsTotal.WithLabelValues(outcome).Inc()
}
