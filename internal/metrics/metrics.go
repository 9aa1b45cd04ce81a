// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the deployment pipeline and treasury report
// into. A single instance is shared service-wide.
type Metrics struct {
	Deployments      *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	PoolLiquid       prometheus.Gauge
	PoolReserved     prometheus.Gauge
	PoolRewards      prometheus.Gauge
}

// New registers the collectors with reg and returns them. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Deployments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solforge",
			Name:      "deployments_total",
			Help:      "Deployments finished, by outcome.",
		}, []string{"outcome"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "solforge",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of one deployment pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		PoolLiquid: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "solforge",
			Name:      "pool_liquid_lamports",
			Help:      "Treasury pool liquid balance.",
		}),
		PoolReserved: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "solforge",
			Name:      "pool_reserved_lamports",
			Help:      "Treasury pool lamports reserved for in-flight deployments.",
		}),
		PoolRewards: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "solforge",
			Name:      "pool_reward_lamports",
			Help:      "Treasury reward pool balance.",
		}),
	}
}

// ObservePool updates the pool gauges from a snapshot.
func (m *Metrics) ObservePool(liquid, reserved, rewards uint64) {
	m.PoolLiquid.Set(float64(liquid))
	m.PoolReserved.Set(float64(reserved))
	m.PoolRewards.Set(float64(rewards))
}
