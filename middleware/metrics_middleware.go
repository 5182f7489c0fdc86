package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors fed by MetricsMiddleware.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "postling_method_calls_total", Help: "inbound method calls by method and outcome"},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "postling_method_duration_seconds",
				Help:    "inbound method execution time.",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		),
	}
	reg.MustRegister(m.calls, m.duration)
	return m
}

func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			result, err := next(ctx, inv)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.calls.WithLabelValues(inv.Name, outcome).Inc()
			m.duration.WithLabelValues(inv.Name).Observe(time.Since(start).Seconds())
			return result, err
		}
	}
}
