package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 120}

func (r *Router) initMetrics(reg prometheus.Registerer) {
	r.requestTotal = registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitegate",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))

	r.requestLatency = registerVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sitegate",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"}))

	r.rateLimitHits = registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitegate",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route", "key"}))
}

// registerVec registers c, or returns the collector already registered under
// the same descriptor.
func registerVec[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
