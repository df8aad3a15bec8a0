// Package metrics holds the Prometheus collectors of the deploy and serve
// pipeline. A nil *Pipeline is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sitegate"

var buildBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}

// Pipeline records deployment and serving outcomes.
type Pipeline struct {
	deployments    *prometheus.CounterVec
	buildDuration  prometheus.Histogram
	publishedFiles prometheus.Counter
	serveRequests  *prometheus.CounterVec
}

// NewPipeline registers the pipeline collectors with reg, reusing collectors
// already registered under the same names.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployments by terminal status",
		}, []string{"status"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time from upload to terminal deployment status",
			Buckets:   buildBuckets,
		}),
		publishedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_files_total",
			Help:      "Objects uploaded to the blob store",
		}),
		serveRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serve_requests_total",
			Help:      "File serve requests by namespace and outcome",
		}, []string{"namespace", "outcome"}),
	}
	if reg == nil {
		return p
	}
	p.deployments = register(reg, p.deployments)
	p.buildDuration = register(reg, p.buildDuration)
	p.publishedFiles = register(reg, p.publishedFiles)
	p.serveRequests = register(reg, p.serveRequests)
	return p
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
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

// DeploymentFinished counts a terminal deployment and its duration.
func (p *Pipeline) DeploymentFinished(status string, took time.Duration) {
	if p == nil {
		return
	}
	p.deployments.WithLabelValues(status).Inc()
	p.buildDuration.Observe(took.Seconds())
}

// FilesPublished adds n uploaded objects.
func (p *Pipeline) FilesPublished(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.publishedFiles.Add(float64(n))
}

// Served counts one serve request.
func (p *Pipeline) Served(namespace, outcome string) {
	if p == nil {
		return
	}
	p.serveRequests.WithLabelValues(namespace, outcome).Inc()
}
