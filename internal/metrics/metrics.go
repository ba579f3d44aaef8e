// Package metrics holds the Prometheus counters exported by the edge server
// and the revalidation workers. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	revalidations  *prometheus.CounterVec
	deleteChunks   *prometheus.CounterVec
	warmRequests   *prometheus.CounterVec
	artifactWrites *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	c := &Collector{
		registry:       registry,
		decisions:      counter("edge_decisions_total", "Routing decisions by action", "action"),
		storeErrors:    counter("store_errors_total", "Object store and index failures by operation", "op"),
		revalidations:  counter("revalidations_total", "Processed revalidation requests", "trigger", "result"),
		deleteChunks:   counter("delete_chunks_total", "Batch delete chunks by target", "target", "result"),
		warmRequests:   counter("warm_requests_total", "Origin warm requests", "result"),
		artifactWrites: counter("artifact_writes_total", "Artifact put attempts", "result"),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.decisions,
		c.storeErrors,
		c.revalidations,
		c.deleteChunks,
		c.warmRequests,
		c.artifactWrites,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Decision(action string) {
	if c != nil {
		c.decisions.WithLabelValues(action).Inc()
	}
}

func (c *Collector) StoreError(op string) {
	if c != nil {
		c.storeErrors.WithLabelValues(op).Inc()
	}
}

func (c *Collector) Revalidation(trigger, result string) {
	if c != nil {
		c.revalidations.WithLabelValues(trigger, result).Inc()
	}
}

// DeleteChunks records ok and failed chunk counts for one batch delete.
func (c *Collector) DeleteChunks(target string, ok, failed int) {
	if c == nil {
		return
	}
	c.deleteChunks.WithLabelValues(target, "ok").Add(float64(ok))
	c.deleteChunks.WithLabelValues(target, "failed").Add(float64(failed))
}

func (c *Collector) Warm(result string) {
	if c != nil {
		c.warmRequests.WithLabelValues(result).Inc()
	}
}

func (c *Collector) ArtifactWrite(result string) {
	if c != nil {
		c.artifactWrites.WithLabelValues(result).Inc()
	}
}
