package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/telemetryrelay/errors"
)

// MetricsRegistry owns a private Prometheus registry holding the relay core
// metrics, the Go runtime collectors and any component collectors added
// through Register.
type MetricsRegistry struct {
	prom *prometheus.Registry
	core *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector // "owner.name"
}

// NewMetricsRegistry creates a registry with the relay core metrics and Go runtime collectors
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:  prometheus.NewRegistry(),
		core:  NewMetrics(),
		owned: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.core.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the relay core metrics. A nil registry yields nil
// metrics, which record nothing.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.core
}

// Register adds a component collector under "owner.name". A key already in
// use, or a metric name Prometheus already knows, is rejected as invalid.
func (r *MetricsRegistry) Register(owner, name string, collector prometheus.Collector) error {
	key := owner + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.owned[key]; taken {
		return errors.WrapInvalid(fmt.Errorf("metric %s already registered", key),
			"MetricsRegistry", "Register", "check key")
	}

	err := r.prom.Register(collector)
	var dup prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		r.owned[key] = collector
		return nil
	case stderrors.As(err, &dup):
		return errors.WrapInvalid(err, "MetricsRegistry", "Register", "register "+key)
	default:
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+key)
	}
}

// Unregister removes the collector registered under "owner.name" and
// reports whether one was removed.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	key := owner + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()
	collector, ok := r.owned[key]
	if !ok || !r.prom.Unregister(collector) {
		return false
	}
	delete(r.owned, key)
	return true
}
