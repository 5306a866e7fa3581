package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/telemetryrelay/metric"
)

type instruments struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func registerInstruments(registry *metric.MetricsRegistry, prefix string) (*instruments, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryrelay", Subsystem: "cache", Name: name, Help: help, ConstLabels: labels,
		})
	}
	inst := &instruments{
		hits:      counter("hits_total", "Cache lookups that found an entry"),
		misses:    counter("misses_total", "Cache lookups that found nothing"),
		sets:      counter("sets_total", "Cache writes"),
		evictions: counter("evictions_total", "Entries evicted to stay within the limit"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetryrelay", Subsystem: "cache", Name: "entries", Help: "Entries currently cached", ConstLabels: labels,
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"cache_hits":      inst.hits,
		"cache_misses":    inst.misses,
		"cache_sets":      inst.sets,
		"cache_evictions": inst.evictions,
		"cache_entries":   inst.size,
	} {
		if err := registry.Register(prefix, name, c); err != nil {
			return nil, err
		}
	}
	return inst, nil
}
