// Package metrics implements the MetricsCollector described in the core
// spec: a write-mostly sink of counters, gauges, and histograms observed by
// every other component. Writes are lock-free (prometheus' own atomic
// primitives); Snapshot assembles a point-in-time read that is not required
// to be atomic across metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelcore/runtime/pkg/logging"
)

// Collector is the concrete MetricsCollector. It owns its own prometheus
// registry rather than registering into the global default registry, so
// that multiple Collectors (e.g. in tests) never collide.
type Collector struct {
	log logging.Logger
	reg *prometheus.Registry

	counters   *prometheus.CounterVec
	gauges     *prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// New constructs a Collector with its own private registry.
func New(log logging.Logger) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		log: log,
		reg: reg,
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelcore",
			Name:      "events_total",
			Help:      "Generic monotonic event counters keyed by name and component.",
		}, []string{"name", "component"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modelcore",
			Name:      "levels",
			Help:      "Generic last-write-wins gauges keyed by name and component.",
		}, []string{"name", "component"}),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	reg.MustRegister(c.counters, c.gauges)
	return c
}

// Registry exposes the underlying prometheus registry for host-side HTTP
// scraping (e.g. mounting promhttp.HandlerFor(c.Registry(), ...)).
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// IncCounter adds delta (must be >= 0) to the named counter for component.
func (c *Collector) IncCounter(component, name string, delta float64) {
	c.counters.WithLabelValues(name, component).Add(delta)
}

// SetGauge sets the named gauge for component to value (last-write-wins).
func (c *Collector) SetGauge(component, name string, value float64) {
	c.gauges.WithLabelValues(name, component).Set(value)
}

// AddGauge adds delta (possibly negative) to the named gauge for component.
func (c *Collector) AddGauge(component, name string, delta float64) {
	c.gauges.WithLabelValues(name, component).Add(delta)
}

// Observe records value into a bucketed histogram named name for component,
// lazily registering the histogram with buckets on first use. Distinct
// components sharing a histogram name share the same bucket configuration.
func (c *Collector) Observe(component, name string, value float64, buckets []float64) {
	h, ok := c.histograms[name]
	if !ok {
		if buckets == nil {
			buckets = prometheus.DefBuckets
		}
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelcore",
			Name:      name,
			Help:      "Histogram for " + name,
			Buckets:   buckets,
		}, []string{"component"})
		c.reg.MustRegister(h)
		c.histograms[name] = h
	}
	h.WithLabelValues(component).Observe(value)
}

// Snapshot is a point-in-time view of the metrics values relevant to cache
// hit rates, inference events, and queue throughput, gathered from the
// underlying registry. It is not atomic across metrics: concurrent writers
// may cause values to be from slightly different instants.
type Snapshot struct {
	Counters map[string]float64
	Gauges   map[string]float64
}

// Gather assembles a Snapshot by walking the registered metric families.
func (c *Collector) Gather() (*Snapshot, error) {
	families, err := c.reg.Gather()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Counters: make(map[string]float64), Gauges: make(map[string]float64)}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += "," + lp.GetName() + "=" + lp.GetValue()
			}
			key += labels
			if m.Counter != nil {
				snap.Counters[key] = m.GetCounter().GetValue()
			}
			if m.Gauge != nil {
				snap.Gauges[key] = m.GetGauge().GetValue()
			}
		}
	}
	return snap, nil
}
