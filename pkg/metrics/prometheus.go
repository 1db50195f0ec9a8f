package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusConfig configures NewPrometheusCollector.
type PrometheusConfig struct {
	// Registry defaults to a fresh registry carrying the Go runtime and
	// process collectors.
	Registry *prometheus.Registry

	// Definitions are registered up front. Nil means DefaultMetrics.
	Definitions []MetricDefinition
}

// PrometheusCollector records into client_golang vectors. Names that were
// never registered, and label sets that do not match a definition, are
// dropped rather than panicking on the hot path.
type PrometheusCollector struct {
	registry *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector and registers its definitions.
func NewPrometheusCollector(cfg PrometheusConfig) (*PrometheusCollector, error) {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	defs := cfg.Definitions
	if defs == nil {
		defs = DefaultMetrics()
	}

	c := &PrometheusCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds one definition. Registering the same name twice is a no-op;
// a definition clashing with another collector on the registry adopts the
// existing vector when the types agree.
func (c *PrometheusCollector) Register(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch def.Type {
	case MetricTypeCounter:
		if _, ok := c.counters[def.Name]; ok {
			return nil
		}
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: def.Name, Help: def.Help}, def.Labels)
		got, err := register(c.registry, vec)
		if err != nil {
			return err
		}
		c.counters[def.Name] = got
	case MetricTypeGauge:
		if _, ok := c.gauges[def.Name]; ok {
			return nil
		}
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: def.Name, Help: def.Help}, def.Labels)
		got, err := register(c.registry, vec)
		if err != nil {
			return err
		}
		c.gauges[def.Name] = got
	case MetricTypeHistogram:
		if _, ok := c.histograms[def.Name]; ok {
			return nil
		}
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: def.Name, Help: def.Help, Buckets: buckets}, def.Labels)
		got, err := register(c.registry, vec)
		if err != nil {
			return err
		}
		c.histograms[def.Name] = got
	default:
		return errors.New("metrics: unsupported metric type " + string(def.Type) + " for " + def.Name)
	}
	return nil
}

func register[V prometheus.Collector](reg prometheus.Registerer, vec V) (V, error) {
	err := reg.Register(vec)
	if err == nil {
		return vec, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(V); ok {
			return existing, nil
		}
	}
	return vec, err
}

// pairs turns "k1", "v1", "k2", "v2" into a label map. A trailing key
// without a value is ignored.
func pairs(labels []string) prometheus.Labels {
	m := make(prometheus.Labels, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

func (c *PrometheusCollector) counter(name string, labels []string) prometheus.Counter {
	c.mu.RLock()
	vec := c.counters[name]
	c.mu.RUnlock()
	if vec == nil {
		return nil
	}
	m, err := vec.GetMetricWith(pairs(labels))
	if err != nil {
		return nil
	}
	return m
}

func (c *PrometheusCollector) gauge(name string, labels []string) prometheus.Gauge {
	c.mu.RLock()
	vec := c.gauges[name]
	c.mu.RUnlock()
	if vec == nil {
		return nil
	}
	m, err := vec.GetMetricWith(pairs(labels))
	if err != nil {
		return nil
	}
	return m
}

func (c *PrometheusCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *PrometheusCollector) CounterAdd(name string, value float64, labels ...string) {
	if m := c.counter(name, labels); m != nil && value >= 0 {
		m.Add(value)
	}
}

func (c *PrometheusCollector) GaugeSet(name string, value float64, labels ...string) {
	if m := c.gauge(name, labels); m != nil {
		m.Set(value)
	}
}

func (c *PrometheusCollector) GaugeInc(name string, labels ...string) {
	if m := c.gauge(name, labels); m != nil {
		m.Inc()
	}
}

func (c *PrometheusCollector) GaugeDec(name string, labels ...string) {
	if m := c.gauge(name, labels); m != nil {
		m.Dec()
	}
}

func (c *PrometheusCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.RLock()
	vec := c.histograms[name]
	c.mu.RUnlock()
	if vec == nil {
		return
	}
	if m, err := vec.GetMetricWith(pairs(labels)); err == nil {
		m.Observe(value)
	}
}

// Handler serves the registry in the text or OpenMetrics format.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Reset drops every recorded series; registrations stay.
func (c *PrometheusCollector) Reset() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.counters {
		v.Reset()
	}
	for _, v := range c.gauges {
		v.Reset()
	}
	for _, v := range c.histograms {
		v.Reset()
	}
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

var _ Collector = (*PrometheusCollector)(nil)
