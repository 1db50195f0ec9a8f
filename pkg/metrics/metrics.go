// Package metrics provides metrics collection for deprisk: an in-memory
// collector for tests and a Prometheus-backed one for the binary.
package metrics

import (
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Implement this interface to use custom metrics backends (Prometheus, StatsD, etc.).
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)
	GaugeInc(name string, labels ...string)
	GaugeDec(name string, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler

	// Reset clears all metrics (for testing)
	Reset()
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms
}

// =============================================================================
// Default Metrics - Standard metrics for deprisk
// =============================================================================

var (
	// Source fetch metrics
	SourceFetchesTotal = MetricDefinition{
		Name:   "deprisk_source_fetches_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of advisory source fetches by outcome",
		Labels: []string{"source", "status"},
	}
	SourceFetchDuration = MetricDefinition{
		Name:    "deprisk_source_fetch_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of advisory source fetches in seconds, retries included",
		Labels:  []string{"source"},
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}
	SourceFetchesInFlight = MetricDefinition{
		Name:   "deprisk_source_fetches_in_flight",
		Type:   MetricTypeGauge,
		Help:   "Advisory source fetches currently running, rate limiter wait included",
		Labels: []string{"source"},
	}
	SourceRetriesTotal = MetricDefinition{
		Name:   "deprisk_source_retries_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of retried advisory source fetches",
		Labels: []string{"source"},
	}
	VulnerabilitiesTotal = MetricDefinition{
		Name:   "deprisk_vulnerabilities_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of normalized vulnerability records returned by sources",
		Labels: []string{"source"},
	}

	// Cache metrics
	CacheHits = MetricDefinition{
		Name:   "deprisk_cache_hits_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of response cache hits",
		Labels: []string{"source"},
	}
	CacheMisses = MetricDefinition{
		Name:   "deprisk_cache_misses_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of response cache misses",
		Labels: []string{"source"},
	}

	CacheEntriesPurged = MetricDefinition{
		Name:   "deprisk_cache_entries_purged_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of expired cache entries removed by purges",
		Labels: []string{"tier"},
	}

	// Scoring metrics
	DependenciesScored = MetricDefinition{
		Name:   "deprisk_dependencies_scored_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of dependencies scored by risk level",
		Labels: []string{"risk_level"},
	}
	ScoringFallbacks = MetricDefinition{
		Name:   "deprisk_scoring_fallbacks_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of dependencies recorded with a fallback score",
		Labels: []string{},
	}
	ProfileDuration = MetricDefinition{
		Name:    "deprisk_profile_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of a full project profile run in seconds",
		Labels:  []string{"ecosystem"},
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}
)

// DefaultMetrics returns every metric deprisk records.
func DefaultMetrics() []MetricDefinition {
	return []MetricDefinition{
		SourceFetchesTotal,
		SourceFetchDuration,
		SourceFetchesInFlight,
		SourceRetriesTotal,
		VulnerabilitiesTotal,
		CacheHits,
		CacheMisses,
		CacheEntriesPurged,
		DependenciesScored,
		ScoringFallbacks,
		ProfileDuration,
	}
}

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
// Use this when metrics are not needed.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) GaugeInc(name string, labels ...string)                        {}
func (c *NopCollector) GaugeDec(name string, labels ...string)                        {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }
func (c *NopCollector) Reset()                                                        {}

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return &NopCollector{}
	}
	return c
}

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i < len(labels); i += 2 {
		if i+1 < len(labels) {
			key += "," + labels[i] + "=" + labels[i+1]
		}
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.counters[key] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.gauges[key] = value
}

func (c *InMemoryCollector) GaugeInc(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.gauges[key]++
}

func (c *InMemoryCollector) GaugeDec(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.gauges[key]--
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]float64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer is a helper for timing operations and recording to histograms.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
