package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Metric is a point-in-time reading of a registered metric
type Metric struct {
	Name  string     `json:"name"`
	Type  MetricType `json:"type"`
	Value int64      `json:"value"`
	Help  string     `json:"help"`
}

// MetricsRegistry manages the counters and gauges of one database handle
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

// NewMetricsRegistry creates a new metrics registry
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
	}
}

// Counter represents a monotonically increasing counter
type Counter struct {
	name  string
	help  string
	value int64
}

// NewCounter registers a counter, returning the existing one if name is taken
func (mr *MetricsRegistry) NewCounter(name, help string) *Counter {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if c, ok := mr.counters[name]; ok {
		return c
	}
	counter := &Counter{name: name, help: help}
	mr.counters[name] = counter
	return counter
}

func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

func (c *Counter) Add(delta int64) {
	if delta < 0 {
		return
	}
	atomic.AddInt64(&c.value, delta)
}

func (c *Counter) Get() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge represents a value that can go up and down
type Gauge struct {
	name  string
	help  string
	value int64
}

// NewGauge registers a gauge, returning the existing one if name is taken
func (mr *MetricsRegistry) NewGauge(name, help string) *Gauge {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if g, ok := mr.gauges[name]; ok {
		return g
	}
	gauge := &Gauge{name: name, help: help}
	mr.gauges[name] = gauge
	return gauge
}

func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

func (g *Gauge) Get() int64 {
	return atomic.LoadInt64(&g.value)
}

// GetAllMetrics returns all metrics sorted by name
func (mr *MetricsRegistry) GetAllMetrics() []Metric {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	result := make([]Metric, 0, len(mr.counters)+len(mr.gauges))
	for name, counter := range mr.counters {
		result = append(result, Metric{Name: name, Type: MetricTypeCounter, Value: counter.Get(), Help: counter.help})
	}
	for name, gauge := range mr.gauges {
		result = append(result, Metric{Name: name, Type: MetricTypeGauge, Value: gauge.Get(), Help: gauge.help})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Format renders all metrics one per line as "name value"
func (mr *MetricsRegistry) Format() string {
	var b strings.Builder
	for _, m := range mr.GetAllMetrics() {
		fmt.Fprintf(&b, "%s %d\n", m.Name, m.Value)
	}
	return b.String()
}
