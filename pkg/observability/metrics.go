package observability

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetci"

type Counter struct {
	value int64
	prom  prometheus.Counter
}

func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
	c.prom.Inc()
}

func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
	c.prom.Add(float64(n))
}

func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

type Gauge struct {
	value int64
	prom  prometheus.Gauge
}

func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
	g.prom.Set(float64(v))
}

func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
	g.prom.Inc()
}

func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
	g.prom.Dec()
}

func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

type Histogram struct {
	mu    sync.Mutex
	sum   float64
	count int64
	prom  prometheus.Histogram
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.sum += v
	h.count++
	h.mu.Unlock()
	h.prom.Observe(v)
}

func (h *Histogram) Snapshot() (count int64, sum float64, avg float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0, 0, 0
	}
	return h.count, h.sum, h.sum / float64(h.count)
}

// MetricsRegistry hands out named metrics and registers each one with a
// private Prometheus registry on first use.
type MetricsRegistry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *MetricsRegistry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{prom: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name})}
	r.reg.MustRegister(c.prom)
	r.counters[name] = c
	return c
}

func (r *MetricsRegistry) Gauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{prom: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name})}
	r.reg.MustRegister(g.prom)
	r.gauges[name] = g
	return g
}

func (r *MetricsRegistry) Histogram(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := &Histogram{prom: prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
	})}
	r.reg.MustRegister(h.prom)
	r.histograms[name] = h
	return h
}

// Handler serves the registry in the Prometheus exposition format.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *MetricsRegistry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]interface{})

	for name, c := range r.counters {
		result["counter."+name] = c.Value()
	}

	for name, g := range r.gauges {
		result["gauge."+name] = g.Value()
	}
	for name, h := range r.histograms {
		count, sum, avg := h.Snapshot()
		result["histogram."+name+".count"] = count
		result["histogram."+name+".sum"] = sum
		result["histogram."+name+".avg"] = avg
	}
	return result
}
