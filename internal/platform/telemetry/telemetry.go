// Package telemetry keeps in-process request and survey metrics and serves
// them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Config holds the telemetry settings.
type Config struct {
	ServiceName string
	// MetricsEnabled nil means enabled.
	MetricsEnabled *bool
}

func (c *Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

// Count returns the number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Series store: one value per (name, labels)
// ---------------------------------------------------------------------------

type series struct {
	name   string
	labels string // rendered as k="v",k="v"
	value  int64
}

type seriesStore struct {
	mu    sync.RWMutex
	items map[string]*series
}

func newSeriesStore() *seriesStore {
	return &seriesStore{items: make(map[string]*series)}
}

// renderLabels turns alternating key/value pairs into Prometheus label syntax.
// A dangling key is dropped.
func renderLabels(kv []string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kv[i], kv[i+1])
	}
	return b.String()
}

func (s *seriesStore) get(name string, kv []string) *series {
	labels := renderLabels(kv)
	key := name + "{" + labels + "}"
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; !ok {
		p = &series{name: name, labels: labels}
		s.items[key] = p
	}
	return p
}

func (s *seriesStore) add(name string, delta int64, kv ...string) {
	atomic.AddInt64(&s.get(name, kv).value, delta)
}

func (s *seriesStore) set(name string, val int64, kv ...string) {
	atomic.StoreInt64(&s.get(name, kv).value, val)
}

func (s *seriesStore) value(name string, kv ...string) int64 {
	key := name + "{" + renderLabels(kv) + "}"
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&p.value)
}

// byName groups a snapshot of the store by metric name, sorted by labels.
func (s *seriesStore) byName() map[string][]series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]series)
	for _, p := range s.items {
		out[p.name] = append(out[p.name], series{name: p.name, labels: p.labels, value: atomic.LoadInt64(&p.value)})
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
	}
	return out
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// defaultDurationBuckets are request duration boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

const (
	requestDuration = "http_server_request_duration_seconds"
	activeRequests  = "http_server_active_requests"
)

// Collector is called before every export to refresh gauges.
type Collector func(p *Provider)

// Provider holds all metric state.
type Provider struct {
	cfg Config

	histMu     sync.RWMutex
	histograms map[string]*histogram // keyed by rendered labels

	counters *seriesStore
	gauges   *seriesStore
	help     sync.Map // metric name -> help text

	collectMu  sync.Mutex
	collectors []Collector
}

// NewProvider creates a metrics provider.
func NewProvider(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wellness-server"
	}
	return &Provider{
		cfg:        cfg,
		histograms: make(map[string]*histogram),
		counters:   newSeriesStore(),
		gauges:     newSeriesStore(),
	}
}

// Describe sets the HELP text of a metric.
func (p *Provider) Describe(name, help string) {
	p.help.Store(name, help)
}

// Inc adds one to a counter. kv are alternating label names and values.
func (p *Provider) Inc(name string, kv ...string) {
	if !p.cfg.metricsOn() {
		return
	}
	p.counters.add(name, 1, kv...)
}

// Add moves a gauge by delta.
func (p *Provider) Add(name string, delta int64) {
	if !p.cfg.metricsOn() {
		return
	}
	p.gauges.add(name, delta)
}

// SetGauge sets a gauge value.
func (p *Provider) SetGauge(name string, val int64) {
	if !p.cfg.metricsOn() {
		return
	}
	p.gauges.set(name, val)
}

// Counter returns the current value of a counter series.
func (p *Provider) Counter(name string, kv ...string) int64 {
	return p.counters.value(name, kv...)
}

// Gauge returns the current value of a gauge.
func (p *Provider) Gauge(name string) int64 {
	return p.gauges.value(name)
}

// RegisterCollector adds a function run before every export.
func (p *Provider) RegisterCollector(c Collector) {
	p.collectMu.Lock()
	p.collectors = append(p.collectors, c)
	p.collectMu.Unlock()
}

func (p *Provider) duration(labels string) *histogram {
	p.histMu.RLock()
	h, ok := p.histograms[labels]
	p.histMu.RUnlock()
	if ok {
		return h
	}
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if h, ok = p.histograms[labels]; !ok {
		h = newHistogram(defaultDurationBuckets)
		p.histograms[labels] = h
	}
	return h
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request durations by method, route and status.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.gauges.add(activeRequests, 1)
			start := time.Now()

			err := next(c)

			p.gauges.add(activeRequests, -1)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			labels := renderLabels([]string{
				"method", c.Request().Method,
				"route", route,
				"status_code", strconv.Itoa(status),
			})
			p.duration(labels).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves all metrics in Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		p.collectMu.Lock()
		collectors := append([]Collector(nil), p.collectors...)
		p.collectMu.Unlock()
		for _, collect := range collectors {
			collect(p)
		}

		var b strings.Builder
		p.writeDurations(&b)
		p.writeSeries(&b, "counter", p.counters.byName())
		p.writeSeries(&b, "gauge", p.gauges.byName())
		return c.String(http.StatusOK, b.String())
	}
}

func (p *Provider) helpFor(name string) string {
	if v, ok := p.help.Load(name); ok {
		return v.(string)
	}
	return strings.ReplaceAll(name, "_", " ") + "."
}

func (p *Provider) writeDurations(b *strings.Builder) {
	p.histMu.RLock()
	labels := make([]string, 0, len(p.histograms))
	for l := range p.histograms {
		labels = append(labels, l)
	}
	hs := make(map[string]*histogram, len(p.histograms))
	for l, h := range p.histograms {
		hs[l] = h
	}
	p.histMu.RUnlock()
	sort.Strings(labels)

	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n", requestDuration)
	fmt.Fprintf(b, "# TYPE %s histogram\n", requestDuration)
	for _, l := range labels {
		writeSingleHistogram(b, requestDuration, l, hs[l])
	}
	b.WriteByte('\n')
}

func (p *Provider) writeSeries(b *strings.Builder, typ string, groups map[string][]series) {
	names := make([]string, 0, len(groups))
	for n := range groups {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "# HELP %s %s\n", name, p.helpFor(name))
		fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
		for _, s := range groups[name] {
			if s.labels == "" {
				fmt.Fprintf(b, "%s %d\n", name, s.value)
			} else {
				fmt.Fprintf(b, "%s{%s} %d\n", name, s.labels, s.value)
			}
		}
		b.WriteByte('\n')
	}
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
