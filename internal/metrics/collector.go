// Package metrics exposes relay counters and latency histograms in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewRegistry()

// Registry aggregates counters, gauges and histograms keyed by name+labels.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func seriesKey(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns the counter for name+labels, creating it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := seriesKey(name, labels)
	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c = &Counter{name: name, help: help, labels: labels}
	r.counters[key] = c
	return c
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: labels}
	r.gauges[key] = g
	return g
}

func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	h := &Histogram{name: name, help: help, labels: labels, bounds: sorted, buckets: make([]int64, len(sorted))}
	r.histograms[key] = h
	return h
}

// Handler renders every series in Prometheus text format, sorted by name.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP agentrelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE agentrelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "agentrelay_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.RLock()
	counters := sortedValues(r.counters)
	gauges := sortedValues(r.gauges)
	histograms := sortedValues(r.histograms)
	r.mu.RUnlock()

	written := make(map[string]bool)
	header := func(name, help, kind string) {
		if written[name] {
			return
		}
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
		written[name] = true
	}

	for _, c := range counters {
		header(c.name, c.help, "counter")
		fmt.Fprintf(&sb, "%s %d\n", series(c.name, c.labels, ""), c.Value())
	}
	for _, g := range gauges {
		header(g.name, g.help, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels, ""), g.Value())
	}
	for _, h := range histograms {
		header(h.name, h.help, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_bucket", h.labels, `le="`+bound+`"`), h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_bucket", h.labels, `le="+Inf"`), h.count)
		fmt.Fprintf(&sb, "%s %g\n", series(h.name+"_sum", h.labels, ""), h.sum)
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels, ""), h.count)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func series(name, labels, extra string) string {
	switch {
	case labels == "" && extra == "":
		return name
	case labels == "":
		return name + "{" + extra + "}"
	case extra == "":
		return name + "{" + labels + "}"
	default:
		return name + "{" + labels + "," + extra + "}"
	}
}

func sortedValues[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// --- relay metrics ---

var latencyBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// UpdatesTotal counts dispatched updates by payload kind.
func UpdatesTotal(kind string) *Counter {
	return Collector.Counter("agentrelay_updates_total", "Telegram updates dispatched", `kind="`+kind+`"`)
}

// FailuresTotal counts degraded outcomes by stage (fetch, transcribe, ocr, agent, send, persist, tts).
func FailuresTotal(stage string) *Counter {
	return Collector.Counter("agentrelay_failures_total", "Failures by pipeline stage", `stage="`+stage+`"`)
}

func AgentLatency(backend string) *Histogram {
	return Collector.Histogram("agentrelay_agent_latency_seconds", "Agent call latency in seconds",
		`backend="`+backend+`"`, latencyBuckets)
}

var (
	IgnoredUpdates = Collector.Counter("agentrelay_ignored_updates_total", "Updates without a message", "")
	ChatRequests   = Collector.Counter("agentrelay_chat_requests_total", "HTTP chat requests", "")
	AgentCalls     = Collector.Counter("agentrelay_agent_calls_total", "Agent invocations", "")
	VoiceReplies   = Collector.Counter("agentrelay_voice_replies_total", "Synthesized voice replies sent", "")
	InFlight       = Collector.Gauge("agentrelay_dispatch_in_flight", "Updates currently being dispatched", "")
)
