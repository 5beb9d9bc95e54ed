// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the message pipeline. It outputs text/plain in Prometheus
// exposition format without requiring the heavy prometheus/client_golang
// dependency.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewCollector()

// Pipeline counters. Registered up front so the exposition is stable even
// before the first message flows.
var (
	InboundReceived = Collector.Counter("feishubot_inbound_received_total", "Inbound events delivered by the transport")
	InboundDeduped  = Collector.Counter("feishubot_inbound_deduped_total", "Inbound events suppressed as duplicates")
	Downloads       = Collector.Counter("feishubot_downloads_total", "Media downloads attempted")
	DownloadErrors  = Collector.Counter("feishubot_download_errors_total", "Media downloads that failed")
	Uploads         = Collector.Counter("feishubot_uploads_total", "Media uploads attempted")
	UploadErrors    = Collector.Counter("feishubot_upload_errors_total", "Media uploads that failed")
	Sends           = Collector.Counter("feishubot_sends_total", "Outbound platform sends attempted")
	SendErrors      = Collector.Counter("feishubot_send_errors_total", "Outbound platform sends that failed")
)

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// MetricsCollector aggregates counters and gauges.
type MetricsCollector struct {
	counters  sync.Map // name -> *Counter
	gauges    sync.Map // name -> *Gauge
	startTime time.Time
}

// NewCollector creates a new collector.
func NewCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help string) *Counter {
	if v, ok := c.counters.Load(name); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(name, &Counter{name: name, help: help})
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help string) *Gauge {
	if v, ok := c.gauges.Load(name); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(name, &Gauge{name: name, help: help})
	return actual.(*Gauge)
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		fmt.Fprintf(&sb, "# HELP feishubot_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE feishubot_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "feishubot_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		// Sorted rendering keeps scrapes diffable.
		var counters []*Counter
		c.counters.Range(func(_, value any) bool {
			counters = append(counters, value.(*Counter))
			return true
		})
		sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
		for _, ctr := range counters {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			fmt.Fprintf(&sb, "%s %d\n", ctr.name, ctr.Value())
		}

		var gauges []*Gauge
		c.gauges.Range(func(_, value any) bool {
			gauges = append(gauges, value.(*Gauge))
			return true
		})
		sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })
		for _, g := range gauges {
			fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
		}

		fmt.Fprint(w, sb.String())
	}
}
