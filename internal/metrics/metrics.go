// Package metrics is a lightweight metrics registry with a Prometheus
// text-format endpoint. It avoids pulling in client_golang for the handful of
// counters the gateway exposes.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing value.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Set replaces the gauge value.
func (g *Gauge) Set(n int64) { g.value.Store(n) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

var (
	mu        sync.Mutex
	counters  []*Counter
	gauges    []*Gauge
	startTime = time.Now()
)

// NewCounter registers a counter under the given exposition name.
func NewCounter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	mu.Lock()
	counters = append(counters, c)
	mu.Unlock()
	return c
}

// NewGauge registers a gauge under the given exposition name.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	mu.Lock()
	gauges = append(gauges, g)
	mu.Unlock()
	return g
}

// Gateway-wide metrics.
var (
	EventsQueued    = NewCounter("satorigate_events_queued_total", "Events accepted into adapter queues.")
	EventsDropped   = NewCounter("satorigate_events_dropped_total", "Events dropped because an adapter queue was full.")
	EventsForwarded = NewCounter("satorigate_events_forwarded_total", "Event frames pushed to subscribers.")
	MessagesSent    = NewCounter("satorigate_messages_sent_total", "Outbound platform message segments sent.")
	SendFailures    = NewCounter("satorigate_send_failures_total", "Outbound platform API calls that failed.")
	Reconnects      = NewCounter("satorigate_reconnects_total", "Adapter reconnect attempts after a lost connection.")
	Subscribers     = NewGauge("satorigate_subscribers", "Currently connected WebSocket subscribers.")
)

// Handler serves the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		mu.Lock()
		cs := make([]*Counter, len(counters))
		copy(cs, counters)
		gs := make([]*Gauge, len(gauges))
		copy(gs, gauges)
		mu.Unlock()

		sort.Slice(cs, func(i, j int) bool { return cs[i].name < cs[j].name })
		sort.Slice(gs, func(i, j int) bool { return gs[i].name < gs[j].name })

		for _, c := range cs {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", c.name, c.help, c.name, c.name, c.Value())
		}
		for _, g := range gs {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", g.name, g.help, g.name, g.name, g.Value())
		}
		fmt.Fprintf(w, "# HELP satorigate_uptime_seconds Process uptime.\n# TYPE satorigate_uptime_seconds gauge\nsatorigate_uptime_seconds %d\n", int64(time.Since(startTime).Seconds()))
	})
}
