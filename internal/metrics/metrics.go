// Package metrics records per-dispatch timing and outcome data two
// ways: a fixed-size rolling window that backs the JSON stats endpoint
// with exact percentiles, and Prometheus collectors for scraping.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultWindowSize is the rolling-window record count when unconfigured.
const DefaultWindowSize = 1000

// Role labels which side of a coalesced dispatch a record came from.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// Record is one completed dispatch.
type Record struct {
	TS           time.Time
	TTFTMs       int64
	TotalMs      int64
	QueueWaitMs  int64
	Provider     string
	Model        string
	ErrorKind    string // empty on success
	CoalesceRole string
	Retries      int
}

// Quantiles summarizes one latency series over the window.
type Quantiles struct {
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Summary is the JSON aggregate view of the rolling window.
type Summary struct {
	TTFTMs      Quantiles `json:"ttft_ms"`
	TotalMs     Quantiles `json:"total_ms"`
	QueueWaitMs Quantiles `json:"queue_wait_ms"`
	ErrorRate   float64   `json:"error_rate"`
	Leaders     int64     `json:"coalesce_leaders"`
	Followers   int64     `json:"coalesce_followers"`
	WindowCount int       `json:"window_count"`
}

// Collector holds the rolling window and the Prometheus instruments.
type Collector struct {
	mu      sync.Mutex
	records []Record
	next    int
	filled  bool

	leaders   atomic.Int64
	followers atomic.Int64

	ttftSeconds      *prometheus.HistogramVec
	totalSeconds     *prometheus.HistogramVec
	queueWaitSeconds *prometheus.HistogramVec
	requestsTotal    *prometheus.CounterVec
	coalesceTotal    *prometheus.CounterVec
}

// NewCollector creates a collector with the given window size and
// registers its Prometheus instruments. windowSize <= 0 uses the
// default; reg may be nil to skip registration (tests).
func NewCollector(windowSize int, reg prometheus.Registerer) *Collector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	c := &Collector{
		records: make([]Record, windowSize),
		ttftSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaygate_ttft_seconds",
			Help:    "Time to first upstream token.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		totalSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaygate_dispatch_seconds",
			Help:    "Total dispatch duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider", "model"}),
		queueWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaygate_queue_wait_seconds",
			Help:    "Time spent waiting in the pacer.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"provider"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_requests_total",
			Help: "Dispatches by provider and outcome.",
		}, []string{"provider", "model", "outcome"}),
		coalesceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_coalesce_total",
			Help: "Coalesce participations by role.",
		}, []string{"role"}),
	}
	if reg != nil {
		reg.MustRegister(c.ttftSeconds, c.totalSeconds, c.queueWaitSeconds, c.requestsTotal, c.coalesceTotal)
	}
	return c
}

// Observe records one completed dispatch.
func (c *Collector) Observe(rec Record) {
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}

	c.mu.Lock()
	c.records[c.next] = rec
	c.next++
	if c.next == len(c.records) {
		c.next = 0
		c.filled = true
	}
	c.mu.Unlock()

	outcome := "ok"
	if rec.ErrorKind != "" {
		outcome = rec.ErrorKind
	}
	c.requestsTotal.WithLabelValues(rec.Provider, rec.Model, outcome).Inc()
	if rec.ErrorKind == "" {
		c.ttftSeconds.WithLabelValues(rec.Provider, rec.Model).Observe(float64(rec.TTFTMs) / 1000)
		c.totalSeconds.WithLabelValues(rec.Provider, rec.Model).Observe(float64(rec.TotalMs) / 1000)
	}
	c.queueWaitSeconds.WithLabelValues(rec.Provider).Observe(float64(rec.QueueWaitMs) / 1000)
}

// ObserveCoalesceRole counts a leader start or follower join.
func (c *Collector) ObserveCoalesceRole(role string) {
	switch role {
	case RoleLeader:
		c.leaders.Add(1)
	case RoleFollower:
		c.followers.Add(1)
	default:
		return
	}
	c.coalesceTotal.WithLabelValues(role).Inc()
}

// Leaders returns the cumulative leader count.
func (c *Collector) Leaders() int64 { return c.leaders.Load() }

// Followers returns the cumulative follower count.
func (c *Collector) Followers() int64 { return c.followers.Load() }

// Snapshot computes exact aggregates over the current window.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	n := c.next
	if c.filled {
		n = len(c.records)
	}
	window := make([]Record, n)
	copy(window, c.records[:n])
	c.mu.Unlock()

	var ttft, total, queueWait []float64
	errors := 0
	for _, rec := range window {
		if rec.ErrorKind != "" {
			errors++
			continue
		}
		ttft = append(ttft, float64(rec.TTFTMs))
		total = append(total, float64(rec.TotalMs))
		queueWait = append(queueWait, float64(rec.QueueWaitMs))
	}

	s := Summary{
		TTFTMs:      quantiles(ttft),
		TotalMs:     quantiles(total),
		QueueWaitMs: quantiles(queueWait),
		Leaders:     c.leaders.Load(),
		Followers:   c.followers.Load(),
		WindowCount: len(window),
	}
	if len(window) > 0 {
		s.ErrorRate = float64(errors) / float64(len(window))
	}
	return s
}

func quantiles(values []float64) Quantiles {
	if len(values) == 0 {
		return Quantiles{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return Quantiles{
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Count: len(sorted),
	}
}

// percentile uses the nearest-rank method on an already sorted slice.
func percentile(sorted []float64, q float64) float64 {
	idx := int(float64(len(sorted))*q+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
