// Package metrics collects in-memory counters and latency samples for the
// dispatch pipeline and summarises them over sliding windows.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// latencySampleCap bounds each latency ring; the oldest sample is dropped
// when the ring is full.
const latencySampleCap = 1000

// Summary is a point-in-time snapshot of the collector.
type Summary struct {
	Timestamp         int64 `json:"timestamp"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
	ReceivedTotal     int64 `json:"received_total"`
	DispatchedSuccess int64 `json:"dispatched_success"`
	DispatchedFailed  int64 `json:"dispatched_failed"`
	HandlerSuccess    int64 `json:"handler_success"`
	HandlerFailed     int64 `json:"handler_failed"`
	DispatchQueueSize int64 `json:"dispatch_queue_size"`

	DispatchSuccessRate float64 `json:"dispatch_success_rate"`
	HandlerSuccessRate  float64 `json:"handler_success_rate"`
	ThroughputPerSecond float64 `json:"throughput_per_second"`

	AvgDispatchLatencyMs float64 `json:"avg_dispatch_latency_ms"`
	P50DispatchLatencyMs float64 `json:"p50_dispatch_latency_ms"`
	P95DispatchLatencyMs float64 `json:"p95_dispatch_latency_ms"`
	P99DispatchLatencyMs float64 `json:"p99_dispatch_latency_ms"`
	AvgHandlerLatencyMs  float64 `json:"avg_handler_latency_ms"`
}

// Collector records dispatch-pipeline counters and latency samples.
// All methods are safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	startTime time.Time

	received          int64
	dispatchedSuccess int64
	dispatchedFailed  int64
	handlerSuccess    int64
	handlerFailed     int64
	queueSize         int64

	dispatchLatency ring
	handlerLatency  ring
}

// NewCollector creates a collector with the uptime clock started now.
func NewCollector() *Collector {
	return &Collector{
		startTime:       time.Now(),
		dispatchLatency: newRing(latencySampleCap),
		handlerLatency:  newRing(latencySampleCap),
	}
}

// RecordReceived counts one inbound frame.
func (c *Collector) RecordReceived() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

// RecordDispatch counts one dispatcher outcome and, on success, its latency.
func (c *Collector) RecordDispatch(ok bool, latency time.Duration) {
	c.mu.Lock()
	if ok {
		c.dispatchedSuccess++
		c.dispatchLatency.add(float64(latency) / float64(time.Millisecond))
	} else {
		c.dispatchedFailed++
	}
	c.mu.Unlock()
}

// RecordHandler counts one handler invocation outcome and its latency.
func (c *Collector) RecordHandler(ok bool, latency time.Duration) {
	c.mu.Lock()
	if ok {
		c.handlerSuccess++
	} else {
		c.handlerFailed++
	}
	c.handlerLatency.add(float64(latency) / float64(time.Millisecond))
	c.mu.Unlock()
}

// SetQueueSize records the current dispatch queue depth.
func (c *Collector) SetQueueSize(n int) {
	c.mu.Lock()
	c.queueSize = int64(n)
	c.mu.Unlock()
}

// Reset clears all counters and samples and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = time.Now()
	c.received = 0
	c.dispatchedSuccess = 0
	c.dispatchedFailed = 0
	c.handlerSuccess = 0
	c.handlerFailed = 0
	c.queueSize = 0
	c.dispatchLatency.reset()
	c.handlerLatency.reset()
}

// Summary computes the current snapshot.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	uptime := now.Sub(c.startTime)
	s := Summary{
		Timestamp:         now.Unix(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ReceivedTotal:     c.received,
		DispatchedSuccess: c.dispatchedSuccess,
		DispatchedFailed:  c.dispatchedFailed,
		HandlerSuccess:    c.handlerSuccess,
		HandlerFailed:     c.handlerFailed,
		DispatchQueueSize: c.queueSize,
	}

	if c.received > 0 {
		s.DispatchSuccessRate = float64(c.dispatchedSuccess) / float64(c.received) * 100
	}
	if c.dispatchedSuccess > 0 {
		s.HandlerSuccessRate = float64(c.handlerSuccess) / float64(c.dispatchedSuccess) * 100
	}
	if secs := uptime.Seconds(); secs > 0 {
		s.ThroughputPerSecond = float64(c.received) / secs
	}

	s.AvgDispatchLatencyMs = c.dispatchLatency.mean()
	s.P50DispatchLatencyMs = c.dispatchLatency.percentile(0.50)
	s.P95DispatchLatencyMs = c.dispatchLatency.percentile(0.95)
	s.P99DispatchLatencyMs = c.dispatchLatency.percentile(0.99)
	s.AvgHandlerLatencyMs = c.handlerLatency.mean()
	return s
}

// ring is a bounded sample buffer; when full the oldest sample is replaced.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(n int) ring {
	return ring{buf: make([]float64, 0, n)}
}

func (r *ring) add(v float64) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, v)
		return
	}
	r.full = true
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
}

func (r *ring) reset() {
	r.buf = r.buf[:0]
	r.next = 0
	r.full = false
}

func (r *ring) mean() float64 {
	if len(r.buf) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.buf {
		sum += v
	}
	return sum / float64(len(r.buf))
}

// percentile sorts a copy of the active samples; the sample set is small so
// O(n log n) per call is acceptable.
func (r *ring) percentile(q float64) float64 {
	n := len(r.buf)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, r.buf)
	sort.Float64s(sorted)
	idx := int(float64(n) * q)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
