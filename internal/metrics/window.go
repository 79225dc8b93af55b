package metrics

import (
	"sync"
	"time"
)

// WindowSpans are the sliding window durations, shortest first.
var WindowSpans = []time.Duration{
	1 * time.Minute,
	3 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
}

// point is one per-interval delta sample.
type point struct {
	ts        time.Time
	received  int64
	success   int64
	failed    int64
	latencyMs float64
	queueSize int64
}

// WindowStats summarises one sliding window.
type WindowStats struct {
	Span                time.Duration `json:"span_seconds"`
	Points              int           `json:"points"`
	Received            int64         `json:"received"`
	ThroughputPerSecond float64       `json:"throughput_per_second"`
	// AvgLatencyMs averages over points with non-zero latency; points where
	// no sample landed in the interval do not dilute the result.
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`
	AvgQueueSize float64 `json:"avg_queue_size"`
}

// window holds at most span worth of points.
type window struct {
	span   time.Duration
	points []point
}

func (w *window) add(p point) {
	w.points = append(w.points, p)
	cutoff := p.ts.Add(-w.span)
	i := 0
	for i < len(w.points) && w.points[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.points = append(w.points[:0], w.points[i:]...)
	}
}

func (w *window) stats() WindowStats {
	s := WindowStats{Span: w.span, Points: len(w.points)}
	if len(w.points) == 0 {
		return s
	}

	var latencySum float64
	var latencyCount int
	var successSum, queueSum int64
	for _, p := range w.points {
		s.Received += p.received
		successSum += p.success
		queueSum += p.queueSize
		if p.latencyMs > 0 {
			latencySum += p.latencyMs
			latencyCount++
		}
	}

	span := w.points[len(w.points)-1].ts.Sub(w.points[0].ts)
	if span < time.Second {
		span = time.Second
	}
	s.ThroughputPerSecond = float64(s.Received) / span.Seconds()
	if latencyCount > 0 {
		s.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	received := s.Received
	if received < 1 {
		received = 1
	}
	s.SuccessRate = float64(successSum) / float64(received) * 100
	s.AvgQueueSize = float64(queueSum) / float64(len(w.points))
	return s
}

// WindowManager maintains the five sliding windows from cumulative
// summaries: each Update appends the delta since the previous summary.
type WindowManager struct {
	mu      sync.Mutex
	windows []*window
	prev    Summary
	primed  bool
}

// NewWindowManager creates windows over the standard spans.
func NewWindowManager() *WindowManager {
	m := &WindowManager{}
	for _, span := range WindowSpans {
		m.windows = append(m.windows, &window{span: span})
	}
	return m
}

// Update appends a delta point derived from the cumulative summary. The
// first update only primes the baseline and records zero deltas.
func (m *WindowManager) Update(s Summary) {
	m.UpdateAt(s, time.Now())
}

// UpdateAt is Update with an explicit timestamp, for tests and the
// standalone reader.
func (m *WindowManager) UpdateAt(s Summary, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := point{ts: now, queueSize: s.DispatchQueueSize}
	if m.primed {
		p.received = clampDelta(s.ReceivedTotal, m.prev.ReceivedTotal)
		p.success = clampDelta(s.DispatchedSuccess, m.prev.DispatchedSuccess)
		p.failed = clampDelta(s.DispatchedFailed, m.prev.DispatchedFailed)
	}
	// Prefer the dispatch-side latency; fall back to the handler average.
	p.latencyMs = s.AvgDispatchLatencyMs
	if p.latencyMs == 0 {
		p.latencyMs = s.AvgHandlerLatencyMs
	}

	for _, w := range m.windows {
		w.add(p)
	}
	m.prev = s
	m.primed = true
}

// Stats returns the current statistics for every window, shortest first.
func (m *WindowManager) Stats() []WindowStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WindowStats, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, w.stats())
	}
	return out
}

// Reset drops all points and the delta baseline.
func (m *WindowManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		w.points = nil
	}
	m.prev = Summary{}
	m.primed = false
}

// clampDelta guards against counter resets between snapshots.
func clampDelta(cur, prev int64) int64 {
	if d := cur - prev; d > 0 {
		return d
	}
	return 0
}
