package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	for i := 0; i < 10; i++ {
		c.RecordReceived()
	}
	for i := 0; i < 8; i++ {
		c.RecordDispatch(true, 2*time.Millisecond)
	}
	c.RecordDispatch(false, 0)
	c.RecordDispatch(false, 0)
	for i := 0; i < 6; i++ {
		c.RecordHandler(true, 5*time.Millisecond)
	}
	c.RecordHandler(false, time.Millisecond)
	c.SetQueueSize(3)

	s := c.Summary()
	if s.ReceivedTotal != 10 {
		t.Errorf("ReceivedTotal = %d, want 10", s.ReceivedTotal)
	}
	if s.DispatchedSuccess != 8 || s.DispatchedFailed != 2 {
		t.Errorf("dispatched = %d/%d, want 8/2", s.DispatchedSuccess, s.DispatchedFailed)
	}
	if s.HandlerSuccess != 6 || s.HandlerFailed != 1 {
		t.Errorf("handler = %d/%d, want 6/1", s.HandlerSuccess, s.HandlerFailed)
	}
	if s.DispatchQueueSize != 3 {
		t.Errorf("DispatchQueueSize = %d, want 3", s.DispatchQueueSize)
	}
	if s.DispatchSuccessRate != 80 {
		t.Errorf("DispatchSuccessRate = %g, want 80", s.DispatchSuccessRate)
	}
	if s.HandlerSuccessRate != 75 {
		t.Errorf("HandlerSuccessRate = %g, want 75", s.HandlerSuccessRate)
	}
	if s.AvgDispatchLatencyMs != 2 {
		t.Errorf("AvgDispatchLatencyMs = %g, want 2", s.AvgDispatchLatencyMs)
	}
}

func TestCollector_EmptySummary(t *testing.T) {
	s := NewCollector().Summary()
	if s.ReceivedTotal != 0 || s.DispatchSuccessRate != 0 || s.AvgDispatchLatencyMs != 0 {
		t.Errorf("empty summary not zero: %+v", s)
	}
}

func TestCollector_Reset(t *testing.T) {
	c := NewCollector()
	c.RecordReceived()
	c.RecordDispatch(true, time.Millisecond)
	c.Reset()

	s := c.Summary()
	if s.ReceivedTotal != 0 || s.DispatchedSuccess != 0 || s.AvgDispatchLatencyMs != 0 {
		t.Errorf("summary after reset not clean: %+v", s)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.RecordReceived()
				c.RecordDispatch(true, time.Millisecond)
				c.RecordHandler(true, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	s := c.Summary()
	if s.ReceivedTotal != 800 {
		t.Errorf("ReceivedTotal = %d, want 800", s.ReceivedTotal)
	}
	if s.DispatchedSuccess != 800 || s.HandlerSuccess != 800 {
		t.Errorf("success counters = %d/%d, want 800/800", s.DispatchedSuccess, s.HandlerSuccess)
	}
}

func TestRing_BoundedAndPercentiles(t *testing.T) {
	r := newRing(4)
	for i := 1; i <= 6; i++ {
		r.add(float64(i))
	}
	// Capacity 4: samples 1 and 2 were overwritten by 5 and 6.
	if got := r.mean(); got != (5+6+3+4)/4.0 {
		t.Errorf("mean = %g", got)
	}
	if got := r.percentile(0.5); got != 5 {
		t.Errorf("p50 = %g, want 5", got)
	}
	if got := r.percentile(0.99); got != 6 {
		t.Errorf("p99 = %g, want 6", got)
	}
}

func TestWindowManager_Deltas(t *testing.T) {
	m := NewWindowManager()
	base := time.Now()

	// First update primes the baseline: deltas must be zero.
	m.UpdateAt(Summary{ReceivedTotal: 100, DispatchedSuccess: 90}, base)
	stats := m.Stats()
	if stats[0].Received != 0 {
		t.Errorf("first update received = %d, want 0", stats[0].Received)
	}

	m.UpdateAt(Summary{ReceivedTotal: 160, DispatchedSuccess: 140, AvgDispatchLatencyMs: 2}, base.Add(10*time.Second))
	m.UpdateAt(Summary{ReceivedTotal: 220, DispatchedSuccess: 190, AvgDispatchLatencyMs: 4}, base.Add(20*time.Second))

	stats = m.Stats()
	oneMin := stats[0]
	if oneMin.Received != 120 {
		t.Errorf("1m received = %d, want 120", oneMin.Received)
	}
	// Span of the window's points is 20s.
	if got, want := oneMin.ThroughputPerSecond, 120.0/20.0; got != want {
		t.Errorf("1m throughput = %g, want %g", got, want)
	}
	if got, want := oneMin.AvgLatencyMs, 3.0; got != want {
		t.Errorf("1m avg latency = %g, want %g", got, want)
	}
	// success deltas: 50 + 50 out of 120 received.
	if got, want := oneMin.SuccessRate, 100.0/120.0*100; got != want {
		t.Errorf("1m success rate = %g, want %g", got, want)
	}
}

func TestWindowManager_PruneOldPoints(t *testing.T) {
	m := NewWindowManager()
	base := time.Now()

	m.UpdateAt(Summary{ReceivedTotal: 10}, base)
	m.UpdateAt(Summary{ReceivedTotal: 20}, base.Add(30*time.Second))
	// 90 seconds later: the first two points fall out of the 1m window but
	// remain in the longer ones.
	m.UpdateAt(Summary{ReceivedTotal: 30}, base.Add(2*time.Minute))

	stats := m.Stats()
	if stats[0].Points != 1 {
		t.Errorf("1m window points = %d, want 1", stats[0].Points)
	}
	if stats[2].Points != 3 {
		t.Errorf("5m window points = %d, want 3", stats[2].Points)
	}
}

func TestWindowManager_CounterResetClamped(t *testing.T) {
	m := NewWindowManager()
	base := time.Now()
	m.UpdateAt(Summary{ReceivedTotal: 100}, base)
	// The collector was reset in between: the delta must clamp to zero.
	m.UpdateAt(Summary{ReceivedTotal: 5}, base.Add(10*time.Second))

	if got := m.Stats()[0].Received; got != 0 {
		t.Errorf("received after counter reset = %d, want 0", got)
	}
}
