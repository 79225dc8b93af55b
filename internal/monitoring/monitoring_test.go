package monitoring

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentunion/agentcp-go/internal/metrics"
)

func openTestTS(t *testing.T) *TimeSeriesStore {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "metrics_timeseries.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTimeSeriesStore_InsertQuery(t *testing.T) {
	s := openTestTS(t)
	base := time.Now().Unix()

	for i := int64(0); i < 5; i++ {
		err := s.Insert(Snapshot{
			Timestamp:     base + i*10,
			AgentID:       "alice.corp.example",
			ReceivedTotal: i * 100,
		})
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	rows, err := s.QueryRange("alice.corp.example", base, base+100, 0)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Timestamp < rows[i-1].Timestamp {
			t.Error("QueryRange not ascending")
		}
	}

	latest, err := s.Latest("", 2)
	if err != nil || len(latest) != 2 {
		t.Fatalf("Latest() = %v, %v", latest, err)
	}
	if latest[0].Timestamp != base+40 {
		t.Errorf("latest timestamp = %d, want %d", latest[0].Timestamp, base+40)
	}
}

func TestTimeSeriesStore_PrimaryKeyReplace(t *testing.T) {
	s := openTestTS(t)
	ts := time.Now().Unix()

	_ = s.Insert(Snapshot{Timestamp: ts, AgentID: "a.b.c", ReceivedTotal: 1})
	_ = s.Insert(Snapshot{Timestamp: ts, AgentID: "a.b.c", ReceivedTotal: 2})

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Rows != 1 {
		t.Errorf("rows = %d, want 1 (replace on same timestamp)", st.Rows)
	}
}

func TestTimeSeriesStore_CleanupAndStats(t *testing.T) {
	s := openTestTS(t)
	base := time.Now().Unix()

	_ = s.Insert(Snapshot{Timestamp: base - 1000, AgentID: "a.b.c"})
	_ = s.Insert(Snapshot{Timestamp: base, AgentID: "a.b.c"})
	_ = s.Insert(Snapshot{Timestamp: base + 1, AgentID: "x.y.z"})

	removed, err := s.Cleanup(base)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Rows != 2 || len(st.Agents) != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.MinTimestamp != base || st.MaxTimestamp != base+1 {
		t.Errorf("bounds = %d..%d", st.MinTimestamp, st.MaxTimestamp)
	}
}

func TestService_SnapshotCycle(t *testing.T) {
	ts := openTestTS(t)
	collector := metrics.NewCollector()
	svc := NewService("alice.corp.example", collector, ts, ServiceConfig{
		Interval:      20 * time.Millisecond,
		RetentionDays: 7,
	})

	collector.RecordReceived()
	collector.RecordDispatch(true, time.Millisecond)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	svc.Stop(true)

	latest, err := svc.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest == nil {
		t.Fatal("no snapshot persisted")
	}
	if latest.AgentID != "alice.corp.example" || latest.ReceivedTotal != 1 {
		t.Errorf("snapshot = %+v", latest)
	}

	rt := svc.Realtime()
	if len(rt.Windows) != len(metrics.WindowSpans) {
		t.Errorf("windows = %d, want %d", len(rt.Windows), len(metrics.WindowSpans))
	}
	if svc.Info().Running {
		t.Error("service still reports running after Stop")
	}
}

func TestService_StartStopIdempotent(t *testing.T) {
	svc := NewService("a.b.c", metrics.NewCollector(), openTestTS(t), DefaultServiceConfig())
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	svc.Stop(false)
	svc.Stop(false)
}

func TestReader_SummaryAndWindows(t *testing.T) {
	ts := openTestTS(t)
	now := time.Now()

	// Three points 20 s apart inside the 1 m window.
	for i := int64(0); i < 3; i++ {
		_ = ts.Insert(Snapshot{
			Timestamp:            now.Add(time.Duration(-40+20*i) * time.Second).Unix(),
			AgentID:              "alice.corp.example",
			ReceivedTotal:        100 + i*60,
			DispatchedSuccess:    90 + i*50,
			AvgDispatchLatencyMs: 2,
			DispatchQueueSize:    int64(i),
		})
	}

	r := NewReader(ts)
	sum, err := r.Summary("alice.corp.example")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.Latest == nil || sum.Latest.ReceivedTotal != 220 {
		t.Errorf("latest = %+v", sum.Latest)
	}
	if !sum.Running {
		t.Error("store with a fresh snapshot should read as running")
	}
	if sum.UptimeSeconds != 40 {
		t.Errorf("uptime = %d, want 40", sum.UptimeSeconds)
	}

	windows, err := r.Windows("alice.corp.example", now)
	if err != nil {
		t.Fatalf("Windows() error = %v", err)
	}
	oneMin := windows[0]
	if oneMin.Points != 3 {
		t.Fatalf("1m points = %d, want 3", oneMin.Points)
	}
	if oneMin.Received != 120 {
		t.Errorf("1m received = %d, want 120", oneMin.Received)
	}
	if got, want := oneMin.ThroughputPerSecond, 120.0/40.0; got != want {
		t.Errorf("1m throughput = %g, want %g", got, want)
	}
	if oneMin.AvgLatencyMs != 2 {
		t.Errorf("1m latency = %g, want 2", oneMin.AvgLatencyMs)
	}
}

func TestReader_EmptyStore(t *testing.T) {
	r := NewReader(openTestTS(t))
	sum, err := r.Summary("")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.Latest != nil || sum.Running || sum.Rows != 0 {
		t.Errorf("empty store summary = %+v", sum)
	}
}

func TestOpenStoreReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics_timeseries.db")
	w, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Insert(Snapshot{Timestamp: time.Now().Unix(), AgentID: "a.b.c"})

	r, err := OpenStoreReadOnly(path)
	if err != nil {
		t.Fatalf("OpenStoreReadOnly() error = %v", err)
	}
	defer func() { _ = r.Close() }()

	rows, err := r.Latest("", 1)
	if err != nil || len(rows) != 1 {
		t.Errorf("read-only Latest() = %v, %v", rows, err)
	}
	_ = w.Close()
}
