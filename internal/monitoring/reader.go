package monitoring

import (
	"time"

	"github.com/agentunion/agentcp-go/internal/metrics"
)

// runningThreshold bounds how stale the newest snapshot may be for the
// originating service to be considered alive.
const runningThreshold = 30 * time.Second

// Reader computes summaries and windows post-hoc from a snapshot store. It
// is the read side used by acpmon against a store another process writes.
type Reader struct {
	store *TimeSeriesStore
}

// NewReader wraps an opened store.
func NewReader(store *TimeSeriesStore) *Reader {
	return &Reader{store: store}
}

// ReaderSummary is the standalone view of a store.
type ReaderSummary struct {
	Latest        *Snapshot `json:"latest"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Running       bool      `json:"running"`
	Rows          int64     `json:"rows"`
	Agents        []string  `json:"agents"`
}

// Summary reads the newest snapshot and derives uptime and liveness from
// the store's timestamp bounds.
func (r *Reader) Summary(agentID string) (ReaderSummary, error) {
	var out ReaderSummary

	st, err := r.store.Stats()
	if err != nil {
		return out, err
	}
	out.Rows = st.Rows
	out.Agents = st.Agents
	if st.Rows == 0 {
		return out, nil
	}

	latest, err := r.store.Latest(agentID, 1)
	if err != nil {
		return out, err
	}
	if len(latest) > 0 {
		out.Latest = &latest[0]
	}
	out.UptimeSeconds = st.MaxTimestamp - st.MinTimestamp
	out.Running = time.Since(time.Unix(st.MaxTimestamp, 0)) < runningThreshold
	return out, nil
}

// Windows recomputes sliding-window statistics for each standard span from
// the stored points. A span with fewer than two rows yields zeros.
func (r *Reader) Windows(agentID string, now time.Time) ([]metrics.WindowStats, error) {
	out := make([]metrics.WindowStats, 0, len(metrics.WindowSpans))
	for _, span := range metrics.WindowSpans {
		ws := metrics.WindowStats{Span: span}
		rows, err := r.store.QueryRange(agentID, now.Add(-span).Unix(), now.Unix(), 0)
		if err != nil {
			return nil, err
		}
		ws.Points = len(rows)
		if len(rows) >= 2 {
			first, last := rows[0], rows[len(rows)-1]
			ws.Received = last.ReceivedTotal - first.ReceivedTotal
			if ws.Received < 0 {
				ws.Received = 0
			}
			elapsed := last.Timestamp - first.Timestamp
			if elapsed < 1 {
				elapsed = 1
			}
			ws.ThroughputPerSecond = float64(ws.Received) / float64(elapsed)
			ws.AvgLatencyMs = avgNonZeroLatency(rows)
			success := last.DispatchedSuccess - first.DispatchedSuccess
			received := ws.Received
			if received < 1 {
				received = 1
			}
			ws.SuccessRate = float64(success) / float64(received) * 100
			var queueSum int64
			for _, row := range rows {
				queueSum += row.DispatchQueueSize
			}
			ws.AvgQueueSize = float64(queueSum) / float64(len(rows))
		}
		out = append(out, ws)
	}
	return out, nil
}

func avgNonZeroLatency(rows []Snapshot) float64 {
	var sum float64
	var n int
	for _, row := range rows {
		if row.AvgDispatchLatencyMs > 0 {
			sum += row.AvgDispatchLatencyMs
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
