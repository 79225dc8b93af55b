// Package monitoring persists periodic metrics snapshots to an embedded
// time-series store and serves them back to the runtime and to the
// standalone reader.
package monitoring

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/agentunion/agentcp-go/internal/metrics"
)

// Snapshot is one persisted metrics point.
type Snapshot struct {
	Timestamp         int64  `json:"timestamp"`
	AgentID           string `json:"agent_id"`
	ReceivedTotal     int64  `json:"received_total"`
	DispatchedSuccess int64  `json:"dispatched_success"`
	DispatchedFailed  int64  `json:"dispatched_failed"`
	HandlerSuccess    int64  `json:"handler_success"`
	HandlerFailed     int64  `json:"handler_failed"`
	DispatchQueueSize int64  `json:"dispatch_queue_size"`

	AvgDispatchLatencyMs float64 `json:"avg_dispatch_latency_ms"`
	P50DispatchLatencyMs float64 `json:"p50_dispatch_latency_ms"`
	P95DispatchLatencyMs float64 `json:"p95_dispatch_latency_ms"`
	P99DispatchLatencyMs float64 `json:"p99_dispatch_latency_ms"`
	AvgHandlerLatencyMs  float64 `json:"avg_handler_latency_ms"`
	ThroughputPerSecond  float64 `json:"throughput_per_second"`
	SuccessRate          float64 `json:"success_rate"`
}

// SnapshotFromSummary converts a collector summary into a snapshot row.
func SnapshotFromSummary(agentID string, s metrics.Summary) Snapshot {
	return Snapshot{
		Timestamp:            s.Timestamp,
		AgentID:              agentID,
		ReceivedTotal:        s.ReceivedTotal,
		DispatchedSuccess:    s.DispatchedSuccess,
		DispatchedFailed:     s.DispatchedFailed,
		HandlerSuccess:       s.HandlerSuccess,
		HandlerFailed:        s.HandlerFailed,
		DispatchQueueSize:    s.DispatchQueueSize,
		AvgDispatchLatencyMs: s.AvgDispatchLatencyMs,
		P50DispatchLatencyMs: s.P50DispatchLatencyMs,
		P95DispatchLatencyMs: s.P95DispatchLatencyMs,
		P99DispatchLatencyMs: s.P99DispatchLatencyMs,
		AvgHandlerLatencyMs:  s.AvgHandlerLatencyMs,
		ThroughputPerSecond:  s.ThroughputPerSecond,
		SuccessRate:          s.DispatchSuccessRate,
	}
}

// StoreStats summarises the contents of a time-series store.
type StoreStats struct {
	Rows         int64    `json:"rows"`
	MinTimestamp int64    `json:"min_timestamp"`
	MaxTimestamp int64    `json:"max_timestamp"`
	Agents       []string `json:"agents"`
}

// TimeSeriesStore is the SQLite-backed snapshot store. Safe for concurrent
// use; a read-only open may share the file with a writing runtime.
type TimeSeriesStore struct {
	db       *sql.DB
	readOnly bool
}

const snapshotColumns = `timestamp, agent_id, received_total, dispatched_success,
	dispatched_failed, handler_success, handler_failed, dispatch_queue_size,
	avg_dispatch_latency_ms, p50_dispatch_latency_ms, p95_dispatch_latency_ms,
	p99_dispatch_latency_ms, avg_handler_latency_ms, throughput_per_second,
	success_rate`

// OpenStore opens (creating if needed) a writable time-series store.
func OpenStore(path string) (*TimeSeriesStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// The busy timeout keeps the writer from failing when the standalone
	// reader holds the file briefly.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(1000)")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metrics_timeseries (
			timestamp INTEGER PRIMARY KEY,
			agent_id TEXT NOT NULL,
			received_total INTEGER,
			dispatched_success INTEGER,
			dispatched_failed INTEGER,
			handler_success INTEGER,
			handler_failed INTEGER,
			dispatch_queue_size INTEGER,
			avg_dispatch_latency_ms REAL,
			p50_dispatch_latency_ms REAL,
			p95_dispatch_latency_ms REAL,
			p99_dispatch_latency_ms REAL,
			avg_handler_latency_ms REAL,
			throughput_per_second REAL,
			success_rate REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON metrics_timeseries (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_id_timestamp ON metrics_timeseries (agent_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create metrics schema: %w", err)
		}
	}
	return &TimeSeriesStore{db: db}, nil
}

// OpenStoreReadOnly opens an existing store for cross-process reading.
func OpenStoreReadOnly(path string) (*TimeSeriesStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		return nil, err
	}
	return &TimeSeriesStore{db: db, readOnly: true}, nil
}

// Close closes the store.
func (s *TimeSeriesStore) Close() error {
	return s.db.Close()
}

// Insert writes one snapshot. The timestamp is the primary key; a snapshot
// for an already-recorded second replaces the previous row.
func (s *TimeSeriesStore) Insert(snap Snapshot) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO metrics_timeseries (`+snapshotColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		snap.Timestamp, snap.AgentID, snap.ReceivedTotal, snap.DispatchedSuccess,
		snap.DispatchedFailed, snap.HandlerSuccess, snap.HandlerFailed,
		snap.DispatchQueueSize, snap.AvgDispatchLatencyMs, snap.P50DispatchLatencyMs,
		snap.P95DispatchLatencyMs, snap.P99DispatchLatencyMs, snap.AvgHandlerLatencyMs,
		snap.ThroughputPerSecond, snap.SuccessRate)
	return err
}

// QueryRange returns snapshots in [from, to] ascending, optionally filtered
// by agent id. Limit defaults to 1000.
func (s *TimeSeriesStore) QueryRange(agentID string, from, to int64, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + snapshotColumns + ` FROM metrics_timeseries
		WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{from, to}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY timestamp ASC LIMIT ?`
	args = append(args, limit)

	return s.query(query, args...)
}

// Latest returns the newest snapshots, newest first (at most 100).
func (s *TimeSeriesStore) Latest(agentID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + snapshotColumns + ` FROM metrics_timeseries`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	return s.query(query, args...)
}

// Cleanup deletes snapshots older than cutoff and returns the removed count.
func (s *TimeSeriesStore) Cleanup(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM metrics_timeseries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats reports row count, timestamp bounds, and the distinct agent ids.
func (s *TimeSeriesStore) Stats() (StoreStats, error) {
	var st StoreStats
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(MIN(timestamp),0),
		COALESCE(MAX(timestamp),0) FROM metrics_timeseries`)
	if err := row.Scan(&st.Rows, &st.MinTimestamp, &st.MaxTimestamp); err != nil {
		return st, err
	}

	rows, err := s.db.Query(`SELECT DISTINCT agent_id FROM metrics_timeseries ORDER BY agent_id`)
	if err != nil {
		return st, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var aid string
		if err := rows.Scan(&aid); err != nil {
			return st, err
		}
		st.Agents = append(st.Agents, aid)
	}
	return st, rows.Err()
}

func (s *TimeSeriesStore) query(query string, args ...any) ([]Snapshot, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.Timestamp, &sn.AgentID, &sn.ReceivedTotal,
			&sn.DispatchedSuccess, &sn.DispatchedFailed, &sn.HandlerSuccess,
			&sn.HandlerFailed, &sn.DispatchQueueSize, &sn.AvgDispatchLatencyMs,
			&sn.P50DispatchLatencyMs, &sn.P95DispatchLatencyMs,
			&sn.P99DispatchLatencyMs, &sn.AvgHandlerLatencyMs,
			&sn.ThroughputPerSecond, &sn.SuccessRate); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}
