package monitoring

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/metrics"
)

// ServiceConfig tunes the snapshot loop.
type ServiceConfig struct {
	Interval      time.Duration
	RetentionDays int
}

// DefaultServiceConfig returns the standard snapshot loop settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{Interval: 10 * time.Second, RetentionDays: 7}
}

// Realtime is the live view: the cumulative summary plus window stats.
type Realtime struct {
	Summary metrics.Summary       `json:"summary"`
	Windows []metrics.WindowStats `json:"windows"`
}

// ServiceInfo describes the running service.
type ServiceInfo struct {
	AgentID       string `json:"agent_id"`
	Running       bool   `json:"running"`
	Interval      string `json:"interval"`
	RetentionDays int    `json:"retention_days"`
	Snapshots     int64  `json:"snapshots"`
}

// Service periodically snapshots the metrics collector into the time-series
// store and maintains the sliding windows.
type Service struct {
	agentID   string
	collector *metrics.Collector
	windows   *metrics.WindowManager
	store     *TimeSeriesStore
	cfg       ServiceConfig

	// writeMu gates snapshot writes: a cycle that cannot take it
	// immediately skips the write rather than stall.
	writeMu   sync.Mutex
	snapshots int64

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewService wires a monitoring service; Start begins the loop.
func NewService(agentID string, collector *metrics.Collector, store *TimeSeriesStore, cfg ServiceConfig) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultServiceConfig().Interval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultServiceConfig().RetentionDays
	}
	return &Service{
		agentID:   agentID,
		collector: collector,
		windows:   metrics.NewWindowManager(),
		store:     store,
		cfg:       cfg,
	}
}

// Start launches the snapshot goroutine and the hourly retention schedule.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@hourly", s.cleanup); err != nil {
		return err
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.run()

	log.Debug().Str("agent_id", s.agentID).Dur("interval", s.cfg.Interval).Msg("monitoring service started")
	return nil
}

// Stop halts the loop. With wait set, it joins the loop (bounded) and
// writes one final snapshot.
func (s *Service) Stop(wait bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	ctx := s.cron.Stop()
	if wait {
		joined := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			log.Warn().Msg("monitoring service slow to stop")
		}
		<-ctx.Done()
		s.snapshot()
	}
	log.Debug().Str("agent_id", s.agentID).Msg("monitoring service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.snapshot()
		}
	}
}

// snapshot reads the summary, updates the windows, and best-effort persists
// a row. Persistence contention skips the write so the loop never stalls.
func (s *Service) snapshot() {
	summary := s.collector.Summary()
	s.windows.Update(summary)

	if !s.writeMu.TryLock() {
		log.Debug().Msg("snapshot write contended, skipping cycle")
		return
	}
	defer s.writeMu.Unlock()

	if err := s.store.Insert(SnapshotFromSummary(s.agentID, summary)); err != nil {
		log.Warn().Err(err).Msg("failed to persist metrics snapshot")
		return
	}
	s.mu.Lock()
	s.snapshots++
	s.mu.Unlock()
}

func (s *Service) cleanup() {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).Unix()
	removed, err := s.store.Cleanup(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("metrics retention cleanup failed")
		return
	}
	if removed > 0 {
		log.Info().Int64("rows", removed).Msg("metrics retention cleanup")
	}
}

// Realtime returns the cumulative summary plus sliding-window statistics.
func (s *Service) Realtime() Realtime {
	return Realtime{
		Summary: s.collector.Summary(),
		Windows: s.windows.Stats(),
	}
}

// History returns persisted snapshots in [from, to].
func (s *Service) History(from, to int64, limit int) ([]Snapshot, error) {
	return s.store.QueryRange(s.agentID, from, to, limit)
}

// Latest returns the most recent persisted snapshot, or nil.
func (s *Service) Latest() (*Snapshot, error) {
	rows, err := s.store.Latest(s.agentID, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// Info describes the service state.
func (s *Service) Info() ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServiceInfo{
		AgentID:       s.agentID,
		Running:       s.running,
		Interval:      s.cfg.Interval.String(),
		RetentionDays: s.cfg.RetentionDays,
		Snapshots:     s.snapshots,
	}
}

// ResetWindows drops sliding-window state, used when the identity resets.
func (s *Service) ResetWindows() {
	s.windows.Reset()
}
