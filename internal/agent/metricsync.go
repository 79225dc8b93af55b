package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const metricsSyncPeriod = 120 * time.Second

// metricsFile is the on-disk metrics summary other processes read.
type metricsFile struct {
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
	Summary   any    `json:"summary"`
}

// startMetricsSync launches the goroutine that mirrors the metrics summary
// to the identity's backup directory, immediately and on a fixed period.
func (a *AgentID) startMetricsSync() {
	a.mu.Lock()
	if a.syncDone != nil {
		a.mu.Unlock()
		return
	}
	done := make(chan struct{})
	a.syncDone = done
	a.mu.Unlock()

	a.syncWG.Add(1)
	go func() {
		defer a.syncWG.Done()
		a.writeMetricsFile()
		ticker := time.NewTicker(metricsSyncPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				a.writeMetricsFile()
			}
		}
	}()
}

func (a *AgentID) stopMetricsSync() {
	a.mu.Lock()
	done := a.syncDone
	a.syncDone = nil
	a.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	a.syncWG.Wait()
}

// writeMetricsFile refreshes the queue gauge and writes the summary JSON
// atomically via a temp file rename.
func (a *AgentID) writeMetricsFile() {
	a.collector.SetQueueSize(a.queue.Len())
	payload, err := json.MarshalIndent(metricsFile{
		AgentID:   a.id,
		Timestamp: time.Now().Format(time.RFC3339),
		Summary:   a.collector.Summary(),
	}, "", "  ")
	if err != nil {
		return
	}

	path := a.layout.MetricsJSONPath(a.id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("metrics sync mkdir failed")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("metrics sync write failed")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("metrics sync rename failed")
	}
}
