package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/agentunion/agentcp-go/internal/monitoring"
)

// summaryCmd prints the latest snapshot and recomputed windows.
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the latest metrics snapshot and sliding windows",
	RunE:  runSummary,
}

func runSummary(cmd *cobra.Command, args []string) error {
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		TimeFormat: time.Kitchen,
	}))

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	reader := monitoring.NewReader(store)
	summary, err := reader.Summary(agentFlag)
	if err != nil {
		return err
	}
	if summary.Rows == 0 {
		logger.Warn("metrics store is empty")
		return nil
	}

	logger.Info("store",
		"rows", summary.Rows,
		"agents", summary.Agents,
		"uptime", time.Duration(summary.UptimeSeconds)*time.Second,
		"running", summary.Running,
	)
	if snap := summary.Latest; snap != nil {
		logger.Info("latest snapshot",
			"agent_id", snap.AgentID,
			"at", time.Unix(snap.Timestamp, 0).Format(time.RFC3339),
			"received_total", snap.ReceivedTotal,
			"dispatched_success", snap.DispatchedSuccess,
			"dispatched_failed", snap.DispatchedFailed,
			"handler_success", snap.HandlerSuccess,
			"handler_failed", snap.HandlerFailed,
			"queue_size", snap.DispatchQueueSize,
			"avg_dispatch_ms", snap.AvgDispatchLatencyMs,
			"p95_dispatch_ms", snap.P95DispatchLatencyMs,
			"success_rate", snap.SuccessRate,
		)
	}

	windows, err := reader.Windows(agentFlag, time.Now())
	if err != nil {
		return err
	}
	for _, w := range windows {
		logger.Info("window",
			"span", w.Span,
			"points", w.Points,
			"received", w.Received,
			"throughput_per_s", w.ThroughputPerSecond,
			"avg_latency_ms", w.AvgLatencyMs,
			"success_rate", w.SuccessRate,
			"avg_queue", w.AvgQueueSize,
		)
	}
	return nil
}
