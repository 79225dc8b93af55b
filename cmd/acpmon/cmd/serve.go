package cmd

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentunion/agentcp-go/internal/monitoring"
)

var serveAddr string

// serveCmd exposes the metrics store over HTTP.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the metrics store over HTTP",
	Long: `Serve exposes the metrics database over an HTTP API plus a
Prometheus scrape endpoint.

Endpoints:
  GET /                 API index
  GET /healthz          liveness
  GET /api/v1/summary   latest snapshot + liveness
  GET /api/v1/windows   recomputed sliding windows
  GET /api/v1/history   snapshot range (?from=&to=&limit=)
  GET /api/v1/agents    agent ids present in the store
  GET /metrics          Prometheus gauges of the latest snapshot`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8767", "listen address")
}

type monServer struct {
	reader *monitoring.Reader
	store  *monitoring.TimeSeriesStore

	registry *prometheus.Registry
	gauges   map[string]*prometheus.GaugeVec
}

func runServe(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	s := &monServer{
		reader:   monitoring.NewReader(store),
		store:    store,
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
	for _, name := range []string{
		"acp_received_total",
		"acp_dispatched_success",
		"acp_dispatched_failed",
		"acp_handler_success",
		"acp_handler_failed",
		"acp_dispatch_queue_size",
		"acp_avg_dispatch_latency_ms",
		"acp_p95_dispatch_latency_ms",
		"acp_throughput_per_second",
		"acp_success_rate",
	} {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: "Latest snapshot value from the acp metrics store.",
		}, []string{"agent_id"})
		s.registry.MustRegister(g)
		s.gauges[name] = g
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/windows", s.handleWindows).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/agents", s.handleAgents).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler())

	log.Info().Str("addr", serveAddr).Msg("acpmon serving")
	srv := &http.Server{
		Addr:         serveAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *monServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "acpmon",
		"version": version,
		"endpoints": []string{
			"/healthz",
			"/api/v1/summary",
			"/api/v1/windows",
			"/api/v1/history",
			"/api/v1/agents",
			"/metrics",
		},
	})
}

func (s *monServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *monServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reader.Summary(r.URL.Query().Get("agent_id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *monServer) handleWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := s.reader.Windows(r.URL.Query().Get("agent_id"), time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (s *monServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now().Unix()
	from := queryInt64(q.Get("from"), now-3600)
	to := queryInt64(q.Get("to"), now)
	limit := int(queryInt64(q.Get("limit"), 0))

	rows, err := s.store.QueryRange(q.Get("agent_id"), from, to, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *monServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	agents := stats.Agents
	if agents == nil {
		agents = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// metricsHandler refreshes the gauges from the newest snapshots before
// delegating to the Prometheus handler.
func (s *monServer) metricsHandler() http.Handler {
	promHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.refreshGauges(); err != nil {
			log.Warn().Err(err).Msg("gauge refresh failed")
		}
		promHandler.ServeHTTP(w, r)
	})
}

func (s *monServer) refreshGauges() error {
	stats, err := s.store.Stats()
	if err != nil {
		return err
	}
	for _, aid := range stats.Agents {
		rows, err := s.store.Latest(aid, 1)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		snap := rows[0]
		labels := prometheus.Labels{"agent_id": aid}
		s.gauges["acp_received_total"].With(labels).Set(float64(snap.ReceivedTotal))
		s.gauges["acp_dispatched_success"].With(labels).Set(float64(snap.DispatchedSuccess))
		s.gauges["acp_dispatched_failed"].With(labels).Set(float64(snap.DispatchedFailed))
		s.gauges["acp_handler_success"].With(labels).Set(float64(snap.HandlerSuccess))
		s.gauges["acp_handler_failed"].With(labels).Set(float64(snap.HandlerFailed))
		s.gauges["acp_dispatch_queue_size"].With(labels).Set(float64(snap.DispatchQueueSize))
		s.gauges["acp_avg_dispatch_latency_ms"].With(labels).Set(snap.AvgDispatchLatencyMs)
		s.gauges["acp_p95_dispatch_latency_ms"].With(labels).Set(snap.P95DispatchLatencyMs)
		s.gauges["acp_throughput_per_second"].With(labels).Set(snap.ThroughputPerSecond)
		s.gauges["acp_success_rate"].With(labels).Set(snap.SuccessRate)
	}
	return nil
}

func queryInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
