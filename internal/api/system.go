package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/moamoak/kerrucent/internal/export"
	"github.com/moamoak/kerrucent/internal/ingest"
	"github.com/moamoak/kerrucent/internal/notify"
	"github.com/moamoak/kerrucent/internal/rrd"
	"github.com/moamoak/kerrucent/internal/watchdog"
)

// healthCheckTimeout bounds the directory ping of /health.
const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
	Stores    int    `json:"stores"`
	Directory string `json:"directory,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  int64(time.Since(s.started).Seconds()),
		Stores:  len(s.deps.Registry.List()),
	}

	status := http.StatusOK
	if s.deps.Directory != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.deps.Directory.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Directory = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Directory = "ok"
		}
	}
	writeJSON(w, status, resp)
}

// StatsResponse is the body of /stats. Absent components are omitted.
type StatsResponse struct {
	Registry rrd.RegistryStats     `json:"registry"`
	Cache    *ingest.CacheStats    `json:"cache,omitempty"`
	Ingest   *ingest.Stats         `json:"ingest,omitempty"`
	Watchdog *watchdog.Stats       `json:"watchdog,omitempty"`
	Notify   *notify.DispatchStats `json:"notify,omitempty"`
	Exports  *export.AnalyzerStats `json:"exports,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Registry: s.deps.Registry.Stats()}
	if s.deps.Cache != nil {
		st := s.deps.Cache.Stats()
		resp.Cache = &st
	}
	if s.deps.Listener != nil {
		st := s.deps.Listener.Stats()
		resp.Ingest = &st
	}
	if s.deps.Watchdog != nil {
		st := s.deps.Watchdog.Stats()
		resp.Watchdog = &st
	}
	if s.deps.Dispatcher != nil {
		st := s.deps.Dispatcher.Stats()
		resp.Notify = &st
	}
	if s.deps.Analyzer != nil {
		st := s.deps.Analyzer.Stats()
		resp.Exports = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCacheRefresh rebuilds the hardware id cache now.
func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeUnavailable(w, "identifier cache")
		return
	}
	if err := s.deps.Cache.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleExportQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analyzer == nil {
		writeUnavailable(w, "export analyzer")
		return
	}
	var req exportQueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeBadRequest(w, "query is required")
		return
	}

	rows, err := s.deps.Analyzer.Query(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	out := exportQueryResponse{Rows: make([]map[string]any, 0, len(rows)), Count: len(rows)}
	for _, row := range rows {
		out.Rows = append(out.Rows, sanitizeRow(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExportStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analyzer == nil {
		writeUnavailable(w, "export analyzer")
		return
	}
	id := chi.URLParam(r, "id")
	stats, err := s.deps.Analyzer.ChannelStats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exportStats(id, stats))
}
