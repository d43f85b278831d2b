package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/moamoak/kerrucent/internal/directory"
	"github.com/moamoak/kerrucent/internal/notify"
)

// directory returns the admin directory or answers 503.
func (s *Server) directory(w http.ResponseWriter) (DirectoryAdmin, bool) {
	if s.deps.Directory == nil {
		writeUnavailable(w, "probe directory")
		return nil, false
	}
	return s.deps.Directory, true
}

// refreshCache rebuilds the identifier cache after a routing change.
// Failures are logged; the periodic refresh retries.
func (s *Server) refreshCache(r *http.Request) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Refresh(r.Context()); err != nil {
		log.Warn("cache refresh after directory change failed", "error", err)
	}
}

func (s *Server) handleListProbes(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.directory(w)
	if !ok {
		return
	}
	probes, err := dir.ListProbes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if probes == nil {
		probes = []directory.Probe{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"probes": probes, "count": len(probes)})
}

func (s *Server) handleCreateProbe(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.directory(w)
	if !ok {
		return
	}
	var p directory.Probe
	if !decodeBody(w, r, &p) {
		return
	}
	if p.SensorID == "" {
		writeBadRequest(w, "sensor_id is required")
		return
	}

	created, err := dir.CreateProbe(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	if created.HardwareID != "" {
		s.refreshCache(r)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetProbe(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.directory(w)
	if !ok {
		return
	}
	p, err := dir.LookupProbe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProbe(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.directory(w)
	if !ok {
		return
	}
	if err := dir.DeleteProbe(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.refreshCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.directory(w)
	if !ok {
		return
	}
	alerts, err := dir.ListAlerts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if sensorID := r.URL.Query().Get("sensor_id"); sensorID != "" {
		filtered := alerts[:0]
		for _, a := range alerts {
			if a.SensorID == sensorID {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	if alerts == nil {
		alerts = []directory.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAddAlert(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.directory(w)
	if !ok {
		return
	}
	var req alertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.SensorID == "" || req.Address == "" {
		writeBadRequest(w, "sensor_id and address are required")
		return
	}
	if _, _, err := notify.Scheme(req.Address); err != nil {
		writeError(w, err)
		return
	}

	alert, err := dir.AddAlert(r.Context(), req.SensorID, req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleRemoveAlert(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.directory(w)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "alertID"), 10, 64)
	if err != nil {
		writeBadRequest(w, "alert id must be an integer")
		return
	}
	if err := dir.RemoveAlert(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
