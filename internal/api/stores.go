package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd"
)

// defaultRange is the query span when start is not given.
const defaultRange = 3600

// rangeParams reads start, end, resolution and max_points. End defaults
// to now and start to one hour before end.
func (s *Server) rangeParams(r *http.Request) (start, end int64, opts rrd.QueryOptions, err error) {
	q := r.URL.Query()

	end = s.deps.Clock().Unix()
	if err = parseInt(q.Get("end"), "end", &end); err != nil {
		return
	}
	start = end - defaultRange
	if err = parseInt(q.Get("start"), "start", &start); err != nil {
		return
	}
	if err = parseInt(q.Get("resolution"), "resolution", &opts.Resolution); err != nil {
		return
	}

	opts.MaxPoints = s.deps.Config.MaxPoints
	var maxPoints int64
	if err = parseInt(q.Get("max_points"), "max_points", &maxPoints); err != nil {
		return
	}
	if maxPoints > 0 && (opts.MaxPoints == 0 || int(maxPoints) < opts.MaxPoints) {
		opts.MaxPoints = int(maxPoints)
	}
	return
}

func parseInt(raw, name string, dst *int64) error {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errors.NewInvalidValue(name, raw, "must be an integer")
	}
	*dst = v
	return nil
}

// store resolves the {id} URL parameter.
func (s *Server) store(w http.ResponseWriter, r *http.Request) (*rrd.Store, bool) {
	st, err := s.deps.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return st, true
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Registry.List()
	infos := make([]rrd.StoreInfo, 0, len(ids))
	for _, id := range ids {
		st, err := s.deps.Registry.Get(id)
		if err != nil {
			continue // deleted since List
		}
		info, err := st.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, storeListResponse{Stores: infos, Count: len(infos)})
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req createStoreRequest
	if !decodeBody(w, r, &req) {
		return
	}

	st, err := s.deps.Registry.Create(r.Context(), req.SensorID, rrd.CreateOptions{
		Start:      req.Start,
		Step:       req.Step,
		Alpha:      req.Alpha,
		Beta:       req.Beta,
		Period:     req.Period,
		HardwareID: req.HardwareID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	info, err := st.Info()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	info, err := st.Info()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTuneStore(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	var req tuneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	info, err := st.Info()
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Alpha == 0 {
		req.Alpha = info.Alpha
	}
	if req.Beta == 0 {
		req.Beta = info.Beta
	}
	if err := st.Tune(req.Alpha, req.Beta); err != nil {
		writeError(w, err)
		return
	}

	info, err = st.Info()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAppendSample(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	var req appendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	v, err := req.Values.values()
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Timestamp == 0 {
		req.Timestamp = s.deps.Clock().Unix()
	}
	if err := st.Append(req.Timestamp, v.Sanitize()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuerySeries(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	start, end, opts, err := s.rangeParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	series, err := st.Query(start, end, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seriesResponse(series))
}

func (s *Server) handleQueryFailures(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	start, end, _, err := s.rangeParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := st.Failures(start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	out := failureListResponse{Failures: make([]FailureResponse, 0, len(events)), Count: len(events)}
	for _, ev := range events {
		out.Failures = append(out.Failures, failureResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	start, end, opts, err := s.rangeParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sum, err := st.Summary(start, end, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse(sum))
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	ts := s.deps.Clock().Unix()
	if err := parseInt(r.URL.Query().Get("ts"), "ts", &ts); err != nil {
		writeError(w, err)
		return
	}

	v, err := st.Forecast(ts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecastResponse{SensorID: st.ID(), Timestamp: ts, Values: channelValues(v)})
}

// handleExport writes a range of the store to a Parquet file in the export
// directory. Series limits do not apply.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.ExportDir == "" {
		writeUnavailable(w, "export directory")
		return
	}
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	start, end, opts, err := s.rangeParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts.MaxPoints = 0

	series, err := st.Query(start, end, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	path := filepath.Join(s.deps.ExportDir, fmt.Sprintf("%s-%d-%d-%d.parquet", st.ID(), series.Step, start, end))
	n, err := s.deps.Writer.WriteSeries(path, st.ID(), series)
	if err != nil {
		writeError(w, errors.Wrapf(err, "export %s", st.ID()))
		return
	}

	log.Info("store exported", "sensor_id", st.ID(), "path", path, "rows", n)
	writeJSON(w, http.StatusCreated, ExportResponse{
		SensorID: st.ID(),
		Path:     path,
		Rows:     n,
		Step:     series.Step,
		Start:    series.Start,
		End:      series.End(),
	})
}
