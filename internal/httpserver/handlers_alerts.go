package httpserver

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/driftguard/internal/alert"
)

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var in alert.Input
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if in.Environment == "" {
		in.Environment = s.deps.Environment
	}
	a, err := s.deps.Alerts.Create(r.Context(), in, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"alertId": a.ID, "alert": a})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleQueryAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseAlertFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": s.deps.Alerts.Query(f)})
}

func (s *Server) handleExportAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseAlertFilter(q)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	format := q.Get("format")
	if format == "" {
		format = alert.FormatJSON
	}
	body, err := s.deps.Alerts.Export(f, format)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeExport(w, format, body)
}

type statusRequest struct {
	Status  alert.Status `json:"status"`
	Comment string       `json:"comment"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	a, err := s.deps.Alerts.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, actor(r), req.Comment)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

type assignRequest struct {
	Assignee string `json:"assignee"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if req.Assignee == "" {
		respondError(w, http.StatusBadRequest, codeBadRequest, "assignee is required")
		return
	}
	a, err := s.deps.Alerts.Assign(r.Context(), chi.URLParam(r, "id"), req.Assignee, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleAddAction(w http.ResponseWriter, r *http.Request) {
	var in alert.ActionInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	actionID, err := s.deps.Alerts.AddResponseAction(r.Context(), id, in, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	a, err := s.deps.Alerts.Get(id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"actionId": actionID, "alert": a})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Incidents == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"incidents": []*alert.Incident{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"incidents": s.deps.Incidents.Incidents()})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	if s.deps.Incidents == nil {
		respondError(w, http.StatusNotFound, codeNotFound, "incident not found")
		return
	}
	inc, err := s.deps.Incidents.Incident(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func parseAlertFilter(q url.Values) (alert.Filter, error) {
	f := alert.Filter{
		Category:      q.Get("category"),
		Environment:   q.Get("environment"),
		Assignee:      q.Get("assignee"),
		CorrelationID: q.Get("correlationId"),
	}
	for _, v := range splitList(q.Get("status")) {
		st := alert.Status(v)
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", v)
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, v := range splitList(q.Get("severity")) {
		sev := alert.Severity(v)
		if sev.Rank() == 0 {
			return f, fmt.Errorf("unknown severity %q", v)
		}
		f.Severities = append(f.Severities, sev)
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, err
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		return f, err
	}
	return f, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339", v)
	}
	return t, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

var exportContentTypes = map[string]string{
	"json":   "application/json",
	"csv":    "text/csv",
	"siem":   "text/plain",
	"syslog": "text/plain",
}

func writeExport(w http.ResponseWriter, format string, body []byte) {
	ct, ok := exportContentTypes[strings.ToLower(format)]
	if !ok {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct+"; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
