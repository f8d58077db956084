package httpserver

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/driftguard/internal/audit"
)

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": s.deps.Audit.Query(f)})
}

func (s *Server) handleGetAuditEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Audit.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseAuditFilter(q)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	format := q.Get("format")
	if format == "" {
		format = audit.FormatJSON
	}
	body, err := s.deps.Audit.Export(f, format)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeExport(w, format, body)
}

// handleVerify checks the in-memory window, or the whole persisted chain
// with ?scope=stored.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scope") == "stored" {
		rep, err := s.deps.Audit.VerifyStored(r.Context())
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, rep)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Audit.VerifyIntegrity())
}

func parseAuditFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		EventTypes: splitList(q.Get("eventType")),
		Actor:      q.Get("actor"),
		TargetType: q.Get("targetType"),
		TargetID:   q.Get("targetId"),
	}
	if v := q.Get("minSeverity"); v != "" {
		f.MinSeverity = audit.Severity(v)
		if !f.MinSeverity.Valid() {
			return f, fmt.Errorf("unknown severity %q", v)
		}
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

type complianceRequest struct {
	Standard    string    `json:"standard"`
	Environment string    `json:"environment"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Compliance == nil {
		respondError(w, http.StatusNotFound, codeNotFound, "compliance reporting not enabled")
		return
	}
	var req complianceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if req.Standard == "" {
		respondError(w, http.StatusBadRequest, codeBadRequest, "standard is required")
		return
	}
	rep, err := s.deps.Compliance.Generate(r.Context(), req.Standard, s.environment(req.Environment), req.Start, req.End)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}
