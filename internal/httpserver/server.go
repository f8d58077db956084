// Package httpserver exposes drift detection, alerting, audit and compliance
// operations over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/alert"
	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/baseline"
	"github.com/ILLUVRSE/driftguard/internal/compliance"
	"github.com/ILLUVRSE/driftguard/internal/drift"
)

// DriftAPI is the drift service surface used by the handlers.
type DriftAPI interface {
	CreateBaseline(ctx context.Context, environment, author, description string) (*baseline.Baseline, error)
	DetectDrift(ctx context.Context, environment, baselineID string) (*drift.Result, error)
	History(environment string) []*drift.Result
	Baselines() baseline.Store
}

// AlertAPI is the alert manager surface used by the handlers.
type AlertAPI interface {
	Create(ctx context.Context, in alert.Input, actor string) (*alert.Alert, error)
	Get(id string) (*alert.Alert, error)
	UpdateStatus(ctx context.Context, id string, status alert.Status, actor, comment string) (*alert.Alert, error)
	Assign(ctx context.Context, id, assignee, actor string) (*alert.Alert, error)
	AddResponseAction(ctx context.Context, id string, in alert.ActionInput, actor string) (string, error)
	Query(f alert.Filter) []*alert.Alert
	Export(f alert.Filter, format string) ([]byte, error)
}

// IncidentAPI reads incidents produced by correlation.
type IncidentAPI interface {
	Incident(id string) (*alert.Incident, error)
	Incidents() []*alert.Incident
}

// AuditAPI is the ledger surface used by the handlers.
type AuditAPI interface {
	Query(f audit.Filter) []*audit.Entry
	Get(id string) (*audit.Entry, error)
	Export(f audit.Filter, format string) ([]byte, error)
	VerifyIntegrity() audit.Report
	VerifyStored(ctx context.Context) (audit.Report, error)
}

// ComplianceAPI generates compliance reports.
type ComplianceAPI interface {
	Generate(ctx context.Context, standard, environment string, start, end time.Time) (*compliance.Report, error)
}

// Deps are the services behind the API. Incidents, Compliance, Keys and
// Ready may be nil.
type Deps struct {
	Drift      DriftAPI
	Alerts     AlertAPI
	Incidents  IncidentAPI
	Audit      AuditAPI
	Compliance ComplianceAPI
	Keys       http.Handler
	Ready      func(ctx context.Context) error

	// Environment is used when a request names none.
	Environment string
}

type Server struct {
	deps   Deps
	auth   AuthConfig
	logger *zap.Logger
}

func New(deps Deps, auth AuthConfig, logger *zap.Logger) *Server {
	return &Server{deps: deps, auth: auth, logger: logger.Named("http")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	if s.deps.Keys != nil {
		r.Handle("/keys", s.deps.Keys)
	}

	readers := RequireAnyRole(RoleOperator, RoleAuditor)
	operators := RequireAnyRole(RoleOperator)
	auditors := RequireAnyRole(RoleAuditor)

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(s.auth, s.logger))

		r.Route("/baselines", func(r chi.Router) {
			r.With(operators).Post("/", s.handleCreateBaseline)
			r.With(readers).Get("/", s.handleListBaselines)
			r.With(readers).Get("/{id}", s.handleGetBaseline)
		})
		r.Route("/drift", func(r chi.Router) {
			r.With(operators).Post("/detect", s.handleDetectDrift)
			r.With(readers).Get("/history", s.handleDriftHistory)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.With(operators).Post("/", s.handleCreateAlert)
			r.With(readers).Get("/", s.handleQueryAlerts)
			r.With(readers).Get("/export", s.handleExportAlerts)
			r.With(readers).Get("/{id}", s.handleGetAlert)
			r.With(operators).Post("/{id}/status", s.handleUpdateStatus)
			r.With(operators).Post("/{id}/assign", s.handleAssign)
			r.With(operators).Post("/{id}/actions", s.handleAddAction)
		})
		r.Route("/incidents", func(r chi.Router) {
			r.Use(readers)
			r.Get("/", s.handleListIncidents)
			r.Get("/{id}", s.handleGetIncident)
		})
		r.Route("/audit", func(r chi.Router) {
			r.Use(auditors)
			r.Get("/", s.handleQueryAudit)
			r.Get("/export", s.handleExportAudit)
			r.Get("/verify", s.handleVerify)
			r.Get("/{id}", s.handleGetAuditEntry)
		})
		r.With(readers).Post("/compliance/reports", s.handleComplianceReport)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"ok": true}
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			status["ok"] = false
			status["error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

const (
	codeBadRequest   = "DRIFTGUARD_BAD_REQUEST"
	codeUnauthorized = "DRIFTGUARD_UNAUTHORIZED"
	codeForbidden    = "DRIFTGUARD_FORBIDDEN"
	codeNotFound     = "DRIFTGUARD_NOT_FOUND"
	codeConflict     = "DRIFTGUARD_CONFLICT"
	codeUnavailable  = "DRIFTGUARD_UNAVAILABLE"
	codeInternal     = "DRIFTGUARD_INTERNAL"
)

// respondErr maps domain errors to HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, alert.ErrNotFound), errors.Is(err, baseline.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		respondError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, alert.ErrInvalidTransition), errors.Is(err, baseline.ErrChecksumMismatch):
		respondError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, alert.ErrInvalidInput),
		errors.Is(err, alert.ErrUnsupportedFormat),
		errors.Is(err, audit.ErrUnsupportedFormat),
		errors.Is(err, compliance.ErrUnsupportedStandard),
		errors.Is(err, compliance.ErrInvalidPeriod),
		errors.Is(err, drift.ErrEnvironmentMismatch):
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, audit.ErrLedgerUnavailable), errors.Is(err, audit.ErrLedgerClosed):
		respondError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func actor(r *http.Request) string {
	return FromContext(r.Context()).Actor()
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
