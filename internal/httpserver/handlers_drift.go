package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/driftguard/internal/drift"
)

type createBaselineRequest struct {
	Environment string `json:"environment"`
	Description string `json:"description"`
}

func (s *Server) environment(env string) string {
	if env == "" {
		return s.deps.Environment
	}
	return env
}

func (s *Server) handleCreateBaseline(w http.ResponseWriter, r *http.Request) {
	var req createBaselineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	env := s.environment(req.Environment)
	if env == "" {
		respondError(w, http.StatusBadRequest, codeBadRequest, "environment is required")
		return
	}
	b, err := s.deps.Drift.CreateBaseline(r.Context(), env, actor(r), req.Description)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBaselines(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Drift.Baselines().List(r.Context(), s.environment(r.URL.Query().Get("environment")))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"baselines": list})
}

func (s *Server) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Drift.Baselines().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

type detectRequest struct {
	Environment string `json:"environment"`
	BaselineID  string `json:"baselineId"`
}

func (s *Server) handleDetectDrift(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	res, err := s.deps.Drift.DetectDrift(r.Context(), s.environment(req.Environment), req.BaselineID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type historyItem struct {
	drift.Summary
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleDriftHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Drift.History(s.environment(r.URL.Query().Get("environment")))
	summaries := make([]historyItem, 0, len(history))
	for _, res := range history {
		summaries = append(summaries, historyItem{Summary: res.Summary(), Timestamp: res.Timestamp})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": summaries})
}
