package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/recovery"
)

type startRequest struct {
	CaseID string `json:"case_id"`
}

type progressRequest struct {
	Progress int    `json:"progress"`
	SubStep  string `json:"sub_step,omitempty"`
	Message  string `json:"message,omitempty"`
}

type policyResponse struct {
	BackoffBase   string                                        `json:"backoff_base"`
	BackoffMax    string                                        `json:"backoff_max"`
	RateLimitWait string                                        `json:"rate_limit_wait"`
	QueueDelay    string                                        `json:"queue_delay"`
	Table         map[recovery.Classification][]recovery.Action `json:"table"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Definitions())
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	table := s.policy.Table
	if table == nil {
		table = recovery.DefaultTable()
	}
	writeJSON(w, http.StatusOK, policyResponse{
		BackoffBase:   s.policy.BackoffBase.String(),
		BackoffMax:    s.policy.BackoffMax.String(),
		RateLimitWait: s.policy.RateLimitWait.String(),
		QueueDelay:    s.policy.QueueDelay.String(),
		Table:         table,
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.List())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	run, err := s.controller.Start(req.CaseID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.controller.Get(chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Reset(chi.URLParam(r, "caseID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.pipelineCommand(w, r, s.controller.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.pipelineCommand(w, r, s.controller.Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.pipelineCommand(w, r, s.controller.Stop)
}

func (s *Server) handleStartPhase(w http.ResponseWriter, r *http.Request) {
	s.phaseCommand(w, r, s.controller.StartPhase)
}

func (s *Server) handleRetryPhase(w http.ResponseWriter, r *http.Request) {
	s.phaseCommand(w, r, s.controller.RetryPhase)
}

func (s *Server) handleSkipPhase(w http.ResponseWriter, r *http.Request) {
	s.phaseCommand(w, r, s.controller.SkipPhase)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.phaseCommand(w, r, func(caseID, phaseID string) error {
		return s.controller.ReportProgress(caseID, phaseID, req.Progress, req.SubStep, req.Message)
	})
}

// pipelineCommand runs fn and answers with the resulting snapshot.
func (s *Server) pipelineCommand(w http.ResponseWriter, r *http.Request, fn func(caseID string) error) {
	caseID := chi.URLParam(r, "caseID")
	if err := fn(caseID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, caseID)
}

func (s *Server) phaseCommand(w http.ResponseWriter, r *http.Request, fn func(caseID, phaseID string) error) {
	caseID := chi.URLParam(r, "caseID")
	if err := fn(caseID, chi.URLParam(r, "phaseID")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, caseID)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, caseID string) {
	run, err := s.controller.Get(caseID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return phase.NewError(phase.ErrInvalidConfiguration, "invalid request body: "+strings.TrimSpace(err.Error()), err, nil)
	}
	return nil
}
