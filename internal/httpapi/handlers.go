package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"riskwatch/internal/errs"
	"riskwatch/internal/models"
	"riskwatch/internal/services/scheduler"
)

// SubmitRequest is the POST /research/requests payload. Industry is accepted
// as an alias for subject.
type SubmitRequest struct {
	Subject  string `json:"subject"`
	Industry string `json:"industry,omitempty"`
}

// CancelRequest is the optional DELETE /research/requests/{id} payload
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ScheduledRunRequest is the POST /research/scheduled/run payload
type ScheduledRunRequest struct {
	Subjects    []string `json:"subjects"`
	ForceUpdate bool     `json:"force_update"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	subject := lo.Ternary(req.Subject != "", req.Subject, req.Industry)

	taskID, err := s.research.Submit(r.Context(), subject, models.KindManual)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"status":  models.StatusPending,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var statuses []models.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = lo.Map(strings.Split(raw, ","), func(v string, _ int) models.Status {
			return models.Status(strings.ToUpper(strings.TrimSpace(v)))
		})
	}

	tasks, err := s.research.ListTasks(r.Context(), statuses, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.research.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	view, err := s.research.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	taskID := chi.URLParam(r, "id")
	if err := s.research.Cancel(r.Context(), taskID, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  models.StatusCancelled,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.research.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":      taskID,
		"status":       models.StatusPending,
		"retried_from": chi.URLParam(r, "id"),
	})
}

func (s *Server) handleScheduledRun(w http.ResponseWriter, r *http.Request) {
	var req ScheduledRunRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.scheduler.RunScheduledPass(r.Context(), req.Subjects, req.ForceUpdate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.ListJobs()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleUpsertJob creates or replaces the job with the request's name
func (s *Server) handleUpsertJob(w http.ResponseWriter, r *http.Request) {
	var req scheduler.UpsertJobRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.scheduler.UpsertJob(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "name": req.Name})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.scheduler.DeleteJob(jobID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "deleted": true})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reports, err := s.research.ListResults(r.Context(), r.URL.Query().Get("subject"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// decodeBody reads a JSON body into dst. An empty body is accepted unless required.
func decodeBody(r *http.Request, dst interface{}, required bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && !required:
		return nil
	case errors.Is(err, io.EOF):
		return errs.Ef(errs.Invalid, "decode request", "request body is required")
	default:
		return errs.Ef(errs.Invalid, "decode request", "invalid json: %v", err)
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errs.Ef(errs.Invalid, "parse limit", "limit must be a non-negative integer, got %q", raw)
	}
	return limit, nil
}
