// Package httpapi exposes the research orchestrator and the scheduled pass over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"riskwatch/internal/errs"
	"riskwatch/internal/models"
	"riskwatch/internal/services/research"
	"riskwatch/internal/services/scheduler"
)

// Research is the orchestrator surface the adapter calls
type Research interface {
	Submit(ctx context.Context, subject string, kind models.Kind) (string, error)
	GetStatus(ctx context.Context, taskID string) (*research.TaskView, error)
	GetResult(ctx context.Context, taskID string) (*research.ResultView, error)
	ListTasks(ctx context.Context, statuses []models.Status, limit int) ([]research.TaskView, error)
	ListResults(ctx context.Context, subject string, limit int) ([]research.ResultView, error)
	Cancel(ctx context.Context, taskID, reason string) error
	Retry(ctx context.Context, taskID string) (string, error)
}

// Scheduler runs the scheduler gate over a subject list and manages the
// cron jobs that run it
type Scheduler interface {
	RunScheduledPass(ctx context.Context, subjects []string, force bool) (*scheduler.PassResult, error)
	ListJobs() ([]scheduler.JobListResponse, error)
	UpsertJob(req scheduler.UpsertJobRequest) (string, error)
	DeleteJob(jobID string) error
}

// Server holds the adapter's collaborators
type Server struct {
	research  Research
	scheduler Scheduler
}

// NewServer creates the HTTP adapter
func NewServer(r Research, s Scheduler) *Server {
	return &Server{research: r, scheduler: s}
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/research", func(r chi.Router) {
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}/status", s.handleStatus)
			r.Get("/{id}/report", s.handleReport)
			r.Delete("/{id}", s.handleCancel)
			r.Post("/{id}/retry", s.handleRetry)
		})
		r.Route("/scheduled", func(r chi.Router) {
			r.Post("/run", s.handleScheduledRun)
			r.Get("/jobs", s.handleListJobs)
			r.Put("/jobs", s.handleUpsertJob)
			r.Delete("/jobs/{id}", s.handleDeleteJob)
		})
		r.Get("/reports", s.handleListReports)
	})

	return r
}

// statusFor picks the response code from the error kind
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Invalid, errs.NotReady, errs.TerminalState:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("ERROR: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  errs.KindOf(err).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
