// Package execution is the worker-facing RPC surface: AssignNextJob,
// ReportExecutionResult, RefreshUploadURL. Workers authenticate by
// network position, not token, so this server carries no auth
// middleware — it is meant to listen on a port reachable only from the
// worker fleet's network.
package execution

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/quantumcloud/qscheduler/internal/apierror"
	"github.com/quantumcloud/qscheduler/internal/lifecycle"
	"github.com/quantumcloud/qscheduler/internal/logger"
	"github.com/quantumcloud/qscheduler/internal/model"
	"github.com/quantumcloud/qscheduler/internal/objectstore"
)

const requestTimeout = 60 * time.Second

// Server is the execution RPC surface: AssignNextJob,
// ReportExecutionResult, RefreshUploadUrl.
type Server struct {
	router      chi.Router
	coordinator *lifecycle.Coordinator
	objects     *objectstore.Gateway
	maxWorkers  int
}

// New builds an execution Server. maxWorkers bounds how many requests this
// surface processes concurrently, independent of the submission
// surface's own worker pool.
func New(coordinator *lifecycle.Coordinator, objects *objectstore.Gateway, maxWorkers int) *Server {
	s := &Server{router: chi.NewRouter(), coordinator: coordinator, objects: objects, maxWorkers: maxWorkers}
	s.routes()
	return s
}

// Router exposes the configured handler for main.go to serve.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "execution")
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.Throttle(s.maxWorkers))

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/backends/{backend}/next-job", s.handleAssignNextJob)
	r.Post("/v1/jobs/{id}/report", s.handleReportExecutionResult)
	r.Post("/v1/jobs/{id}/refresh-upload-url", s.handleRefreshUploadURL)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type assignNextJobResponse struct {
	JobID     string         `json:"job_id"`
	Settings  model.Settings `json:"settings"`
	Program   []byte         `json:"program"`
	UploadURL string         `json:"upload_url"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// handleAssignNextJob blocks, respecting the caller's request deadline,
// until a job is available for backend or the context is cancelled.
// Workers hold no object-store credentials, so the program bytes travel
// in the response body rather than as a key the worker would need to
// fetch itself.
func (s *Server) handleAssignNextJob(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")

	job, err := s.coordinator.AssignNextJob(r.Context(), backend)
	if err != nil {
		writeError(w, err)
		return
	}

	program, err := s.objects.DownloadJobInput(r.Context(), job.JobID)
	if err != nil {
		writeError(w, err)
		return
	}

	uploadURL, expiresAt, err := s.objects.PresignUploadURL(r.Context(), job.JobID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, assignNextJobResponse{
		JobID:     job.JobID,
		Settings:  job.Settings,
		Program:   program,
		UploadURL: uploadURL,
		ExpiresAt: expiresAt,
	})
}

type reportExecutionResultRequest struct {
	Status           string             `json:"status"` // SUCCESS, FAILURE, TIMEOUT
	Detail           string             `json:"detail"`
	ResultRef        string             `json:"result_ref"`
	ExecVersion      model.ExecVersion  `json:"exec_version"`
	ActualBackend    string             `json:"actual_backend"`
	RawSizeBytes     int64              `json:"raw_size_bytes"`
	EncodedSizeBytes int64              `json:"encoded_size_bytes"`
	Timestamps       model.Timestamps   `json:"timestamps"`
}

var workerStatusToJobStatus = map[string]model.Status{
	"SUCCESS": model.StatusCompleted,
	"FAILURE": model.StatusFailed,
	"TIMEOUT": model.StatusTimeout,
}

func (s *Server) handleReportExecutionResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req reportExecutionResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.Wrap(apierror.CodeInternal, "decode report body", err))
		return
	}

	outcome, ok := workerStatusToJobStatus[req.Status]
	if !ok {
		writeError(w, apierror.Newf(apierror.CodeIllegalTransition, "unrecognized worker status %q", req.Status))
		return
	}

	err := s.coordinator.ReportExecutionResult(r.Context(), lifecycle.Report{
		JobID:            jobID,
		Outcome:          outcome,
		Detail:           req.Detail,
		ResultRef:        req.ResultRef,
		ExecVersion:      req.ExecVersion,
		ActualBackend:    req.ActualBackend,
		RawSizeBytes:     req.RawSizeBytes,
		EncodedSizeBytes: req.EncodedSizeBytes,
		Timestamps:       req.Timestamps,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type refreshUploadURLResponse struct {
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleRefreshUploadURL(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	url, expiresAt, err := s.coordinator.RefreshUploadURL(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshUploadURLResponse{UploadURL: url, ExpiresAt: expiresAt})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode response body")
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apierror.Of(err)
	writeJSON(w, apierror.HTTPStatus(code), errorResponse{Code: string(code), Message: err.Error()})
}
