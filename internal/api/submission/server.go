// Package submission is the user-facing, token-authenticated RPC surface:
// a thin Server wrapping a chi router plus the coordinator it delegates
// to.
package submission

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/quantumcloud/qscheduler/internal/apierror"
	"github.com/quantumcloud/qscheduler/internal/backend"
	"github.com/quantumcloud/qscheduler/internal/lifecycle"
	"github.com/quantumcloud/qscheduler/internal/logger"
	"github.com/quantumcloud/qscheduler/internal/messagelog"
	"github.com/quantumcloud/qscheduler/internal/model"
	"github.com/quantumcloud/qscheduler/internal/objectstore"
	"github.com/quantumcloud/qscheduler/internal/recordstore"
	"github.com/quantumcloud/qscheduler/internal/token"
)

const requestTimeout = 30 * time.Second

type identityKey struct{}

// Server is the submission RPC surface: SubmitJob, CancelJob,
// GetJobStatus, GetJobResult, GetServiceStatus.
type Server struct {
	router      chi.Router
	coordinator *lifecycle.Coordinator
	records     *recordstore.Store
	objects     *objectstore.Gateway
	messages    *messagelog.Log
	catalog     *backend.Catalog
	tokens      *token.Resolver
	maxWorkers  int
}

// New builds a submission Server. maxWorkers bounds how many requests this
// surface processes concurrently, the submission surface's own worker
// pool, independent of the execution surface's.
func New(coordinator *lifecycle.Coordinator, records *recordstore.Store, objects *objectstore.Gateway, messages *messagelog.Log, catalog *backend.Catalog, tokens *token.Resolver, maxWorkers int) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		coordinator: coordinator,
		records:     records,
		objects:     objects,
		messages:    messages,
		catalog:     catalog,
		tokens:      tokens,
		maxWorkers:  maxWorkers,
	}
	s.routes()
	return s
}

// Router exposes the configured handler for main.go to serve.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "submission")
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.Throttle(s.maxWorkers))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/status", s.handleServiceStatus)
		r.Post("/v1/jobs", s.handleSubmitJob)
		r.Post("/v1/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/v1/jobs/{id}", s.handleGetJobStatus)
		r.Get("/v1/jobs/{id}/result", s.handleGetJobResult)
	})
}

// authenticate resolves the bearer token against the token-info service
// and attaches the resulting identity to the request context. Every
// submission-surface operation is token-authenticated.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, apierror.New(apierror.CodeUnauthenticated, "missing bearer token"))
			return
		}

		info, err := s.tokens.Resolve(r.Context(), raw)
		if err != nil {
			writeError(w, err)
			return
		}
		if info.IsExpired(time.Now()) {
			writeError(w, apierror.New(apierror.CodeUnauthenticated, "token has expired"))
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) token.Info {
	info, _ := r.Context().Value(identityKey{}).(token.Info)
	return info
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type serviceStatusResponse struct {
	Backend     string `json:"backend"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

// handleServiceStatus resolves the caller-requested backend through the
// catalog and reports its dispatch eligibility.
func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Query().Get("backend")
	if requested == "" {
		writeError(w, apierror.New(apierror.CodeInternal, "backend query parameter is required"))
		return
	}

	resolved, err := s.catalog.Resolve(r.Context(), requested)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, serviceStatusResponse{
		Backend:     resolved.Canonical,
		Status:      string(resolved.Status),
		Description: resolved.Description,
	})
}

type submitJobRequest struct {
	SDKVersion string          `json:"sdk_version"`
	Backend    string          `json:"backend"`
	Settings   model.Settings  `json:"settings"`
	SaveJob    bool            `json:"save_job"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	program, req, err := readMultipartSubmit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	jobID, err := s.coordinator.SubmitJob(r.Context(), lifecycle.SubmitInput{
		TokenName:  identity.Name,
		Role:       identity.Role,
		SDKVersion: req.SDKVersion,
		Backend:    req.Backend,
		Program:    program,
		Settings:   req.Settings,
		SaveJob:    req.SaveJob,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: jobID})
}

// readMultipartSubmit accepts only a multipart/form-data body with a
// "metadata" JSON part and a "program" binary part, so large programs
// never pass through JSON escaping. Any other content type is rejected.
func readMultipartSubmit(r *http.Request) ([]byte, submitJobRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/") {
		return nil, submitJobRequest{}, apierror.New(apierror.CodeInternal, "multipart/form-data required for program upload")
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, submitJobRequest{}, apierror.Wrap(apierror.CodeInternal, "parse multipart form", err)
	}

	var req submitJobRequest
	if meta := r.FormValue("metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &req); err != nil {
			return nil, req, apierror.Wrap(apierror.CodeInternal, "decode metadata part", err)
		}
	}

	file, _, err := r.FormFile("program")
	if err != nil {
		return nil, req, apierror.Wrap(apierror.CodeInternal, "read program part", err)
	}
	defer file.Close()

	program, err := io.ReadAll(file)
	if err != nil {
		return nil, req, apierror.Wrap(apierror.CodeInternal, "read program bytes", err)
	}
	return program, req, nil
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	jobID := chi.URLParam(r, "id")

	if err := s.coordinator.CancelJob(r.Context(), identity.Name, jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobStatusResponse struct {
	JobID        string             `json:"job_id"`
	Status       model.Status       `json:"status"`
	StatusDetail string             `json:"status_detail,omitempty"`
	Timestamps   model.Timestamps   `json:"timestamps"`
	ExecVersion  model.ExecVersion  `json:"exec_version"`
	Messages     []messagelog.Entry `json:"messages"`
}

func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	jobID := chi.URLParam(r, "id")

	job, err := s.records.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.TokenName != identity.Name {
		writeError(w, apierror.New(apierror.CodeUnauthorized, "token does not own this job"))
		return
	}

	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:        job.JobID,
		Status:       job.Status,
		StatusDetail: job.StatusDetail,
		Timestamps:   job.Timestamps,
		ExecVersion:  job.ExecVersion,
		Messages:     s.messages.For(job.JobID),
	})
}

type jobResultResponse struct {
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleGetJobResult(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	jobID := chi.URLParam(r, "id")

	job, err := s.records.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.TokenName != identity.Name {
		writeError(w, apierror.New(apierror.CodeUnauthorized, "token does not own this job"))
		return
	}
	if job.Status != model.StatusCompleted {
		writeError(w, apierror.Newf(apierror.CodeIllegalTransition, "job is %s, not COMPLETED", job.Status))
		return
	}

	url, expiry, err := s.objects.PresignDownloadURL(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobResultResponse{DownloadURL: url, ExpiresAt: expiry})
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
