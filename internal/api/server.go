// Package api exposes the job lifecycle over HTTP: create, inspect, stream
// and download enrichment jobs.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/internal/monitoring"
)

// LogsTail is the number of recent log lines returned with a job.
const LogsTail = 50

// maxRequestBody caps the size of a job request.
const maxRequestBody = 1 << 20

// Server serves the job API.
type Server struct {
	runner  *jobs.Runner
	store   jobs.Store
	poll    time.Duration
	origins []string

	metrics  *monitoring.Collector
	lookback time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithPollInterval sets how often log streams re-read the store.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) { s.poll = d }
}

// WithAllowedOrigins sets the CORS origins. The default allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithMetrics serves a job health snapshot over lookback at GET /metrics.
func WithMetrics(c *monitoring.Collector, lookback time.Duration) Option {
	return func(s *Server) {
		s.metrics = c
		s.lookback = lookback
	}
}

// New creates a server that starts jobs on runner.
func New(runner *jobs.Runner, opts ...Option) *Server {
	s := &Server{
		runner:  runner,
		store:   runner.Store(),
		poll:    jobs.DefaultPollInterval,
		origins: []string{"*"},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Get("/metrics", s.handleMetrics)
	}
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/logs", s.handleLogs)
		r.Get("/{id}/download", s.handleDownload)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": s.runner.Active(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := s.lookback
	if q := r.URL.Query().Get("lookback"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid lookback")
			return
		}
		lookback = d
	}
	if lookback <= 0 {
		lookback = monitoring.DefaultLookbackWindow
	}

	snap, err := s.metrics.Collect(r.Context(), lookback)
	if err != nil {
		zap.L().Error("api: collect metrics", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type createResponse struct {
	JobID   string          `json:"job_id"`
	Status  model.JobStatus `json:"status"`
	Created bool            `json:"created"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req model.JobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, created, err := s.runner.Start(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		zap.L().Error("api: start job", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{JobID: job.ID, Status: job.Status, Created: created})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.Filter{Status: model.JobStatus(q.Get("status"))}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	list, err := s.store.List(r.Context(), f)
	if err != nil {
		zap.L().Error("api: list jobs", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if list == nil {
		list = []model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

type jobResponse struct {
	*model.Job
	LogsTail []string `json:"logs_tail"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	tail, err := jobs.TailLogs(r.Context(), s.store, job.ID, LogsTail)
	if err != nil {
		zap.L().Error("api: tail logs", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if tail == nil {
		tail = []string{}
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, LogsTail: tail})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() || !s.runner.Cancel(job.ID) {
		writeError(w, http.StatusConflict, "job is not running in this process")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "canceling"})
}

// lookup loads the job named in the path, writing 404 or 503 on failure.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		return job, true
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		zap.L().Error("api: get job", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
	}
	return nil, false
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
