package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/browser"
	"github.com/VenkatGGG/testswarm/internal/events"
	"github.com/VenkatGGG/testswarm/internal/idempotency"
	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/scheduler"
	"github.com/VenkatGGG/testswarm/internal/worker"
	"github.com/VenkatGGG/testswarm/pkg/httpx"
)

// JobService is the authoring side of the scheduler.
type JobService interface {
	Create(ctx context.Context, input scheduler.CreateInput) (jobstore.Job, error)
	Edit(ctx context.Context, jobID string, input scheduler.EditInput) (jobstore.Job, error)
	Restart(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (jobstore.Job, bool, error)
	List(ctx context.Context) ([]jobstore.Job, error)
}

type Options struct {
	Jobs     JobService
	Browsers *browser.Registry
	Workers  *worker.Registry
	// Events feeds /ws/dashboard. Nil disables the stream.
	Events *events.Bus
	// WorkerHub serves /ws/worker.
	WorkerHub http.Handler
	// Metrics serves /metrics.
	Metrics http.Handler

	APIKey             string
	RateLimitPerMinute int

	Idempotency        idempotency.Store
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration

	// DashboardDir overrides the embedded dashboard page with a built one.
	DashboardDir string
	Logger       *zap.Logger
}

type Server struct {
	jobs      JobService
	browsers  *browser.Registry
	workers   *worker.Registry
	events    *events.Bus
	workerHub http.Handler
	metrics   http.Handler

	requiredAPIKey string
	rateLimiter    *clientLimiter

	idempotency     idempotency.Store
	idempotencyTTL  time.Duration
	idempotencyLock time.Duration

	dashboardDir string
	logger       *zap.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:            opts.Jobs,
		browsers:        opts.Browsers,
		workers:         opts.Workers,
		events:          opts.Events,
		workerHub:       opts.WorkerHub,
		metrics:         opts.Metrics,
		requiredAPIKey:  opts.APIKey,
		idempotency:     opts.Idempotency,
		idempotencyTTL:  opts.IdempotencyTTL,
		idempotencyLock: opts.IdempotencyLockTTL,
		dashboardDir:    opts.DashboardDir,
		logger:          logger,
	}
	if opts.RateLimitPerMinute > 0 {
		s.rateLimiter = newClientLimiter(opts.RateLimitPerMinute, time.Minute)
	}
	if s.idempotencyTTL <= 0 {
		s.idempotencyTTL = idempotency.DefaultResponseTTL
	}
	if s.idempotencyLock <= 0 {
		s.idempotencyLock = idempotency.DefaultLockTTL
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.Use(s.withAPISecurity)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleEditJob).Methods(http.MethodPut)
	r.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods(http.MethodDelete)
	r.HandleFunc("/jobs/{id}/restart", s.handleRestartJob).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/browsers", s.handleBrowsers).Methods(http.MethodGet)
	r.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	if s.workerHub != nil {
		r.Handle("/ws/worker", s.workerHub)
	}
	r.HandleFunc("/ws/dashboard", s.handleEventStream).Methods(http.MethodGet)

	r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	r.PathPrefix("/assets/").HandlerFunc(s.handleDashboardAsset).Methods(http.MethodGet, http.MethodHead)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
