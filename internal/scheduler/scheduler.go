// Package scheduler turns jobs into assignments and hands them to
// connected workers. Every assignment transition is a single conditional
// write against the job store, so concurrent claimants never both win.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/browser"
	"github.com/VenkatGGG/testswarm/internal/catalog"
	"github.com/VenkatGGG/testswarm/internal/events"
	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/lease"
	"github.com/VenkatGGG/testswarm/internal/metrics"
	"github.com/VenkatGGG/testswarm/internal/worker"
)

const (
	DefaultTestRetries   = 3
	DefaultTestTimeout   = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second

	sweepResource    = "scheduler:sweep"
	claimRounds      = 4
	candidateBatch   = 16
	sweepBatch       = 100
	editAttempts     = 3
	timeoutName      = "Test timeout"
	timeoutMessage   = "Test couldn't be executed after maximum number of retries"
	noBrowsersOnNew  = "No browsers specified for the job"
	noBrowsersOnEdit = "No browsers specified."
)

// ErrJobNotFound is returned by edit, restart and delete for unknown jobs.
var ErrJobNotFound = jobstore.ErrJobNotFound

// ValidationError reports input rejected before any state was written.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Claim tells a worker which test to run.
type Claim struct {
	AssignmentID string `json:"assignment_id"`
	JobID        string `json:"job_id"`
	TestID       string `json:"test_id"`
	Browser      string `json:"browser"`
	Manual       bool   `json:"manual"`
	Retries      int    `json:"retries"`
}

// Dispatcher pushes a claimed assignment to a connected worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, workerID string, claim Claim) error
}

type Config struct {
	TestRetries   int
	TestTimeout   time.Duration
	SweepInterval time.Duration
	LeaseTTL      time.Duration
	InstanceID    string
}

type Deps struct {
	Store     jobstore.Store
	Browsers  *browser.Registry
	Workers   *worker.Registry
	Catalog   catalog.Catalog
	Publisher events.Publisher
	Leases    lease.Manager
	Metrics   *metrics.Collectors
	Logger    *zap.Logger
}

type Scheduler struct {
	store     jobstore.Store
	browsers  *browser.Registry
	workers   *worker.Registry
	catalog   catalog.Catalog
	publisher events.Publisher
	leases    lease.Manager
	metrics   *metrics.Collectors
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time

	mu         sync.RWMutex
	dispatcher Dispatcher
}

func New(deps Deps, cfg Config) *Scheduler {
	if cfg.TestRetries < 0 {
		cfg.TestRetries = 0
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultTestTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * cfg.SweepInterval
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = "scheduler-" + uuid.NewString()
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Discard{}
	}
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.AcceptAll{}
	}
	browsers := deps.Browsers
	if browsers == nil {
		browsers = browser.NewRegistry(nil, nil)
	}

	return &Scheduler{
		store:     deps.Store,
		browsers:  browsers,
		workers:   deps.Workers,
		catalog:   cat,
		publisher: publisher,
		leases:    deps.Leases,
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

// AttachDispatcher wires the transport that delivers proactive offers. It
// is set after construction because the transport itself claims work
// through the scheduler.
func (s *Scheduler) AttachDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

func (s *Scheduler) currentDispatcher() Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

func (s *Scheduler) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event failed", zap.String("event", string(ev.Name)), zap.Error(err))
	}
}

// finished reports whether a needs no further work under the retry budget.
func (s *Scheduler) finished(a jobstore.Assignment) bool {
	switch a.Status {
	case jobstore.StatusPassed, jobstore.StatusIgnored:
		return true
	case jobstore.StatusFailed:
		return a.Retries > s.cfg.TestRetries
	default:
		return false
	}
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
