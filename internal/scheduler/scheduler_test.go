package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/browser"
	"github.com/VenkatGGG/testswarm/internal/catalog"
	"github.com/VenkatGGG/testswarm/internal/events"
	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/lease"
	"github.com/VenkatGGG/testswarm/internal/worker"
)

const (
	chromeUA  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/35.0.1916.153 Safari/537.36"
	firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:31.0) Gecko/20100101 Firefox/31.0"
	ie9UA     = "Mozilla/5.0 (compatible; MSIE 9.0; Windows NT 6.1; Trident/5.0)"
	operaUA   = "Opera/9.80 (X11; Linux x86_64) Presto/2.12.388 Version/12.16"
)

type harness struct {
	sched   *Scheduler
	store   jobstore.Store
	workers *worker.Registry
	events  *events.Recorder
	now     time.Time
}

func newHarness(t *testing.T, store jobstore.Store, cfg Config, tests ...catalog.Test) *harness {
	t.Helper()

	if len(tests) == 0 {
		tests = []catalog.Test{{ID: "login"}, {ID: "search"}}
	}
	h := &harness{
		store:  store,
		events: &events.Recorder{},
		now:    time.Date(2026, time.April, 2, 15, 0, 0, 0, time.UTC),
	}
	profiles := browser.NewRegistry([]string{"chrome", "chrome35", "firefox", "ie8", "ie9", "ie10"}, []string{"chrome"})
	h.workers = worker.NewRegistry(profiles, h.events, nil, zap.NewNop())
	h.sched = New(Deps{
		Store:     store,
		Browsers:  profiles,
		Workers:   h.workers,
		Catalog:   catalog.NewStatic(tests...),
		Publisher: h.events,
		Leases:    lease.NewMemoryManager(),
		Logger:    zap.NewNop(),
	}, cfg)
	h.sched.now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) register(t *testing.T, id, ua string) worker.Worker {
	t.Helper()
	w, err := h.workers.Register(context.Background(), worker.RegisterInput{ID: id, UserAgent: ua})
	require.NoError(t, err)
	return w
}

func (h *harness) create(t *testing.T, browsers []string, tests ...string) jobstore.Job {
	t.Helper()
	if len(tests) == 0 {
		tests = []string{"login"}
	}
	job, err := h.sched.Create(context.Background(), CreateInput{Description: "nightly", Browsers: browsers, Tests: tests})
	require.NoError(t, err)
	h.advance(time.Second)
	return job
}

func (h *harness) assignments(t *testing.T, jobID string) []jobstore.Assignment {
	t.Helper()
	out, err := h.store.ListAssignments(context.Background(), jobID)
	require.NoError(t, err)
	return out
}

func TestCreateSortsBrowsersNaturally(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})

	job := h.create(t, []string{"chrome35", "firefox", "123unknown", "ie8", "ie10", "ie9"}, "login", "search")

	require.Equal(t, []string{"123unknown", "chrome35", "firefox", "ie8", "ie9", "ie10"}, job.Browsers)
	assignments := h.assignments(t, job.ID)
	require.Len(t, assignments, 10, "unparseable browser ids get no assignments")
	for _, a := range assignments {
		require.NotEqual(t, "123unknown", a.Browser)
		require.Equal(t, jobstore.StatusWaiting, a.Status)
	}
	require.Len(t, h.events.Named(events.JobCreate), 1)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()

	_, err := h.sched.Create(ctx, CreateInput{Tests: []string{"login"}})
	require.True(t, IsValidation(err))
	require.EqualError(t, err, "No browsers specified for the job")

	_, err = h.sched.Create(ctx, CreateInput{Browsers: []string{"chrome"}})
	require.True(t, IsValidation(err))

	_, err = h.sched.Create(ctx, CreateInput{Browsers: []string{"chrome"}, Tests: []string{"login", "nope"}})
	require.True(t, IsValidation(err))
	require.Contains(t, err.Error(), "nope")

	jobs, err := h.sched.List(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestManualTestsOnlyGoToManualProfiles(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{},
		catalog.Test{ID: "unit"},
		catalog.Test{ID: "manual", Manual: true},
	)

	job := h.create(t, []string{"chrome", "firefox"}, "unit", "manual")

	assignments := h.assignments(t, job.ID)
	require.Len(t, assignments, 3)
	var manual []jobstore.Assignment
	for _, a := range assignments {
		if a.Manual {
			manual = append(manual, a)
		}
	}
	require.Len(t, manual, 1)
	require.Equal(t, "chrome", manual[0].Browser)
}

func TestClaimModeMustMatch(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{}, catalog.Test{ID: "manual", Manual: true})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "manual")

	unit := h.register(t, "unit", chromeUA)
	_, ok, err := h.sched.Claim(ctx, unit)
	require.NoError(t, err)
	require.False(t, ok)

	tester, err := h.workers.Register(ctx, worker.RegisterInput{ID: "tester", UserAgent: chromeUA, Mode: "manual"})
	require.NoError(t, err)
	claim, ok, err := h.sched.Claim(ctx, tester)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, claim.Manual)
	require.Equal(t, job.ID, claim.JobID)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	stores := map[string]func(t *testing.T) jobstore.Store{
		"memory": func(t *testing.T) jobstore.Store { return jobstore.NewMemoryStore() },
		"sqlite": func(t *testing.T) jobstore.Store {
			store, err := jobstore.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "claims.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, newStore(t), Config{})
			h.create(t, []string{"chrome"}, "login")

			const contenders = 12
			var wg sync.WaitGroup
			wins := make(chan Claim, contenders)
			for i := 0; i < contenders; i++ {
				w := h.register(t, "w"+string(rune('a'+i)), chromeUA)
				wg.Add(1)
				go func() {
					defer wg.Done()
					claim, ok, err := h.sched.Claim(context.Background(), w)
					if err == nil && ok {
						wins <- claim
					}
				}()
			}
			wg.Wait()
			close(wins)

			require.Len(t, wins, 1)
		})
	}
}

func TestRetryBudgetAllowsRetriesPlusOneFailures(t *testing.T) {
	const retries = 2
	h := newHarness(t, jobstore.NewMemoryStore(), Config{TestRetries: retries})
	ctx := context.Background()
	job := h.create(t, []string{"firefox"}, "login")
	w := h.register(t, "fx", firefoxUA)

	failures := 0
	for {
		claim, ok, err := h.sched.Claim(ctx, w)
		require.NoError(t, err)
		if !ok {
			break
		}
		_, recorded, err := h.sched.Complete(ctx, claim.AssignmentID, w, Outcome{
			Duration: 120,
			Results: []AssertionResult{
				{Name: "title", Success: true},
				{Name: "banner", Success: false, Error: "missing"},
			},
		})
		require.NoError(t, err)
		require.True(t, recorded)
		failures++
		require.LessOrEqual(t, failures, retries+1)
	}
	require.Equal(t, retries+1, failures)

	a := h.assignments(t, job.ID)[0]
	require.Equal(t, jobstore.StatusFailed, a.Status)
	require.Equal(t, retries+1, a.Retries)
	require.Equal(t, []jobstore.AssertionError{{Name: "banner", Error: "missing"}}, a.Errors)
	require.Equal(t, 31, a.TestedVersion)
	require.Equal(t, firefoxUA, a.TestedUA)
	require.Len(t, h.events.Named(events.JobComplete), 1)
}

func TestStaleClaimIsReclaimedThenExpired(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{TestRetries: 1, TestTimeout: time.Minute})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "login")

	first := h.register(t, "first", chromeUA)
	second := h.register(t, "second", chromeUA)
	third := h.register(t, "third", chromeUA)

	claim, ok, err := h.sched.Claim(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	h.advance(30 * time.Second)
	_, ok, err = h.sched.Claim(ctx, second)
	require.NoError(t, err)
	require.False(t, ok, "a fresh claim is not stale yet")

	h.advance(time.Minute)
	reclaim, ok, err := h.sched.Claim(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, claim.AssignmentID, reclaim.AssignmentID)
	require.Equal(t, 1, reclaim.Retries)

	_, recorded, err := h.sched.Complete(ctx, claim.AssignmentID, first, Outcome{Success: true})
	require.NoError(t, err)
	require.False(t, recorded, "the superseded worker must not overwrite the new claim")

	h.advance(2 * time.Minute)
	_, ok, err = h.sched.Claim(ctx, third)
	require.NoError(t, err)
	require.False(t, ok)

	a := h.assignments(t, job.ID)[0]
	require.Equal(t, jobstore.StatusFailed, a.Status)
	require.Equal(t, 2, a.Retries)
	require.Equal(t, []jobstore.AssertionError{{
		Name:  "Test timeout",
		Error: "Test couldn't be executed after maximum number of retries",
	}}, a.Errors)

	completes := h.events.Named(events.JobComplete)
	require.Len(t, completes, 1)
	require.Equal(t, job.ID, completes[0].JobID)
}

func TestSweepExpiresExhaustedClaims(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{TestRetries: 0, TestTimeout: time.Minute})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "login")
	w := h.register(t, "w", chromeUA)

	_, ok, err := h.sched.Claim(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.sched.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.advance(2 * time.Minute)
	n, err = h.sched.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a := h.assignments(t, job.ID)[0]
	require.Equal(t, jobstore.StatusFailed, a.Status)
	require.Equal(t, "Test timeout", a.Errors[0].Name)
	require.Len(t, h.events.Named(events.JobComplete), 1)
}

func TestSweepOnceRespectsLease(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{TestRetries: 0, TestTimeout: time.Minute})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "login")
	w := h.register(t, "w", chromeUA)
	_, ok, err := h.sched.Claim(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	h.advance(2 * time.Minute)

	leases := lease.NewMemoryManager()
	_, held, err := leases.Acquire(ctx, sweepResource, "other-instance", time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	h.sched.sweepOnce(ctx, lease.NewGuard(leases, sweepResource, "this-instance", time.Minute))
	require.Equal(t, jobstore.StatusPending, h.assignments(t, job.ID)[0].Status)

	h.sched.sweepOnce(ctx, nil)
	require.Equal(t, jobstore.StatusFailed, h.assignments(t, job.ID)[0].Status)
}

func TestCompletionEmitsSingleJobComplete(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	job := h.create(t, []string{"chrome", "firefox"}, "login")
	chrome := h.register(t, "c", chromeUA)
	firefox := h.register(t, "f", firefoxUA)

	c1, ok, err := h.sched.Claim(ctx, chrome)
	require.NoError(t, err)
	require.True(t, ok)
	f1, ok, err := h.sched.Claim(ctx, firefox)
	require.NoError(t, err)
	require.True(t, ok)

	_, recorded, err := h.sched.Complete(ctx, c1.AssignmentID, chrome, Outcome{Success: true, Duration: 40})
	require.NoError(t, err)
	require.True(t, recorded)
	require.Empty(t, h.events.Named(events.JobComplete))

	_, recorded, err = h.sched.Complete(ctx, f1.AssignmentID, firefox, Outcome{Ignored: true})
	require.NoError(t, err)
	require.True(t, recorded)

	_, recorded, err = h.sched.Complete(ctx, f1.AssignmentID, firefox, Outcome{Success: true})
	require.NoError(t, err)
	require.False(t, recorded)

	completes := h.events.Named(events.JobComplete)
	require.Len(t, completes, 1)
	require.Equal(t, job.ID, completes[0].JobID)
	require.Contains(t, string(completes[0].Data), job.ID)

	got, ok, err := h.sched.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.Completed)
	require.Equal(t, map[string]jobstore.Status{
		"chrome":  jobstore.StatusPassed,
		"firefox": jobstore.StatusIgnored,
	}, got.Results)
}

func TestCompleteAfterDeleteIsNoop(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "login")
	w := h.register(t, "w", chromeUA)

	claim, ok, err := h.sched.Claim(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.sched.Delete(ctx, job.ID))
	require.ErrorIs(t, h.sched.Delete(ctx, job.ID), ErrJobNotFound)

	_, recorded, err := h.sched.Complete(ctx, claim.AssignmentID, w, Outcome{Success: true})
	require.NoError(t, err)
	require.False(t, recorded)

	_, found, err := h.sched.Get(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, found)
	require.Len(t, h.events.Named(events.JobDelete), 1)
}

func TestEditWithSameBrowsersIsNoop(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	job := h.create(t, []string{"chrome", "firefox"}, "login", "search")
	before := h.assignments(t, job.ID)
	h.events.Reset()

	edited, err := h.sched.Edit(ctx, job.ID, EditInput{Description: "renamed", Browsers: []string{"firefox", "chrome"}})
	require.NoError(t, err)
	require.Equal(t, "renamed", edited.Description)
	require.Equal(t, []string{"chrome", "firefox"}, edited.Browsers)

	require.Empty(t, h.events.Named(events.TasksAdd))
	require.Empty(t, h.events.Named(events.TasksRemove))
	require.Equal(t, before, h.assignments(t, job.ID))
}

func TestEditAddsAndRemovesBrowsers(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	job := h.create(t, []string{"chrome", "firefox"}, "login", "search")
	h.events.Reset()

	edited, err := h.sched.Edit(ctx, job.ID, EditInput{Description: "nightly", Browsers: []string{"chrome", "ie9"}})
	require.NoError(t, err)
	require.Equal(t, []string{"chrome", "ie9"}, edited.Browsers)

	added := h.events.Named(events.TasksAdd)
	require.Len(t, added, 1)
	require.Equal(t, "ie9", added[0].BrowserID)
	require.JSONEq(t, `["login","search"]`, string(added[0].Data))

	removed := h.events.Named(events.TasksRemove)
	require.Len(t, removed, 1)
	require.Equal(t, "firefox", removed[0].BrowserID)

	browsers := map[string]int{}
	for _, a := range h.assignments(t, job.ID) {
		browsers[a.Browser]++
	}
	require.Equal(t, map[string]int{"chrome": 2, "ie9": 2}, browsers)

	w := h.register(t, "ie", ie9UA)
	claim, ok, err := h.sched.Claim(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ie9", claim.Browser)
}

// interleavedStore runs before once, ahead of the first EditJob it sees.
type interleavedStore struct {
	jobstore.Store
	before func()
}

func (s *interleavedStore) EditJob(ctx context.Context, input jobstore.EditInput) error {
	if hook := s.before; hook != nil {
		s.before = nil
		hook()
	}
	return s.Store.EditJob(ctx, input)
}

func TestEditRaceAddsBrowserOnce(t *testing.T) {
	store := &interleavedStore{Store: jobstore.NewMemoryStore()}
	h := newHarness(t, store, Config{})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "login", "search")

	store.before = func() {
		_, err := h.sched.Edit(ctx, job.ID, EditInput{Description: "first", Browsers: []string{"chrome", "ie9"}})
		require.NoError(t, err)
	}
	edited, err := h.sched.Edit(ctx, job.ID, EditInput{Description: "second", Browsers: []string{"chrome", "ie9"}})
	require.NoError(t, err)
	require.Equal(t, []string{"chrome", "ie9"}, edited.Browsers)
	require.Equal(t, "second", edited.Description)

	browsers := map[string]int{}
	for _, a := range h.assignments(t, job.ID) {
		browsers[a.Browser]++
	}
	require.Equal(t, map[string]int{"chrome": 2, "ie9": 2}, browsers)
	require.Len(t, h.events.Named(events.TasksAdd), 1)
}

func TestConcurrentEditsAddBrowserOnce(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "login", "search")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sched.Edit(ctx, job.ID, EditInput{Browsers: []string{"chrome", "ie9"}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ie9 := 0
	for _, a := range h.assignments(t, job.ID) {
		if a.Browser == "ie9" {
			ie9++
		}
	}
	require.Equal(t, 2, ie9)
}

func TestEditValidation(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "login")

	_, err := h.sched.Edit(ctx, "missing", EditInput{Browsers: []string{"chrome"}})
	require.ErrorIs(t, err, ErrJobNotFound)
	require.EqualError(t, err, "There's no such job.")

	_, err = h.sched.Edit(ctx, job.ID, EditInput{Browsers: []string{}})
	require.True(t, IsValidation(err))
	require.EqualError(t, err, "No browsers specified.")

	edited, err := h.sched.Edit(ctx, job.ID, EditInput{Description: "only text"})
	require.NoError(t, err)
	require.Equal(t, []string{"chrome"}, edited.Browsers)
	require.Equal(t, "only text", edited.Description)
}

func TestRestartResetsAssignments(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{TestRetries: 0})
	ctx := context.Background()
	job := h.create(t, []string{"chrome"}, "login")
	w := h.register(t, "w", chromeUA)

	claim, ok, err := h.sched.Claim(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = h.sched.Complete(ctx, claim.AssignmentID, w, Outcome{Duration: 10})
	require.NoError(t, err)
	require.Len(t, h.events.Named(events.JobComplete), 1)

	require.NoError(t, h.sched.Restart(ctx, job.ID))
	a := h.assignments(t, job.ID)[0]
	require.Equal(t, jobstore.StatusWaiting, a.Status)
	require.Zero(t, a.Retries)
	require.Nil(t, a.Errors)
	require.True(t, a.Started.IsZero())
	require.Zero(t, a.Duration)
	require.Zero(t, a.TestedVersion)
	require.Empty(t, a.TestedUA)

	claim, ok, err = h.sched.Claim(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = h.sched.Complete(ctx, claim.AssignmentID, w, Outcome{Success: true})
	require.NoError(t, err)
	require.Len(t, h.events.Named(events.JobComplete), 2, "a restarted job completes again")

	require.ErrorIs(t, h.sched.Restart(ctx, "missing"), ErrJobNotFound)
}

func TestClaimServesOlderJobsFirst(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	older := h.create(t, []string{"chrome"}, "login", "search")
	h.create(t, []string{"chrome"}, "login")
	w := h.register(t, "w", chromeUA)

	for _, wantTest := range []string{"login", "search"} {
		claim, ok, err := h.sched.Claim(ctx, w)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, older.ID, claim.JobID)
		require.Equal(t, wantTest, claim.TestID)
	}
}

func TestVersionPinnedAssignmentsNeedMatchingWorker(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	h.create(t, []string{"ie10"}, "login")
	w := h.register(t, "ie9", ie9UA)

	_, ok, err := h.sched.Claim(ctx, w)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnknownWorkersNeverClaim(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	h.create(t, []string{"opera"}, "login")
	w := h.register(t, "opera", operaUA)
	require.False(t, w.Dispatchable())

	_, ok, err := h.sched.Claim(context.Background(), w)
	require.NoError(t, err)
	require.False(t, ok)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	claims map[string]Claim
}

func (d *recordingDispatcher) Dispatch(_ context.Context, workerID string, claim Claim) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claims == nil {
		d.claims = make(map[string]Claim)
	}
	d.claims[workerID] = claim
	return nil
}

func TestCreateOffersWorkToReadyWorkers(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	h.sched.AttachDispatcher(dispatcher)

	h.register(t, "ready", chromeUA)
	h.workers.SetReady(ctx, "ready", true)
	h.register(t, "busy", chromeUA)
	h.register(t, "other", firefoxUA)
	h.workers.SetReady(ctx, "other", true)

	job := h.create(t, []string{"chrome"}, "login")

	require.Len(t, dispatcher.claims, 1)
	claim := dispatcher.claims["ready"]
	require.Equal(t, job.ID, claim.JobID)

	ready, err := h.workers.Get("ready")
	require.NoError(t, err)
	require.False(t, ready.Ready)
	other, err := h.workers.Get("other")
	require.NoError(t, err)
	require.True(t, other.Ready)
}

func TestSweepReoffersStaleClaimToReadyWorker(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{TestRetries: 2, TestTimeout: 5 * time.Minute})
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	h.sched.AttachDispatcher(dispatcher)

	job := h.create(t, []string{"chrome"}, "login")
	holder := h.register(t, "holder", chromeUA)
	first, ok, err := h.sched.Claim(ctx, holder)
	require.NoError(t, err)
	require.True(t, ok)
	h.workers.Unregister(ctx, holder.ID)

	h.register(t, "idle", chromeUA)
	h.workers.SetReady(ctx, "idle", true)

	h.advance(time.Minute)
	_, err = h.sched.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, dispatcher.claims, "claim is not stale yet")

	h.advance(5 * time.Minute)
	n, err := h.sched.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	claim, ok := dispatcher.claims["idle"]
	require.True(t, ok, "stale claim offered to the idle worker")
	require.Equal(t, first.AssignmentID, claim.AssignmentID)
	require.Equal(t, 1, claim.Retries)

	a := h.assignments(t, job.ID)[0]
	require.Equal(t, jobstore.StatusPending, a.Status)
	require.Equal(t, "idle", a.WorkerID)
}

func TestSweepReoffersRetryableFailure(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{TestRetries: 1})
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	h.sched.AttachDispatcher(dispatcher)

	h.create(t, []string{"chrome"}, "login")
	failing := h.register(t, "failing", chromeUA)
	claim, ok, err := h.sched.Claim(ctx, failing)
	require.NoError(t, err)
	require.True(t, ok)
	_, recorded, err := h.sched.Complete(ctx, claim.AssignmentID, failing, Outcome{Results: []AssertionResult{{Name: "title", Error: "boom"}}})
	require.NoError(t, err)
	require.True(t, recorded)
	h.workers.Unregister(ctx, failing.ID)

	h.register(t, "idle", chromeUA)
	h.workers.SetReady(ctx, "idle", true)
	_, err = h.sched.Sweep(ctx)
	require.NoError(t, err)

	retry, ok := dispatcher.claims["idle"]
	require.True(t, ok)
	require.Equal(t, claim.AssignmentID, retry.AssignmentID)
}

func TestClaimExpiresPastLongRunOfExhaustedClaims(t *testing.T) {
	var tests []catalog.Test
	var ids []string
	for i := 0; i < 70; i++ {
		id := fmt.Sprintf("case-%02d", i)
		tests = append(tests, catalog.Test{ID: id})
		ids = append(ids, id)
	}
	tests = append(tests, catalog.Test{ID: "login"})

	h := newHarness(t, jobstore.NewMemoryStore(), Config{TestRetries: 0, TestTimeout: time.Minute}, tests...)
	ctx := context.Background()
	old := h.create(t, []string{"chrome"}, ids...)
	holder := h.register(t, "holder", chromeUA)
	for range ids {
		_, ok, err := h.sched.Claim(ctx, holder)
		require.NoError(t, err)
		require.True(t, ok)
	}

	h.advance(2 * time.Minute)
	fresh := h.create(t, []string{"chrome"}, "login")

	w := h.register(t, "w", chromeUA)
	claim, ok, err := h.sched.Claim(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fresh.ID, claim.JobID)

	for _, a := range h.assignments(t, old.ID) {
		require.Equal(t, jobstore.StatusFailed, a.Status)
	}
	require.Len(t, h.events.Named(events.JobComplete), 1)
}

func TestCompactResultsPrecedence(t *testing.T) {
	browsers := []string{"a", "b", "c", "d", "e", "f"}
	assignments := []jobstore.Assignment{
		{Browser: "a", Status: jobstore.StatusWaiting},
		{Browser: "b", Status: jobstore.StatusPending},
		{Browser: "c", Status: jobstore.StatusFailed},
		{Browser: "d", Status: jobstore.StatusPassed},
		{Browser: "e", Status: jobstore.StatusPassed},
		{Browser: "e", Status: jobstore.StatusFailed},
		{Browser: "e", Status: jobstore.StatusPassed},
		{Browser: "f", Status: jobstore.StatusPassed},
		{Browser: "f", Status: jobstore.StatusIgnored},
		{Browser: "zzz", Status: jobstore.StatusFailed},
	}

	got := CompactResults(browsers, assignments)
	require.Equal(t, map[string]jobstore.Status{
		"a": jobstore.StatusWaiting,
		"b": jobstore.StatusPending,
		"c": jobstore.StatusFailed,
		"d": jobstore.StatusPassed,
		"e": jobstore.StatusFailed,
		"f": jobstore.StatusIgnored,
	}, got)

	mixed := CompactResults([]string{"x"}, []jobstore.Assignment{
		{Browser: "x", Status: jobstore.StatusPassed},
		{Browser: "x", Status: jobstore.StatusWaiting},
		{Browser: "x", Status: jobstore.StatusPending},
	})
	require.Equal(t, jobstore.StatusPending, mixed["x"])
}

func TestFindAndGetUnknownJob(t *testing.T) {
	h := newHarness(t, jobstore.NewMemoryStore(), Config{})
	ctx := context.Background()

	_, ok, err := h.sched.Find(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = h.sched.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	job := h.create(t, []string{"chrome", "firefox"}, "login", "search")
	got, ok, err := h.sched.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Tests, 2)
	require.Len(t, got.Tests[0].Assignments, 2)
	require.Equal(t, map[string]jobstore.Status{
		"chrome":  jobstore.StatusWaiting,
		"firefox": jobstore.StatusWaiting,
	}, got.Results)
}
