package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/browser"
	"github.com/VenkatGGG/testswarm/internal/catalog"
	"github.com/VenkatGGG/testswarm/internal/events"
	"github.com/VenkatGGG/testswarm/internal/jobstore"
)

type CreateInput struct {
	Description string
	Browsers    []string
	Tests       []string
	Filter      string
	Snapshot    bool
}

// EditInput changes a job. A nil Browsers leaves the browser set alone.
type EditInput struct {
	Description string
	Browsers    []string
}

func (s *Scheduler) Create(ctx context.Context, input CreateInput) (jobstore.Job, error) {
	browsers := browser.SortIDs(input.Browsers)
	if len(browsers) == 0 {
		return jobstore.Job{}, &ValidationError{Message: noBrowsersOnNew}
	}
	if len(nonBlank(input.Tests)) == 0 {
		return jobstore.Job{}, &ValidationError{Message: "No tests specified for the job"}
	}

	tests, err := s.catalog.Resolve(ctx, input.Tests)
	if err != nil {
		var unknown *catalog.UnknownTestsError
		if errors.As(err, &unknown) {
			return jobstore.Job{}, &ValidationError{Message: "Unknown tests: " + strings.Join(unknown.IDs, ", ")}
		}
		return jobstore.Job{}, fmt.Errorf("resolve tests: %w", err)
	}

	now := s.now()
	job := jobstore.Job{
		ID:          newID("job_"),
		Description: strings.TrimSpace(input.Description),
		Browsers:    browsers,
		Filter:      strings.TrimSpace(input.Filter),
		Snapshot:    input.Snapshot,
		Created:     now,
	}

	entries := make([]jobstore.TestEntry, 0, len(tests))
	for i, test := range tests {
		entries = append(entries, jobstore.TestEntry{
			ID:       test.ID,
			JobID:    job.ID,
			Name:     test.Name,
			File:     test.File,
			Manual:   test.Manual,
			Position: i,
		})
	}
	assignments := s.buildAssignments(job.ID, entries, s.browsers.Parse(browsers), 0)

	if err := s.store.CreateJob(ctx, job, entries, assignments); err != nil {
		return jobstore.Job{}, fmt.Errorf("persist job: %w", err)
	}

	s.metrics.JobCreated()
	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.Strings("browsers", browsers),
		zap.Int("tests", len(entries)),
		zap.Int("assignments", len(assignments)),
	)
	s.publish(ctx, events.New(events.JobCreate, job.ID, "", job))
	s.offer(ctx, browsers)
	return job, nil
}

// buildAssignments creates WAITING assignments for every entry on every
// profile. Manual entries only go to profiles that accept manual tests.
func (s *Scheduler) buildAssignments(jobID string, entries []jobstore.TestEntry, profiles []browser.Profile, position int) []jobstore.Assignment {
	created := s.now()
	var out []jobstore.Assignment
	for _, entry := range entries {
		for _, profile := range profiles {
			if entry.Manual && !profile.AcceptsManual {
				continue
			}
			out = append(out, jobstore.Assignment{
				ID:       newID("asg_"),
				JobID:    jobID,
				TestID:   entry.ID,
				Browser:  profile.ID,
				Family:   profile.Family,
				Version:  profile.Version,
				Manual:   entry.Manual,
				Status:   jobstore.StatusWaiting,
				Created:  created,
				Position: position,
			})
			position++
		}
	}
	return out
}

// Edit updates the description and browser set. A browser diff is computed
// against the stored list and re-applied if a concurrent edit changed it
// first.
func (s *Scheduler) Edit(ctx context.Context, jobID string, input EditInput) (jobstore.Job, error) {
	var next []string
	if input.Browsers != nil {
		next = browser.SortIDs(input.Browsers)
		if len(next) == 0 {
			return jobstore.Job{}, &ValidationError{Message: noBrowsersOnEdit}
		}
	}

	var (
		change         jobstore.EditInput
		existing       []jobstore.Assignment
		added, removed []string
	)
	for attempt := 1; ; attempt++ {
		var err error
		change, existing, added, removed, err = s.planEdit(ctx, jobID, strings.TrimSpace(input.Description), next)
		if err != nil {
			return jobstore.Job{}, err
		}
		err = s.store.EditJob(ctx, change)
		if err == nil {
			break
		}
		if !errors.Is(err, jobstore.ErrConflict) || attempt == editAttempts {
			return jobstore.Job{}, err
		}
		s.logger.Debug("job edit raced, retrying", zap.String("job_id", jobID), zap.Int("attempt", attempt))
	}

	for _, id := range added {
		s.publish(ctx, events.New(events.TasksAdd, jobID, id, testsOn(change.Added, id)))
	}
	for _, id := range removed {
		s.publish(ctx, events.New(events.TasksRemove, jobID, id, testsOn(existing, id)))
	}
	s.publish(ctx, events.New(events.JobUpdate, jobID, "", nil))

	if len(added) > 0 {
		s.offer(ctx, added)
	}
	if len(removed) > 0 {
		s.checkComplete(ctx, jobID)
	}

	updated, _, err := s.Get(ctx, jobID)
	return updated, err
}

// planEdit reads the job and builds the store change that moves it to the
// browsers in next. A nil next leaves the browser set untouched.
func (s *Scheduler) planEdit(ctx context.Context, jobID, description string, next []string) (jobstore.EditInput, []jobstore.Assignment, []string, []string, error) {
	change := jobstore.EditInput{JobID: jobID, Description: description}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return change, nil, nil, nil, err
	}
	var added, removed []string
	if next != nil {
		added, removed = diffIDs(job.Browsers, next)
		if len(added) > 0 || len(removed) > 0 {
			change.Browsers = next
			change.ExpectBrowsers = job.Browsers
			change.RemovedBrowsers = removed
		}
	}

	existing, err := s.store.ListAssignments(ctx, jobID)
	if err != nil {
		return change, nil, nil, nil, err
	}
	if len(added) > 0 {
		entries, err := s.store.ListTests(ctx, jobID)
		if err != nil {
			return change, nil, nil, nil, err
		}
		change.Added = s.buildAssignments(jobID, entries, s.browsers.Parse(added), nextPosition(existing))
	}
	return change, existing, added, removed, nil
}

// Restart returns every assignment of the job to WAITING.
func (s *Scheduler) Restart(ctx context.Context, jobID string) error {
	n, err := s.store.ResetAssignments(ctx, jobID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}

	s.logger.Info("job restarted", zap.String("job_id", jobID), zap.Int("assignments", n))
	s.publish(ctx, events.New(events.JobUpdate, jobID, "", nil))
	if job, err := s.store.GetJob(ctx, jobID); err == nil {
		s.offer(ctx, job.Browsers)
	}
	return nil
}

func (s *Scheduler) Delete(ctx context.Context, jobID string) error {
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("job deleted", zap.String("job_id", jobID))
	s.publish(ctx, events.New(events.JobDelete, jobID, "", nil))
	return nil
}

// Find returns the bare job record.
func (s *Scheduler) Find(ctx context.Context, jobID string) (jobstore.Job, bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		return jobstore.Job{}, false, nil
	}
	if err != nil {
		return jobstore.Job{}, false, err
	}
	return job, true, nil
}

// Get returns the job with each test entry's assignments and the compacted
// per-browser results.
func (s *Scheduler) Get(ctx context.Context, jobID string) (jobstore.Job, bool, error) {
	job, ok, err := s.Find(ctx, jobID)
	if err != nil || !ok {
		return job, ok, err
	}
	entries, err := s.store.ListTests(ctx, jobID)
	if err != nil {
		return jobstore.Job{}, false, err
	}
	assignments, err := s.store.ListAssignments(ctx, jobID)
	if err != nil {
		return jobstore.Job{}, false, err
	}

	byTest := make(map[string][]jobstore.Assignment, len(entries))
	for _, a := range assignments {
		byTest[a.TestID] = append(byTest[a.TestID], a)
	}
	for i := range entries {
		entries[i].Assignments = byTest[entries[i].ID]
	}
	job.Tests = entries
	job.Results = CompactResults(job.Browsers, assignments)
	return job, true, nil
}

// List returns all jobs newest first with compacted results.
func (s *Scheduler) List(ctx context.Context) ([]jobstore.Job, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		assignments, err := s.store.ListAssignments(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Results = CompactResults(jobs[i].Browsers, assignments)
	}
	return jobs, nil
}

var precedence = map[jobstore.Status]int{
	jobstore.StatusPassed:  1,
	jobstore.StatusIgnored: 2,
	jobstore.StatusWaiting: 3,
	jobstore.StatusPending: 4,
	jobstore.StatusFailed:  5,
}

// CompactResults reduces each browser's assignments to the most severe
// status: FAILED > PENDING > WAITING > IGNORED > PASSED. Browsers without
// assignments are left out.
func CompactResults(browsers []string, assignments []jobstore.Assignment) map[string]jobstore.Status {
	wanted := make(map[string]struct{}, len(browsers))
	for _, id := range browsers {
		wanted[id] = struct{}{}
	}
	out := make(map[string]jobstore.Status, len(browsers))
	for _, a := range assignments {
		if _, ok := wanted[a.Browser]; !ok {
			continue
		}
		if current, ok := out[a.Browser]; !ok || precedence[a.Status] > precedence[current] {
			out[a.Browser] = a.Status
		}
	}
	return out
}

func diffIDs(before, after []string) (added, removed []string) {
	prev := make(map[string]struct{}, len(before))
	for _, id := range before {
		prev[id] = struct{}{}
	}
	next := make(map[string]struct{}, len(after))
	for _, id := range after {
		next[id] = struct{}{}
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func nextPosition(assignments []jobstore.Assignment) int {
	next := 0
	for _, a := range assignments {
		if a.Position >= next {
			next = a.Position + 1
		}
	}
	return next
}

func testsOn(assignments []jobstore.Assignment, browserID string) []string {
	out := []string{}
	for _, a := range assignments {
		if a.Browser == browserID {
			out = append(out, a.TestID)
		}
	}
	return out
}

func nonBlank(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
