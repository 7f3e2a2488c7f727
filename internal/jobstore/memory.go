package jobstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]Job
	tests       map[string][]TestEntry
	assignments map[string]Assignment
	byJob       map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]Job),
		tests:       make(map[string][]TestEntry),
		assignments: make(map[string]Assignment),
		byJob:       make(map[string][]string),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job Job, tests []TestEntry, assignments []Assignment) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	for _, a := range assignments {
		if _, exists := s.assignments[a.ID]; exists {
			return errors.New("assignment already exists")
		}
	}

	job.Browsers = append([]string(nil), job.Browsers...)
	job.Tests = nil
	job.Results = nil
	s.jobs[job.ID] = job

	entries := make([]TestEntry, 0, len(tests))
	for _, entry := range tests {
		entry.Assignments = nil
		entries = append(entries, entry)
	}
	s.tests[job.ID] = entries

	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		s.assignments[a.ID] = cloneAssignment(a)
		ids = append(ids, a.ID)
	}
	s.byJob[job.ID] = ids
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) EditJob(_ context.Context, input EditInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[input.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if input.Browsers != nil && !slices.Equal(job.Browsers, input.ExpectBrowsers) {
		return ErrConflict
	}
	job.Description = input.Description
	if input.Browsers != nil {
		job.Browsers = append([]string(nil), input.Browsers...)
	}

	if len(input.RemovedBrowsers) > 0 {
		removed := make(map[string]struct{}, len(input.RemovedBrowsers))
		for _, browser := range input.RemovedBrowsers {
			removed[browser] = struct{}{}
		}
		kept := s.byJob[job.ID][:0]
		for _, id := range s.byJob[job.ID] {
			if _, drop := removed[s.assignments[id].Browser]; drop {
				delete(s.assignments, id)
				continue
			}
			kept = append(kept, id)
		}
		s.byJob[job.ID] = kept
	}

	for _, a := range input.Added {
		s.assignments[a.ID] = cloneAssignment(a)
		s.byJob[job.ID] = append(s.byJob[job.ID], a.ID)
	}
	if len(input.Added) > 0 {
		job.Completed = nil
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	for _, assignmentID := range s.byJob[id] {
		delete(s.assignments, assignmentID)
	}
	delete(s.byJob, id)
	delete(s.tests, id)
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) MarkJobComplete(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Completed != nil {
		return false, nil
	}
	completed := at.UTC()
	job.Completed = &completed
	s.jobs[id] = job
	return true, nil
}

func (s *MemoryStore) ListTests(_ context.Context, jobID string) ([]TestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]TestEntry(nil), s.tests[jobID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, jobID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Assignment, 0, len(s.byJob[jobID]))
	for _, id := range s.byJob[jobID] {
		out = append(out, cloneAssignment(s.assignments[id]))
	}
	sortAssignments(out)
	return out, nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, id string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	return cloneAssignment(a), nil
}

func (s *MemoryStore) ResetAssignments(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byJob[jobID]
	for _, id := range ids {
		a := s.assignments[id].Reset()
		a.Revision++
		s.assignments[id] = a
	}
	if job, ok := s.jobs[jobID]; ok && len(ids) > 0 {
		job.Completed = nil
		s.jobs[jobID] = job
	}
	return len(ids), nil
}

func (s *MemoryStore) Candidates(_ context.Context, query CandidateQuery) ([]Assignment, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type candidate struct {
		a       Assignment
		created time.Time
		rank    int
	}
	var found []candidate
	for _, a := range s.assignments {
		if !query.Eligible(a) {
			continue
		}
		found = append(found, candidate{
			a:       a,
			created: s.jobs[a.JobID].Created,
			rank:    candidateRank(a, query),
		})
	}
	sort.Slice(found, func(i, j int) bool {
		x, y := found[i], found[j]
		if !x.created.Equal(y.created) {
			return x.created.Before(y.created)
		}
		if x.a.JobID != y.a.JobID {
			return x.a.JobID < y.a.JobID
		}
		if x.rank != y.rank {
			return x.rank < y.rank
		}
		return assignmentLess(x.a, y.a)
	})

	if len(found) > limit {
		found = found[:limit]
	}
	out := make([]Assignment, 0, len(found))
	for _, c := range found {
		out = append(out, cloneAssignment(c.a))
	}
	return out, nil
}

func (s *MemoryStore) ExpiredClaims(_ context.Context, startedBefore time.Time, minRetries, limit int) ([]Assignment, error) {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for _, a := range s.assignments {
		if a.Status != StatusPending || a.Started.IsZero() || !a.Started.Before(startedBefore) {
			continue
		}
		if a.Retries < minRetries {
			continue
		}
		out = append(out, cloneAssignment(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, prev, next Assignment) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.assignments[prev.ID]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	if current.Status != prev.Status || current.Revision != prev.Revision {
		return Assignment{}, ErrConflict
	}

	updated := cloneAssignment(next)
	updated.ID = current.ID
	updated.JobID = current.JobID
	updated.TestID = current.TestID
	updated.Browser = current.Browser
	updated.Family = current.Family
	updated.Version = current.Version
	updated.Manual = current.Manual
	updated.Created = current.Created
	updated.Position = current.Position
	updated.Revision = current.Revision + 1
	s.assignments[prev.ID] = updated
	return cloneAssignment(updated), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneJob(job Job) Job {
	job.Browsers = append([]string(nil), job.Browsers...)
	if job.Completed != nil {
		completed := *job.Completed
		job.Completed = &completed
	}
	return job
}

func cloneAssignment(a Assignment) Assignment {
	if a.Errors != nil {
		a.Errors = append([]AssertionError{}, a.Errors...)
	}
	return a
}

func sortAssignments(items []Assignment) {
	sort.SliceStable(items, func(i, j int) bool { return assignmentLess(items[i], items[j]) })
}

func assignmentLess(a, b Assignment) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}
