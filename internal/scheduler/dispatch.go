package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/events"
	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/worker"
)

// AssertionResult is one assertion reported by a worker.
type AssertionResult struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Outcome is a worker's report for one assignment. Duration is in
// milliseconds.
type Outcome struct {
	Success  bool              `json:"success"`
	Ignored  bool              `json:"ignored"`
	Duration int64             `json:"duration"`
	Results  []AssertionResult `json:"results"`
}

// Claim hands w the first eligible assignment, or reports false when there
// is none. Losing a race to another claimant is not an error: the next
// candidate is tried instead. Rounds that only expire exhausted claims do
// not count against claimRounds, since every expiry shrinks the candidate
// set for good.
func (s *Scheduler) Claim(ctx context.Context, w worker.Worker) (Claim, bool, error) {
	if !w.Dispatchable() {
		return Claim{}, false, nil
	}

	for round := 0; round < claimRounds; {
		now := s.now()
		candidates, err := s.store.Candidates(ctx, jobstore.CandidateQuery{
			Family:      w.Family,
			Version:     w.Version,
			Manual:      w.Mode == worker.ModeManual,
			StaleBefore: now.Add(-s.cfg.TestTimeout),
			MaxRetries:  s.cfg.TestRetries,
			Limit:       candidateBatch,
		})
		if err != nil {
			return Claim{}, false, fmt.Errorf("load candidates: %w", err)
		}
		if len(candidates) == 0 {
			s.metrics.Claim("none")
			return Claim{}, false, nil
		}

		expiredAny := false
		for _, candidate := range candidates {
			next, reason := s.claimTransition(candidate, w.ID, now)
			updated, err := s.store.CompareAndSwap(ctx, candidate, next)
			if errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrAssignmentNotFound) {
				s.metrics.Claim("conflict")
				continue
			}
			if err != nil {
				return Claim{}, false, fmt.Errorf("claim assignment %s: %w", candidate.ID, err)
			}

			if updated.Status == jobstore.StatusFailed {
				s.expired(ctx, updated)
				expiredAny = true
				continue
			}
			if reason != "" {
				s.metrics.Reclaim(reason)
			}
			s.metrics.Claim("claimed")
			s.logger.Debug("assignment claimed",
				zap.String("assignment_id", updated.ID),
				zap.String("job_id", updated.JobID),
				zap.String("worker_id", w.ID),
				zap.Int("retries", updated.Retries),
			)
			s.publish(ctx, events.New(events.JobUpdate, updated.JobID, updated.Browser, updated))
			return Claim{
				AssignmentID: updated.ID,
				JobID:        updated.JobID,
				TestID:       updated.TestID,
				Browser:      updated.Browser,
				Manual:       updated.Manual,
				Retries:      updated.Retries,
			}, true, nil
		}
		if !expiredAny {
			round++
		}
	}

	s.metrics.Claim("none")
	return Claim{}, false, nil
}

// claimTransition computes the next state for an eligible candidate. A
// stale claim that has used up the retry budget is failed instead of handed
// out again.
func (s *Scheduler) claimTransition(a jobstore.Assignment, workerID string, now time.Time) (jobstore.Assignment, string) {
	next := a
	reason := ""
	switch a.Status {
	case jobstore.StatusPending:
		if a.Retries >= s.cfg.TestRetries {
			return timedOut(a), ""
		}
		next.Retries++
		reason = "timeout"
	case jobstore.StatusFailed:
		reason = "retry"
	}
	next.Status = jobstore.StatusPending
	next.WorkerID = workerID
	next.Started = now
	return next, reason
}

func timedOut(a jobstore.Assignment) jobstore.Assignment {
	a.Status = jobstore.StatusFailed
	a.Retries++
	a.Errors = []jobstore.AssertionError{{Name: timeoutName, Error: timeoutMessage}}
	return a
}

func (s *Scheduler) expired(ctx context.Context, a jobstore.Assignment) {
	s.metrics.ClaimExpired()
	s.metrics.Completion(string(jobstore.StatusFailed))
	s.logger.Warn("assignment timed out after exhausting retries",
		zap.String("assignment_id", a.ID),
		zap.String("job_id", a.JobID),
		zap.String("worker_id", a.WorkerID),
		zap.Int("retries", a.Retries),
	)
	s.publish(ctx, events.New(events.JobUpdate, a.JobID, a.Browser, a))
	s.checkComplete(ctx, a.JobID)
}

// Complete records w's outcome for an assignment. Reports from a worker that
// no longer holds the assignment, or for assignments that were deleted or
// restarted meanwhile, are ignored and reported as false.
func (s *Scheduler) Complete(ctx context.Context, assignmentID string, w worker.Worker, outcome Outcome) (jobstore.Assignment, bool, error) {
	current, err := s.store.GetAssignment(ctx, assignmentID)
	if errors.Is(err, jobstore.ErrAssignmentNotFound) {
		s.logger.Debug("ignoring result for unknown assignment", zap.String("assignment_id", assignmentID))
		return jobstore.Assignment{}, false, nil
	}
	if err != nil {
		return jobstore.Assignment{}, false, err
	}
	if current.Status != jobstore.StatusPending || current.WorkerID != w.ID {
		s.logger.Debug("ignoring result from non-holder",
			zap.String("assignment_id", assignmentID),
			zap.String("worker_id", w.ID),
			zap.String("holder", current.WorkerID),
			zap.String("status", string(current.Status)),
		)
		return jobstore.Assignment{}, false, nil
	}

	next := current
	next.Duration = outcome.Duration
	next.TestedVersion = w.Version
	next.TestedUA = w.UserAgent
	switch {
	case outcome.Ignored:
		next.Status = jobstore.StatusIgnored
		next.Errors = nil
	case outcome.Success:
		next.Status = jobstore.StatusPassed
		next.Errors = nil
	default:
		next.Status = jobstore.StatusFailed
		next.Retries++
		next.Errors = failedAssertions(outcome.Results)
	}

	updated, err := s.store.CompareAndSwap(ctx, current, next)
	if errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrAssignmentNotFound) {
		return jobstore.Assignment{}, false, nil
	}
	if err != nil {
		return jobstore.Assignment{}, false, fmt.Errorf("record result for %s: %w", assignmentID, err)
	}

	s.metrics.Completion(string(updated.Status))
	s.logger.Info("assignment completed",
		zap.String("assignment_id", updated.ID),
		zap.String("job_id", updated.JobID),
		zap.String("worker_id", w.ID),
		zap.String("status", string(updated.Status)),
		zap.Int("retries", updated.Retries),
	)
	s.publish(ctx, events.New(events.JobUpdate, updated.JobID, updated.Browser, updated))
	s.checkComplete(ctx, updated.JobID)
	return updated, true, nil
}

func failedAssertions(results []AssertionResult) []jobstore.AssertionError {
	out := []jobstore.AssertionError{}
	for _, r := range results {
		if r.Success {
			continue
		}
		out = append(out, jobstore.AssertionError{Name: r.Name, Error: r.Error})
	}
	return out
}

// checkComplete emits job:complete once when no assignment of the job has
// work left.
func (s *Scheduler) checkComplete(ctx context.Context, jobID string) {
	assignments, err := s.store.ListAssignments(ctx, jobID)
	if err != nil {
		s.logger.Warn("completion check failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if len(assignments) == 0 {
		return
	}
	for _, a := range assignments {
		if !s.finished(a) {
			return
		}
	}

	marked, err := s.store.MarkJobComplete(ctx, jobID, s.now())
	if err != nil {
		if !errors.Is(err, jobstore.ErrJobNotFound) {
			s.logger.Warn("mark job complete failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	if !marked {
		return
	}

	job, ok, err := s.Get(ctx, jobID)
	if err != nil || !ok {
		return
	}
	s.logger.Info("job complete", zap.String("job_id", jobID))
	s.publish(ctx, events.New(events.JobComplete, jobID, "", job))
}

// offer proactively claims work for ready workers serving any of browsers
// and pushes it through the dispatcher.
func (s *Scheduler) offer(ctx context.Context, browsers []string) {
	dispatcher := s.currentDispatcher()
	if dispatcher == nil || s.workers == nil {
		return
	}
	for _, w := range s.workers.Ready(browsers) {
		if !s.workers.Reserve(ctx, w.ID) {
			continue
		}
		claim, ok, err := s.Claim(ctx, w)
		if err != nil {
			s.logger.Warn("offer claim failed", zap.String("worker_id", w.ID), zap.Error(err))
		}
		if !ok {
			s.workers.EndClaim(ctx, w.ID, true)
			continue
		}
		if err := dispatcher.Dispatch(ctx, w.ID, claim); err != nil {
			s.logger.Warn("offer dispatch failed",
				zap.String("worker_id", w.ID),
				zap.String("assignment_id", claim.AssignmentID),
				zap.Error(err),
			)
		}
		s.workers.EndClaim(ctx, w.ID, false)
	}
}

// Reoffer offers work to every ready worker. It picks up stale claims and
// retryable failures, which no create, edit or restart announces.
func (s *Scheduler) Reoffer(ctx context.Context) {
	profiles := s.browsers.List()
	ids := make([]string, 0, len(profiles))
	for _, profile := range profiles {
		ids = append(ids, profile.ID)
	}
	s.offer(ctx, ids)
}
