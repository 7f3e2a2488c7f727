package jobstore

import (
	"time"
)

type Status string

const (
	StatusWaiting Status = "WAITING"
	StatusPending Status = "PENDING"
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusIgnored Status = "IGNORED"
)

type AssertionError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type Job struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Browsers    []string          `json:"browsers"`
	Filter      string            `json:"filter,omitempty"`
	Snapshot    bool              `json:"snapshot"`
	Created     time.Time         `json:"created"`
	Completed   *time.Time        `json:"completed,omitempty"`
	Tests       []TestEntry       `json:"tests,omitempty"`
	Results     map[string]Status `json:"results,omitempty"`
}

// TestEntry binds one catalog test into a job. ID is the test id.
type TestEntry struct {
	ID          string       `json:"id"`
	JobID       string       `json:"job_id"`
	Name        string       `json:"name"`
	File        string       `json:"file,omitempty"`
	Manual      bool         `json:"manual"`
	Position    int          `json:"position"`
	Assignments []Assignment `json:"assignments,omitempty"`
}

// Assignment is one (test, browser profile) pair and the unit of dispatch.
// Revision increases on every write and guards conditional updates.
type Assignment struct {
	ID            string           `json:"id"`
	JobID         string           `json:"job_id"`
	TestID        string           `json:"test_id"`
	Browser       string           `json:"browser"`
	Family        string           `json:"family"`
	Version       int              `json:"version"`
	Manual        bool             `json:"manual"`
	Status        Status           `json:"status"`
	Retries       int              `json:"retries"`
	WorkerID      string           `json:"worker_id,omitempty"`
	Created       time.Time        `json:"created"`
	Started       time.Time        `json:"started"`
	Duration      int64            `json:"duration"`
	TestedVersion int              `json:"tested_version"`
	TestedUA      string           `json:"tested_ua,omitempty"`
	Errors        []AssertionError `json:"errors"`
	Position      int              `json:"position"`
	Revision      int64            `json:"revision"`
}

// Reset returns the assignment in its never-run state.
func (a Assignment) Reset() Assignment {
	a.Status = StatusWaiting
	a.Retries = 0
	a.Errors = nil
	a.Started = time.Time{}
	a.Duration = 0
	a.TestedVersion = 0
	a.TestedUA = ""
	a.WorkerID = ""
	return a
}

// CandidateQuery selects assignments a worker may claim.
type CandidateQuery struct {
	Family      string
	Version     int
	Manual      bool
	StaleBefore time.Time
	MaxRetries  int
	Limit       int
}

// Eligible reports whether a matches the query's worker and eligibility rules.
func (q CandidateQuery) Eligible(a Assignment) bool {
	if a.Family != q.Family || a.Manual != q.Manual {
		return false
	}
	if a.Version != 0 && a.Version != q.Version {
		return false
	}
	return candidateRank(a, q) >= 0
}

func candidateRank(a Assignment, q CandidateQuery) int {
	switch a.Status {
	case StatusWaiting:
		return 0
	case StatusPending:
		if !a.Started.IsZero() && a.Started.Before(q.StaleBefore) {
			return 1
		}
	case StatusFailed:
		if a.Retries <= q.MaxRetries {
			return 2
		}
	}
	return -1
}

// EditInput replaces a job's description and, when Browsers is set, its
// browser list. A browser change applies only while the stored list still
// equals ExpectBrowsers; otherwise EditJob returns ErrConflict and writes
// nothing.
type EditInput struct {
	JobID           string
	Description     string
	Browsers        []string
	ExpectBrowsers  []string
	Added           []Assignment
	RemovedBrowsers []string
}
