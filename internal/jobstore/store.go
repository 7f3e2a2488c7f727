// Package jobstore persists jobs, their test entries and assignments. Every
// assignment state change goes through CompareAndSwap so concurrent
// claimants can never both win.
package jobstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound        = errors.New("There's no such job.")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrConflict           = errors.New("record was modified concurrently")
)

type Store interface {
	CreateJob(ctx context.Context, job Job, tests []TestEntry, assignments []Assignment) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	EditJob(ctx context.Context, input EditInput) error
	DeleteJob(ctx context.Context, id string) error
	MarkJobComplete(ctx context.Context, id string, at time.Time) (bool, error)

	ListTests(ctx context.Context, jobID string) ([]TestEntry, error)
	ListAssignments(ctx context.Context, jobID string) ([]Assignment, error)
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	ResetAssignments(ctx context.Context, jobID string) (int, error)

	Candidates(ctx context.Context, query CandidateQuery) ([]Assignment, error)
	ExpiredClaims(ctx context.Context, startedBefore time.Time, minRetries, limit int) ([]Assignment, error)
	CompareAndSwap(ctx context.Context, prev, next Assignment) (Assignment, error)

	Close() error
}

const defaultCandidateLimit = 32
