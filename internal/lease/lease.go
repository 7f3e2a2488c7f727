// Package lease grants time-bounded exclusive ownership of a named resource,
// so that periodic maintenance such as the claim sweeper runs on one
// scheduler instance at a time.
package lease

import (
	"context"
	"errors"
	"strings"
	"time"
)

const DefaultTTL = 30 * time.Second

// Lease is a held grant. Token increases with every acquisition of the same
// resource and fences stale holders.
type Lease struct {
	Token     uint64
	ExpiresAt time.Time
}

type Manager interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, resource, owner string, token uint64) error
}

type request struct {
	resource string
	owner    string
	ttl      time.Duration
}

func normalize(resource, owner string, ttl time.Duration) (request, error) {
	req := request{
		resource: strings.TrimSpace(resource),
		owner:    strings.TrimSpace(owner),
		ttl:      ttl,
	}
	if req.resource == "" {
		return request{}, errors.New("lease resource is required")
	}
	if req.owner == "" {
		return request{}, errors.New("lease owner is required")
	}
	if req.ttl <= 0 {
		req.ttl = DefaultTTL
	}
	return req, nil
}

// Guard keeps one owner's lease on a resource alive across calls to Hold.
// It is not safe for concurrent use.
type Guard struct {
	manager  Manager
	resource string
	owner    string
	ttl      time.Duration
	current  Lease
	held     bool
}

func NewGuard(manager Manager, resource, owner string, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		manager:  manager,
		resource: resource,
		owner:    owner,
		ttl:      ttl,
	}
}

// Hold renews the lease when held and tries to acquire it otherwise. It
// reports whether the caller owns the resource afterwards.
func (g *Guard) Hold(ctx context.Context) (bool, error) {
	if g.held {
		renewed, ok, err := g.manager.Renew(ctx, g.resource, g.owner, g.current.Token, g.ttl)
		if err != nil {
			return false, err
		}
		if ok {
			g.current = renewed
			return true, nil
		}
		g.held = false
	}

	acquired, ok, err := g.manager.Acquire(ctx, g.resource, g.owner, g.ttl)
	if err != nil {
		return false, err
	}
	g.held = ok
	if ok {
		g.current = acquired
	}
	return ok, nil
}

func (g *Guard) Release(ctx context.Context) error {
	if !g.held {
		return nil
	}
	g.held = false
	return g.manager.Release(ctx, g.resource, g.owner, g.current.Token)
}
