// Package idempotency remembers responses to requests that carried an
// Idempotency-Key so that a retried job submission does not create a second
// job.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	DefaultResponseTTL = 24 * time.Hour
	DefaultLockTTL     = 30 * time.Second
)

// Response is a recorded HTTP reply.
type Response struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store records responses per (scope, key). Claim takes a short lock so that
// concurrent duplicates wait for the first request instead of racing it.
type Store interface {
	Get(ctx context.Context, scope, key string) (Response, bool, error)
	Claim(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error)
	Save(ctx context.Context, scope, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, scope, key, owner string) error
}

func compoundKey(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" {
		return "", errors.New("idempotency scope is required")
	}
	if key == "" {
		return "", errors.New("idempotency key is required")
	}
	sum := sha256.Sum256([]byte(key))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

func requireOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("idempotency owner is required")
	}
	return owner, nil
}
