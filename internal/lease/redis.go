package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager shares leases between scheduler instances through Redis.
type RedisManager struct {
	client redis.Cmdable
	prefix string
}

func NewRedisManager(client redis.Cmdable, prefix string) *RedisManager {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "testswarm:lease"
	}
	return &RedisManager{client: client, prefix: prefix}
}

func (m *RedisManager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	req, err := normalize(resource, owner, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	token, err := acquireScript.Run(ctx, m.client,
		[]string{m.holdKey(req.resource), m.tokenKey(req.resource)},
		req.owner, req.ttl.Milliseconds(),
	).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("lease acquire %s: %w", req.resource, err)
	}
	if token <= 0 {
		return Lease{}, false, nil
	}
	return Lease{Token: uint64(token), ExpiresAt: time.Now().UTC().Add(req.ttl)}, true, nil
}

func (m *RedisManager) Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	req, err := normalize(resource, owner, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	renewed, err := renewScript.Run(ctx, m.client,
		[]string{m.holdKey(req.resource)},
		holderValue(req.owner, token), req.ttl.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("lease renew %s: %w", req.resource, err)
	}
	if renewed == 0 {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().UTC().Add(req.ttl)}, true, nil
}

func (m *RedisManager) Release(ctx context.Context, resource, owner string, token uint64) error {
	req, err := normalize(resource, owner, 0)
	if err != nil {
		return err
	}
	_, err = releaseScript.Run(ctx, m.client, []string{m.holdKey(req.resource)}, holderValue(req.owner, token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release %s: %w", req.resource, err)
	}
	return nil
}

func (m *RedisManager) holdKey(resource string) string {
	return m.prefix + ":hold:" + resource
}

func (m *RedisManager) tokenKey(resource string) string {
	return m.prefix + ":token:" + resource
}

func holderValue(owner string, token uint64) string {
	return owner + "|" + strconv.FormatUint(token, 10)
}

// The token only advances when the lease is actually granted.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local token = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[1], ARGV[1] .. "|" .. token, "PX", ARGV[2])
return token
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
