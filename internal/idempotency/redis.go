package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "testswarm:idempotency"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, scope, key string) (Response, bool, error) {
	id, err := compoundKey(scope, key)
	if err != nil {
		return Response{}, false, err
	}
	raw, err := s.client.Get(ctx, s.prefix+":response:"+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("idempotency get: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode idempotent response: %w", err)
	}
	return resp, true, nil
}

func (s *RedisStore) Claim(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
	id, err := compoundKey(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = requireOwner(owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	claimed, err := s.client.SetNX(ctx, s.prefix+":lock:"+id, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim: %w", err)
	}
	return claimed, nil
}

func (s *RedisStore) Save(ctx context.Context, scope, key string, resp Response, ttl time.Duration) error {
	id, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+":response:"+id, raw, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key, owner string) error {
	id, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = requireOwner(owner); err != nil {
		return err
	}
	err = unlockScript.Run(ctx, s.client, []string{s.prefix + ":lock:" + id}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
