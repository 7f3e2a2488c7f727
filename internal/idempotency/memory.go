package idempotency

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type record struct {
	response   *Response
	responseAt time.Time
	owner      string
	lockedTill time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, scope, key string) (Response, bool, error) {
	id, err := compoundKey(scope, key)
	if err != nil {
		return Response{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.response == nil {
		return Response{}, false, nil
	}
	if s.now().After(rec.responseAt) {
		rec.response = nil
		s.records[id] = rec
		return Response{}, false, nil
	}
	out := *rec.response
	out.Body = bytes.Clone(out.Body)
	return out, true, nil
}

func (s *MemoryStore) Claim(_ context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec := s.records[id]
	if rec.owner != "" && now.Before(rec.lockedTill) {
		return false, nil
	}
	rec.owner = owner
	rec.lockedTill = now.Add(ttl)
	s.records[id] = rec
	return true, nil
}

func (s *MemoryStore) Save(_ context.Context, scope, key string, resp Response, ttl time.Duration) error {
	id, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	stored := resp
	stored.Body = bytes.Clone(resp.Body)
	rec.response = &stored
	rec.responseAt = s.now().Add(ttl)
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, scope, key, owner string) error {
	id, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = requireOwner(owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.owner != owner {
		return nil
	}
	rec.owner = ""
	rec.lockedTill = time.Time{}
	if rec.response == nil {
		delete(s.records, id)
		return nil
	}
	s.records[id] = rec
	return nil
}
