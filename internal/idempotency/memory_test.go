package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreClaimSaveReplay(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "jobs:create", "retry-1", "req-a", time.Second)
	if err != nil || !claimed {
		t.Fatalf("expected first claim, claimed=%v err=%v", claimed, err)
	}
	if claimed, _ := store.Claim(ctx, "jobs:create", "retry-1", "req-b", time.Second); claimed {
		t.Fatalf("expected concurrent duplicate to be refused")
	}

	resp := Response{StatusCode: 201, ContentType: "application/json", Body: []byte(`{"id":"job_1"}`)}
	if err := store.Save(ctx, "jobs:create", "retry-1", resp, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Release(ctx, "jobs:create", "retry-1", "req-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, ok, err := store.Get(ctx, "jobs:create", "retry-1")
	if err != nil || !ok {
		t.Fatalf("expected saved response, ok=%v err=%v", ok, err)
	}
	if got.StatusCode != 201 || string(got.Body) != `{"id":"job_1"}` {
		t.Fatalf("unexpected response %+v", got)
	}

	if _, ok, _ := store.Get(ctx, "other:scope", "retry-1"); ok {
		t.Fatalf("expected scopes to be isolated")
	}
}

func TestMemoryStoreResponseExpires(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Date(2026, time.July, 4, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, "jobs:create", "k", Response{StatusCode: 201}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "jobs:create", "k"); ok {
		t.Fatalf("expected response to expire")
	}
}

func TestMemoryStoreReleaseIgnoresForeignOwner(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "jobs:create", "k", "req-a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Release(ctx, "jobs:create", "k", "req-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if claimed, _ := store.Claim(ctx, "jobs:create", "k", "req-c", time.Minute); claimed {
		t.Fatalf("expected lock to survive foreign release")
	}
}
