package lease

import (
	"context"
	"testing"
	"time"
)

func TestMemoryManagerExclusiveUntilRelease(t *testing.T) {
	t.Parallel()

	manager := NewMemoryManager()
	ctx := context.Background()

	first, ok, err := manager.Acquire(ctx, "scheduler:sweep", "instance-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := manager.Acquire(ctx, "scheduler:sweep", "instance-b", time.Minute); ok {
		t.Fatalf("expected second owner to be refused")
	}
	if err := manager.Release(ctx, "scheduler:sweep", "instance-a", first.Token); err != nil {
		t.Fatalf("release: %v", err)
	}

	second, ok, err := manager.Acquire(ctx, "scheduler:sweep", "instance-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release, ok=%v err=%v", ok, err)
	}
	if second.Token <= first.Token {
		t.Fatalf("expected increasing token, got %d after %d", second.Token, first.Token)
	}
}

func TestMemoryManagerExpiryAndStaleRenew(t *testing.T) {
	t.Parallel()

	manager := NewMemoryManager()
	now := time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }
	ctx := context.Background()

	held, ok, err := manager.Acquire(ctx, "scheduler:sweep", "instance-a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	now = now.Add(11 * time.Second)
	if _, ok, _ := manager.Acquire(ctx, "scheduler:sweep", "instance-b", 10*time.Second); !ok {
		t.Fatalf("expected expired lease to be reacquired")
	}
	if _, ok, _ := manager.Renew(ctx, "scheduler:sweep", "instance-a", held.Token, 10*time.Second); ok {
		t.Fatalf("expected stale holder renew to fail")
	}
}

func TestMemoryManagerValidatesInput(t *testing.T) {
	t.Parallel()

	manager := NewMemoryManager()
	if _, _, err := manager.Acquire(context.Background(), " ", "owner", time.Second); err == nil {
		t.Fatalf("expected missing resource error")
	}
	if _, _, err := manager.Acquire(context.Background(), "r", "", time.Second); err == nil {
		t.Fatalf("expected missing owner error")
	}
}

func TestGuardRenewsAndReacquires(t *testing.T) {
	t.Parallel()

	manager := NewMemoryManager()
	now := time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }
	ctx := context.Background()

	leader := NewGuard(manager, "scheduler:sweep", "instance-a", 10*time.Second)
	follower := NewGuard(manager, "scheduler:sweep", "instance-b", 10*time.Second)

	if ok, err := leader.Hold(ctx); err != nil || !ok {
		t.Fatalf("leader hold: ok=%v err=%v", ok, err)
	}
	now = now.Add(8 * time.Second)
	if ok, _ := leader.Hold(ctx); !ok {
		t.Fatalf("expected leader renew")
	}
	now = now.Add(8 * time.Second)
	if ok, _ := follower.Hold(ctx); ok {
		t.Fatalf("expected renewed lease to block follower")
	}

	if err := leader.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := follower.Hold(ctx); !ok {
		t.Fatalf("expected follower to take over after release")
	}
}
