package locks

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nightfall-run/nightfall/internal/types"
)

func TestRegistry_BasicAcquireRelease(t *testing.T) {
	r := New(nil)
	defer r.Stop()

	ctx := context.Background()
	if err := r.Acquire(ctx, "a.go", "agent-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := r.Release("a.go", "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRegistry_ReleaseWrongOwner(t *testing.T) {
	r := New(nil)
	defer r.Stop()

	ctx := context.Background()
	if err := r.Acquire(ctx, "a.go", "agent-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := r.Release("a.go", "agent-2"); err != ErrWrongOwner {
		t.Fatalf("expected ErrWrongOwner, got %v", err)
	}
}

func TestRegistry_ReleaseNotHeld(t *testing.T) {
	r := New(nil)
	defer r.Stop()

	if err := r.Release("never-locked.go", "agent-1"); err != ErrNotHeld {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestRegistry_SameAgentReacquireIsIdempotent(t *testing.T) {
	r := New(nil)
	defer r.Stop()

	ctx := context.Background()
	if err := r.Acquire(ctx, "a.go", "agent-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := r.Acquire(ctx, "a.go", "agent-1"); err != nil {
		t.Fatalf("re-acquire by same agent should succeed: %v", err)
	}
}

func TestRegistry_NormalizesPath(t *testing.T) {
	r := New(nil)
	defer r.Stop()

	if err := r.Acquire(context.Background(), "./a.go", "agent-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := r.Acquire(ctx, "a.go", "agent-2"); err == nil {
		t.Fatalf("expected second agent to block on the equivalent canonical path")
	}
}

func TestRegistry_ConcurrentSameFile(t *testing.T) {
	r := New(nil)
	defer r.Stop()

	var inCritical int32
	var maxObserved int32
	const agents = 20

	done := make(chan struct{}, agents)
	for i := 0; i < agents; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			id := fmt.Sprintf("agent-%d", n)
			if err := r.Acquire(ctx, "shared.go", id); err != nil {
				return
			}
			cur := atomic.AddInt32(&inCritical, 1)
			for {
				observed := atomic.LoadInt32(&maxObserved)
				if cur <= observed || atomic.CompareAndSwapInt32(&maxObserved, observed, cur) {
					break
				}
			}
			atomic.AddInt32(&inCritical, -1)
			_ = r.Release("shared.go", id)
		}(i)
	}
	for i := 0; i < agents; i++ {
		<-done
	}

	if atomic.LoadInt32(&maxObserved) > 1 {
		t.Fatalf("expected at most 1 concurrent holder, observed %d", maxObserved)
	}
}

func TestRegistry_AlreadyCancelledContextResolvesImmediately(t *testing.T) {
	r := New(nil)
	defer r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Acquire(ctx, "a.go", "agent-1"); err == nil {
		t.Fatalf("expected cancellation error")
	}
	locks := r.Snapshot()
	if len(locks) != 0 {
		t.Fatalf("expected no lock held after cancelled acquire, got %d", len(locks))
	}
}

func TestRegistry_DeadlockSweeperForceReleases(t *testing.T) {
	r := New(nil)
	defer r.Stop()
	r.mu.Lock()
	r.locks["stale.go"] = &types.FileLock{
		Path:     "stale.go",
		LockedBy: "agent-1",
		LockedAt: time.Now().Add(-40 * time.Second),
	}
	r.mu.Unlock()

	r.sweepOnce()

	r.mu.Lock()
	_, held := r.locks["stale.go"]
	r.mu.Unlock()
	if held {
		t.Fatalf("expected stale lock to be force-released")
	}
}
