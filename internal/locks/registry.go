// Package locks implements the Lock Registry (C2): file-path mutual
// exclusion with timeout-based deadlock recovery. It generalizes the
// teacher's bare FileLockManager (cli/agent/workers/file_lock.go) into an
// asynchronous, event-emitting registry with a background sweeper.
package locks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nightfall-run/nightfall/internal/types"
)

var (
	// ErrNotHeld is returned by Release when path has no active lock.
	ErrNotHeld = errors.New("locks: path is not held")
	// ErrWrongOwner is returned by Release when agentID does not own the
	// lock on path.
	ErrWrongOwner = errors.New("locks: agent does not own this lock")
)

// EventKind distinguishes the three lock lifecycle events.
type EventKind string

const (
	EventAcquired EventKind = "lock_acquired"
	EventReleased EventKind = "lock_released"
	EventDeadlock EventKind = "lock_deadlock"
)

// Event is emitted on every lock state transition; the Message Hub fans
// these out as LOCK_UPDATE snapshots.
type Event struct {
	Kind     EventKind
	Path     string
	LockedBy string
}

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second
	sweepInterval  = 5 * time.Second
	deadlockAge    = 30 * time.Second
)

// Registry is the process-wide file-lock store.
type Registry struct {
	mu     sync.Mutex
	locks  map[string]*types.FileLock
	events chan Event
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Registry and starts its deadlock sweeper goroutine. Events is
// buffered; lock transitions never block on it, and once its buffer is full
// further events are dropped (with a warning when a logger is set) until a
// reader drains it. Callers must call Stop on shutdown.
func New(logger *zap.Logger) *Registry {
	r := &Registry{
		locks:  make(map[string]*types.FileLock),
		events: make(chan Event, 256),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Events returns the channel of lock lifecycle events.
func (r *Registry) Events() <-chan Event { return r.events }

// Stop terminates the deadlock sweeper.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		if r.logger != nil {
			r.logger.Warn("locks: event channel full, dropping event", zap.String("kind", string(ev.Kind)), zap.String("path", ev.Path))
		}
	}
}

// Acquire blocks until path is free or owned by agentID, or ctx is
// cancelled. It polls with exponential backoff (100ms doubling, capped at
// 2s) per the spec. A cancellation check precedes the first poll so an
// already-aborted ctx resolves immediately without holding the lock.
func (r *Registry) Acquire(ctx context.Context, path, agentID string) error {
	key := canonical(path)
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if r.tryAcquire(key, agentID) {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (r *Registry) tryAcquire(key, agentID string) bool {
	r.mu.Lock()
	existing, held := r.locks[key]
	if held && existing.LockedBy != agentID {
		r.mu.Unlock()
		return false
	}
	r.locks[key] = &types.FileLock{Path: key, LockedBy: agentID, LockedAt: time.Now()}
	r.mu.Unlock()
	r.emit(Event{Kind: EventAcquired, Path: key, LockedBy: agentID})
	return true
}

// Release frees path if agentID owns it.
func (r *Registry) Release(path, agentID string) error {
	key := canonical(path)

	r.mu.Lock()
	existing, held := r.locks[key]
	if !held {
		r.mu.Unlock()
		return ErrNotHeld
	}
	if existing.LockedBy != agentID {
		r.mu.Unlock()
		return ErrWrongOwner
	}
	delete(r.locks, key)
	r.mu.Unlock()

	r.emit(Event{Kind: EventReleased, Path: key, LockedBy: agentID})
	return nil
}

// ReleaseAll frees every lock owned by agentID, emitting one lock_released
// event per freed path. Used on agent cancellation.
func (r *Registry) ReleaseAll(agentID string) {
	r.mu.Lock()
	var freed []string
	for path, lock := range r.locks {
		if lock.LockedBy == agentID {
			freed = append(freed, path)
			delete(r.locks, path)
		}
	}
	r.mu.Unlock()

	for _, path := range freed {
		r.emit(Event{Kind: EventReleased, Path: path, LockedBy: agentID})
	}
}

// Snapshot returns a copy of every currently-held lock, newest first is not
// guaranteed; callers needing order should sort by LockedAt.
func (r *Registry) Snapshot() []types.FileLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.FileLock, 0, len(r.locks))
	for _, lock := range r.locks {
		out = append(out, *lock)
	}
	return out
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()
	r.mu.Lock()
	var broken []types.FileLock
	for path, lock := range r.locks {
		if now.Sub(lock.LockedAt) > deadlockAge {
			broken = append(broken, *lock)
			delete(r.locks, path)
		}
	}
	r.mu.Unlock()

	for _, lock := range broken {
		if r.logger != nil {
			r.logger.Warn("locks: deadlock sweeper force-released stale lock",
				zap.String("path", lock.Path), zap.String("lockedBy", lock.LockedBy),
				zap.Duration("age", now.Sub(lock.LockedAt)))
		}
		r.emit(Event{Kind: EventDeadlock, Path: lock.Path, LockedBy: lock.LockedBy})
	}
}
