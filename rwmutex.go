package quarry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RWMutexInterval is the time between reattempting lock acquisition.
const RWMutexInterval = 10 * time.Microsecond

// RWMutex is a reader/writer mutual exclusion lock for one slot of the
// WAL lock table. It wraps the sync package to provide try-lock
// acquisition and busy-callback polling, which is how all WAL locking is
// expressed: an acquisition either succeeds immediately or the caller
// backs off and retries.
type RWMutex struct {
	mu      sync.Mutex
	sharedN int           // number of readers
	excl    *RWMutexGuard // exclusive lock holder
}

// State returns whether the mutex has an exclusive lock, one or more
// shared locks, or is unlocked.
func (rw *RWMutex) State() RWMutexState {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.excl != nil {
		return RWMutexStateExclusive
	} else if rw.sharedN > 0 {
		return RWMutexStateShared
	}
	return RWMutexStateUnlocked
}

// TryLock tries to lock the mutex exclusively and returns a guard if it
// succeeds.
func (rw *RWMutex) TryLock() *RWMutexGuard {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.sharedN != 0 || rw.excl != nil {
		return nil
	}
	guard := &RWMutexGuard{rw: rw, state: RWMutexStateExclusive}
	rw.excl = guard
	return guard
}

// TryRLock tries to lock the mutex for reading and returns a guard if it
// succeeds.
func (rw *RWMutex) TryRLock() *RWMutexGuard {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.excl != nil {
		return nil
	}
	rw.sharedN++
	return &RWMutexGuard{rw: rw, state: RWMutexStateShared}
}

// Lock attempts to obtain an exclusive lock on rw. Returns an error if
// ctx is done.
func (rw *RWMutex) Lock(ctx context.Context) (*RWMutexGuard, error) {
	if guard := rw.TryLock(); guard != nil {
		return guard, nil
	}

	ticker := time.NewTicker(RWMutexInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if guard := rw.TryLock(); guard != nil {
				return guard, nil
			}
		}
	}
}

// RLock attempts to obtain a shared lock on rw. Returns an error if ctx
// is done.
func (rw *RWMutex) RLock(ctx context.Context) (*RWMutexGuard, error) {
	if guard := rw.TryRLock(); guard != nil {
		return guard, nil
	}

	ticker := time.NewTicker(RWMutexInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if guard := rw.TryRLock(); guard != nil {
				return guard, nil
			}
		}
	}
}

// BusyLock attempts to obtain an exclusive lock, invoking busy between
// attempts while it returns true. With a nil callback it is equivalent to
// a single TryLock. Returns nil if the lock could not be obtained.
func (rw *RWMutex) BusyLock(busy func() bool) *RWMutexGuard {
	for {
		if guard := rw.TryLock(); guard != nil {
			return guard
		}
		if busy == nil || !busy() {
			return nil
		}
	}
}

// RWMutexGuard is a reference to a held lock. A guard must be discarded
// after Unlock().
type RWMutexGuard struct {
	rw    *RWMutex
	state RWMutexState
}

// Unlock releases the underlying mutex. Double unlocks are a no-op.
func (g *RWMutexGuard) Unlock() {
	g.rw.mu.Lock()
	defer g.rw.mu.Unlock()

	switch g.state {
	case RWMutexStateUnlocked:
		return
	case RWMutexStateShared:
		assert(g.rw.sharedN > 0, "invalid shared lock state on unlock")
		g.rw.sharedN--
		g.state = RWMutexStateUnlocked
	case RWMutexStateExclusive:
		assert(g.rw.excl == g, "attempted unlock of non-exclusive guard")
		g.rw.excl = nil
		g.state = RWMutexStateUnlocked
	default:
		panic(fmt.Sprintf("invalid guard state: %d", g.state))
	}
}

// RWMutexState represents the lock state of an RWMutex.
type RWMutexState int

const (
	RWMutexStateUnlocked = RWMutexState(iota)
	RWMutexStateShared
	RWMutexStateExclusive
)

// String returns the string representation of the state.
func (s RWMutexState) String() string {
	switch s {
	case RWMutexStateUnlocked:
		return "unlocked"
	case RWMutexStateShared:
		return "shared"
	case RWMutexStateExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("<unknown(%d)>", s)
	}
}
