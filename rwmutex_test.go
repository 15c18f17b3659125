package quarry_test

import (
	"context"
	"testing"
	"time"

	"github.com/quarrydb/quarry"
	"golang.org/x/sync/errgroup"
)

func TestRWMutex_TryLock(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryLock()
		if g0 == nil {
			t.Fatal("expected lock")
		}
		if g1 := mu.TryLock(); g1 != nil {
			t.Fatal("expected lock failure")
		}
		g0.Unlock()
	})

	t.Run("Relock", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryLock()
		if g0 == nil {
			t.Fatal("expected lock")
		}
		g0.Unlock()

		g1 := mu.TryLock()
		if g1 == nil {
			t.Fatal("expected lock after unlock")
		}
		g1.Unlock()
	})

	t.Run("BlockedBySharedLock", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryRLock()
		if g0 == nil {
			t.Fatal("expected shared lock")
		}
		if g1 := mu.TryLock(); g1 != nil {
			t.Fatal("expected lock failure")
		}
		g0.Unlock()

		g1 := mu.TryLock()
		if g1 == nil {
			t.Fatal("expected lock after shared unlock")
		}
		g1.Unlock()
	})
}

func TestRWMutex_TryRLock(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryRLock()
		if g0 == nil {
			t.Fatal("expected lock")
		}
		g1 := mu.TryRLock()
		if g1 == nil {
			t.Fatal("expected another shared lock")
		}
		if g := mu.TryLock(); g != nil {
			t.Fatal("expected exclusive lock failure")
		}
		g0.Unlock()
		g1.Unlock()

		g2 := mu.TryLock()
		if g2 == nil {
			t.Fatal("expected lock after unlock")
		}
		g2.Unlock()
	})

	t.Run("BlockedByExclusiveLock", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryLock()
		if g0 == nil {
			t.Fatal("expected lock")
		}
		if g := mu.TryRLock(); g != nil {
			t.Fatal("expected shared lock failure")
		}
		g0.Unlock()
	})
}

func TestRWMutex_Lock(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		var mu quarry.RWMutex
		g0, err := mu.Lock(context.Background())
		if err != nil {
			t.Fatal(err)
		}

		ch := make(chan int)
		var g errgroup.Group
		g.Go(func() error {
			g1, err := mu.Lock(context.Background())
			if err != nil {
				return err
			}
			close(ch)
			g1.Unlock()
			return nil
		})

		select {
		case <-ch:
			t.Fatal("lock obtained too soon")
		case <-time.After(100 * time.Millisecond):
		}

		g0.Unlock()

		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for lock")
		}

		if err := g.Wait(); err != nil {
			t.Fatalf("goroutine failed: %s", err)
		}
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		var mu quarry.RWMutex
		g0, err := mu.Lock(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		defer g0.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		var g errgroup.Group
		g.Go(func() error {
			if _, err := mu.Lock(ctx); err != context.Canceled {
				return err
			}
			return nil
		})

		time.Sleep(100 * time.Millisecond)
		cancel()

		if err := g.Wait(); err != nil {
			t.Fatalf("goroutine failed: %s", err)
		}
	})
}

func TestRWMutex_RLock(t *testing.T) {
	t.Run("MultipleSharedLocks", func(t *testing.T) {
		var mu quarry.RWMutex
		g0, err := mu.RLock(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		g1, err := mu.RLock(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		g0.Unlock()
		g1.Unlock()
	})

	t.Run("Blocked", func(t *testing.T) {
		var mu quarry.RWMutex
		g0, err := mu.Lock(context.Background())
		if err != nil {
			t.Fatal(err)
		}

		var g errgroup.Group
		g.Go(func() error {
			g1, err := mu.RLock(context.Background())
			if err != nil {
				return err
			}
			g1.Unlock()
			return nil
		})

		time.Sleep(100 * time.Millisecond)
		g0.Unlock()

		if err := g.Wait(); err != nil {
			t.Fatalf("goroutine failed: %s", err)
		}
	})
}

func TestRWMutex_BusyLock(t *testing.T) {
	t.Run("NilCallbackIsTryLock", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryRLock()
		if g := mu.BusyLock(nil); g != nil {
			t.Fatal("expected lock failure")
		}
		g0.Unlock()

		g1 := mu.BusyLock(nil)
		if g1 == nil {
			t.Fatal("expected lock")
		}
		g1.Unlock()
	})

	t.Run("CallbackPolledUntilFree", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryLock()

		n := 0
		busy := func() bool {
			n++
			if n == 3 {
				g0.Unlock()
			}
			return true
		}

		g1 := mu.BusyLock(busy)
		if g1 == nil {
			t.Fatal("expected lock after callback released it")
		}
		if n != 3 {
			t.Fatalf("busy invoked %d times, want 3", n)
		}
		g1.Unlock()
	})

	t.Run("CallbackGivesUp", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryLock()
		defer g0.Unlock()

		n := 0
		busy := func() bool {
			n++
			return n < 5
		}
		if g := mu.BusyLock(busy); g != nil {
			t.Fatal("expected lock failure")
		}
		if n != 5 {
			t.Fatalf("busy invoked %d times, want 5", n)
		}
	})
}

func TestRWMutexGuard_Unlock(t *testing.T) {
	t.Run("DoubleUnlock", func(t *testing.T) {
		var mu quarry.RWMutex
		g0 := mu.TryLock()
		g0.Unlock()
		g0.Unlock() // no-op

		if got, want := mu.State(), quarry.RWMutexStateUnlocked; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}
	})

	t.Run("State", func(t *testing.T) {
		var mu quarry.RWMutex
		if got, want := mu.State(), quarry.RWMutexStateUnlocked; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}

		g0 := mu.TryRLock()
		if got, want := mu.State(), quarry.RWMutexStateShared; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}
		g0.Unlock()

		g1 := mu.TryLock()
		if got, want := mu.State(), quarry.RWMutexStateExclusive; got != want {
			t.Fatalf("state=%s, want %s", got, want)
		}
		g1.Unlock()
	})
}
