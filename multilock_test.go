package upmutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestLockMultipleSingleHolder exercises the len==1 fast path.
func TestLockMultipleSingleHolder(t *testing.T) {
	m := New()
	l := DeferLocker(m)
	LockMultiple(l)
	assert.True(t, l.Held())
	l.Unlock()
}

func TestLockMultiplePanicsOnEmpty(t *testing.T) {
	assert.Panics(t, func() { LockMultiple() })
}

// TestLockMultipleTwoObjects reproduces the access pattern of
// original_source/main.cpp's Assignment::A::average: one side locks object
// A exclusively and object B via upgrade mode (so it can later demote B's
// hold back to shared without releasing it to a third party in between);
// the other side locks both objects exclusively, in the opposite order.
// Two goroutines doing this concurrently and repeatedly, for a bounded
// window, must never deadlock and must both make progress.
func TestLockMultipleTwoObjects(t *testing.T) {
	a := New()
	b := New()
	until := time.Now().Add(150 * time.Millisecond)

	var countAverage, countSwap int
	var wg sync.WaitGroup

	wg.Go(func() {
		for time.Now().Before(until) {
			lockA := DeferLocker(a)
			lockB := DeferULocker(b)
			LockMultiple(lockA, lockB)
			shareB := lockB.IntoShared()
			lockA.Unlock()
			shareB.Unlock()
			countAverage++
		}
	})
	wg.Go(func() {
		for time.Now().Before(until) {
			lockB := DeferLocker(b)
			lockA := DeferLocker(a)
			LockMultiple(lockB, lockA)
			lockB.Unlock()
			lockA.Unlock()
			countSwap++
		}
	})

	wg.Wait()
	assert.Greater(t, countAverage, 0)
	assert.Greater(t, countSwap, 0)
	assert.Equal(t, state(0), a.state)
	assert.Equal(t, state(0), b.state)
}

// TestLockMultipleManyGoroutines stresses LockMultiple's backoff-and-retry
// path with more contenders than objects, which forces repeated
// try-and-unwind cycles.
func TestLockMultipleManyGoroutines(t *testing.T) {
	mutexes := make([]*Mutex, 4)
	for i := range mutexes {
		mutexes[i] = New()
	}

	until := time.Now().Add(100 * time.Millisecond)
	counts := make([]int, 6)
	var wg sync.WaitGroup
	for g := 0; g < len(counts); g++ {
		wg.Go(func() {
			for time.Now().Before(until) {
				holders := make([]tryLockUnlocker, len(mutexes))
				lockers := make([]*Locker, len(mutexes))
				for i, mu := range mutexes {
					lockers[i] = DeferLocker(mu)
					holders[i] = lockers[i]
				}
				LockMultiple(holders...)
				for _, l := range lockers {
					l.Unlock()
				}
				counts[g]++
			}
		})
	}
	wg.Wait()

	for i, c := range counts {
		assert.Greater(t, c, 0, "goroutine %d made no progress", i)
	}
	for _, mu := range mutexes {
		assert.Equal(t, state(0), mu.state)
	}
}
