// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package upmutex implements an upgrade mutex: a reader/writer lock with a
// third access mode, "upgrade", sandwiched between the two.
//
// ## Overview
//
// A plain reader/writer lock has two states: S (shared, many concurrent
// holders) and X (exclusive, one holder). This package adds U (upgrade): at
// most one holder, compatible with any number of concurrent S holders, and
// read-only until the upgrade holder decides to become the X holder, which
// it may do without ever releasing the lock to a third party in between.
//
// The motivating use case is the classic "read, maybe write" access
// pattern: a thread wants to inspect shared state and, depending on what it
// finds, sometimes needs to mutate it. Taking X up front serializes every
// reader behind every writer. Taking S and then trying to promote to X
// deadlocks as soon as two readers both try it, since neither will release
// its S hold to let the other succeed. U solves this: it is unique the way
// X is, but it coexists with S the way S coexists with S, so at most one
// thread is ever in line to become the writer, and that thread already knows
// no other thread can beat it there.
//
// The transition matrix for all three states is:
//
//     +---------------+----------+-----------+-----------+------------+
//     |Request/Holding| Unlocked | Holding X | Holding S | Holding U  |
//     +---------------+----------+-----------+-----------+------------+
//     |Request X      |   Yes    |    No     |    No*    |     No*    |
//     |Request S      |   Yes    |    No     |    Yes    |     Yes    |
//     |Request U      |   Yes    |    No     |    Yes**  |     No     |
//     +---------------+----------+-----------+-----------+------------+
//
// (*) From S, X can be acquired in place only without blocking (or with a
// deadline) — see TryUnlockSharedAndLock; from U, UnlockUpgradeAndLock
// acquires X in place, blocking until the other readers drain. (**) at most
// one U holder system-wide, regardless of how many S holders exist.
package upmutex

import (
	"sync"
	"time"
)

// state is a packed uint32: the high bit is write-entered, the next bit is
// upgrade-entered, and the remaining 30 bits are the reader count.
//
//	|31 |30 |29                          0|
//	 \W/ \U/ \            R              /
type state = uint32

const (
	writeEntered state = 1 << 31
	upgradeEntered state = 1 << 30
	readerMask state = upgradeEntered - 1

	// Rmax is the largest number of simultaneous shared/upgrade holders
	// this Mutex can track.
	Rmax = readerMask
)

func readers(s state) state { return s & readerMask }

const (
	startingBackoff = 50 * time.Microsecond
	maxBackoff      = 500 * time.Millisecond
	backoffFactor   = 2
)

// Mutex is an upgrade mutex: an ordinary sync.Mutex and two condition
// variables guard a single packed state word. gate1 is where every
// acquirer-in-waiting and every mode-demotion broadcast happens; gate2 is
// where a writer that has already claimed writeEntered waits for readers to
// drain. The split exists so that the last reader releasing a draining
// writer (gate2, a signal, since exactly one writer can be waiting there)
// never wakes the
// much larger and noisier population of gate1 waiters, and vice versa.
//
// The zero value is not ready to use; call New.
type Mutex struct {
	mu    sync.Mutex
	gate1 *sync.Cond
	gate2 *sync.Cond
	state state
}

// New returns a ready-to-use Mutex in the unlocked state.
func New() *Mutex {
	m := &Mutex{}
	m.gate1 = sync.NewCond(&m.mu)
	m.gate2 = sync.NewCond(&m.mu)
	return m
}

// deadlineWait blocks on c until either it is woken (by Signal, Broadcast,
// or the deadline timer below) or the deadline passes. It does not itself
// determine whether the wake was genuine or a timeout; callers re-check
// their predicate and the wall clock in a loop, which is what makes this
// safe in the presence of spurious and racing wakeups.
//
// sync.Cond has no timed Wait, so a timer is used to force a Broadcast once
// the deadline arrives; every other waiter on c observes the same
// broadcast and simply loops back around its own predicate check, exactly
// as it would for any other Broadcast.
func deadlineWait(c *sync.Cond, deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	defer timer.Stop()
	c.Wait()
}

// ---------------------------------------------------------------------
// Exclusive ownership
// ---------------------------------------------------------------------

// Lock acquires the Mutex for exclusive access, blocking until no writer or
// upgrader is present and then until all current readers have drained.
func (m *Mutex) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state&(writeEntered|upgradeEntered) != 0 {
		m.gate1.Wait()
	}
	m.state |= writeEntered
	for readers(m.state) != 0 {
		m.gate2.Wait()
	}
}

// TryLock acquires the Mutex for exclusive access without blocking. It
// succeeds only if the Mutex is completely idle.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == 0 {
		m.state = writeEntered
		return true
	}
	return false
}

// TryLockFor behaves as Lock but gives up after d if exclusive access
// cannot be attained in time. If the deadline expires while waiting for
// readers to drain, it reverts writeEntered and wakes gate1 so that other
// waiters blocked by the now-withdrawn write intent can proceed.
func (m *Mutex) TryLockFor(d time.Duration) bool {
	return m.TryLockUntil(time.Now().Add(d))
}

// TryLockUntil is the deadline form of TryLockFor.
func (m *Mutex) TryLockUntil(deadline time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state&(writeEntered|upgradeEntered) != 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		deadlineWait(m.gate1, deadline)
	}
	m.state |= writeEntered
	for readers(m.state) != 0 {
		if !time.Now().Before(deadline) {
			m.state &^= writeEntered
			m.gate1.Broadcast()
			return false
		}
		deadlineWait(m.gate2, deadline)
	}
	return true
}

// Unlock releases an exclusively-held Mutex.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = 0
	m.gate1.Broadcast()
}

// ---------------------------------------------------------------------
// Shared ownership
// ---------------------------------------------------------------------

// LockShared acquires the Mutex for shared access, blocking while a writer
// holds or is waiting for the Mutex, or while the reader count is
// saturated at Rmax.
func (m *Mutex) LockShared() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state&writeEntered != 0 || readers(m.state) == readerMask {
		m.gate1.Wait()
	}
	m.state++
}

// TryLockShared attempts to acquire shared access without blocking.
func (m *Mutex) TryLockShared() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state&writeEntered == 0 && readers(m.state) != readerMask {
		m.state++
		return true
	}
	return false
}

// TryLockSharedFor behaves as LockShared but fails if shared access cannot
// be attained within d.
func (m *Mutex) TryLockSharedFor(d time.Duration) bool {
	return m.TryLockSharedUntil(time.Now().Add(d))
}

// TryLockSharedUntil is the deadline form of TryLockSharedFor.
func (m *Mutex) TryLockSharedUntil(deadline time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state&writeEntered != 0 || readers(m.state) == readerMask {
		if !time.Now().Before(deadline) {
			return false
		}
		deadlineWait(m.gate1, deadline)
	}
	m.state++
	return true
}

// UnlockShared releases one shared hold on the Mutex.
func (m *Mutex) UnlockShared() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state--
	switch {
	case m.state&writeEntered != 0:
		if readers(m.state) == 0 {
			m.gate2.Signal()
		}
	default:
		if readers(m.state) == readerMask-1 {
			m.gate1.Signal()
		}
	}
}

// ---------------------------------------------------------------------
// Upgrade ownership
// ---------------------------------------------------------------------

// LockUpgrade acquires the Mutex in upgrade mode: it behaves as a shared
// holder with respect to other shared holders, but only one thread may hold
// upgrade mode at a time.
func (m *Mutex) LockUpgrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state&(writeEntered|upgradeEntered) != 0 || readers(m.state) == readerMask {
		m.gate1.Wait()
	}
	m.state = (m.state &^ readerMask) | upgradeEntered | (readers(m.state) + 1)
}

// TryLockUpgrade attempts to acquire upgrade mode without blocking.
func (m *Mutex) TryLockUpgrade() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state&(writeEntered|upgradeEntered) == 0 && readers(m.state) != readerMask {
		m.state = (m.state &^ readerMask) | upgradeEntered | (readers(m.state) + 1)
		return true
	}
	return false
}

// TryLockUpgradeFor behaves as LockUpgrade but fails if upgrade mode cannot
// be attained within d.
func (m *Mutex) TryLockUpgradeFor(d time.Duration) bool {
	return m.TryLockUpgradeUntil(time.Now().Add(d))
}

// TryLockUpgradeUntil is the deadline form of TryLockUpgradeFor.
func (m *Mutex) TryLockUpgradeUntil(deadline time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state&(writeEntered|upgradeEntered) != 0 || readers(m.state) == readerMask {
		if !time.Now().Before(deadline) {
			return false
		}
		deadlineWait(m.gate1, deadline)
	}
	m.state = (m.state &^ readerMask) | upgradeEntered | (readers(m.state) + 1)
	return true
}

// UnlockUpgrade releases upgrade mode. Broadcast (not Signal) is required
// here: both a pending writer and any number of pending upgraders may have
// been blocked solely by upgradeEntered being set.
func (m *Mutex) UnlockUpgrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = (m.state &^ (upgradeEntered | readerMask)) | (readers(m.state) - 1)
	m.gate1.Broadcast()
}

// ---------------------------------------------------------------------
// In-place transitions
// ---------------------------------------------------------------------

// TryUnlockSharedAndLock atomically promotes the caller's shared hold to
// exclusive, without an observable window in which the Mutex is released.
// It succeeds only if the caller is the sole reader and no writer or
// upgrader is pending; there is no blocking form, because two shared
// holders racing to promote would otherwise deadlock each other.
func (m *Mutex) TryUnlockSharedAndLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == 1 {
		m.state = writeEntered
		return true
	}
	return false
}

// TryUnlockSharedAndLockFor behaves as TryUnlockSharedAndLock but, failing
// an immediate promotion, waits up to d for the caller to become the sole
// reader with nothing else pending. Per the protocol's revert-and-broadcast
// contract (spec.md §4.4/§9), this never speculatively sets writeEntered
// while other readers remain; a caller that is not already the sole reader
// simply waits on gate1 for that to become true or the deadline to pass.
func (m *Mutex) TryUnlockSharedAndLockFor(d time.Duration) bool {
	return m.TryUnlockSharedAndLockUntil(time.Now().Add(d))
}

// TryUnlockSharedAndLockUntil is the deadline form of
// TryUnlockSharedAndLockFor.
func (m *Mutex) TryUnlockSharedAndLockUntil(deadline time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state != 1 {
		if !time.Now().Before(deadline) {
			return false
		}
		deadlineWait(m.gate1, deadline)
	}
	m.state = writeEntered
	return true
}

// UnlockAndLockShared atomically demotes the caller from exclusive to
// shared. This never fails: there is no contention to lose, since the
// caller already holds exclusive access.
func (m *Mutex) UnlockAndLockShared() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = 1
	m.gate1.Broadcast()
}

// TryUnlockSharedAndLockUpgrade atomically promotes the caller's shared
// hold to upgrade mode. The caller's reader-count contribution is
// unchanged; only upgradeEntered is set. Succeeds iff no writer or upgrader
// is already present.
func (m *Mutex) TryUnlockSharedAndLockUpgrade() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state&(writeEntered|upgradeEntered) == 0 {
		m.state |= upgradeEntered
		return true
	}
	return false
}

// TryUnlockSharedAndLockUpgradeFor behaves as TryUnlockSharedAndLockUpgrade
// but waits up to d for upgrade mode to become free.
func (m *Mutex) TryUnlockSharedAndLockUpgradeFor(d time.Duration) bool {
	return m.TryUnlockSharedAndLockUpgradeUntil(time.Now().Add(d))
}

// TryUnlockSharedAndLockUpgradeUntil is the deadline form of
// TryUnlockSharedAndLockUpgradeFor.
func (m *Mutex) TryUnlockSharedAndLockUpgradeUntil(deadline time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state&(writeEntered|upgradeEntered) != 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		deadlineWait(m.gate1, deadline)
	}
	m.state |= upgradeEntered
	return true
}

// UnlockUpgradeAndLockShared atomically demotes the caller from upgrade
// mode to shared. The reader count is unchanged. Broadcast is required
// because every waiter held out solely by upgradeEntered (pending upgraders
// and writers not yet past their first phase) should now re-check.
func (m *Mutex) UnlockUpgradeAndLockShared() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state &^= upgradeEntered
	m.gate1.Broadcast()
}

// UnlockUpgradeAndLock atomically promotes the caller from upgrade mode to
// exclusive, blocking until the remaining readers (if any) drain. This is
// the canonical "take the write lock I reserved" operation; it cannot
// deadlock, because the upgrade holder is unique by construction.
func (m *Mutex) UnlockUpgradeAndLock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = (m.state &^ (upgradeEntered | readerMask)) | writeEntered | (readers(m.state) - 1)
	for readers(m.state) != 0 {
		m.gate2.Wait()
	}
}

// TryUnlockUpgradeAndLock attempts the upgrade-to-exclusive promotion
// without blocking. It succeeds only if the caller is both the upgrader
// and the sole reader.
func (m *Mutex) TryUnlockUpgradeAndLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == upgradeEntered|1 {
		m.state = writeEntered
		return true
	}
	return false
}

// TryUnlockUpgradeAndLockFor behaves as UnlockUpgradeAndLock but gives up
// after d. On timeout it reverts to exactly the upgrade-mode state the
// caller had before calling it (same reader count, upgradeEntered set
// again) and broadcasts gate1, per the round-trip contract in spec.md §5
// and §8 property 5 — the timeout must not lose track of however many
// other readers were still draining.
func (m *Mutex) TryUnlockUpgradeAndLockFor(d time.Duration) bool {
	return m.TryUnlockUpgradeAndLockUntil(time.Now().Add(d))
}

// TryUnlockUpgradeAndLockUntil is the deadline form of
// TryUnlockUpgradeAndLockFor.
func (m *Mutex) TryUnlockUpgradeAndLockUntil(deadline time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = (m.state &^ (upgradeEntered | readerMask)) | writeEntered | (readers(m.state) - 1)
	for readers(m.state) != 0 {
		if !time.Now().Before(deadline) {
			m.state = upgradeEntered | (readers(m.state) + 1)
			m.gate1.Broadcast()
			return false
		}
		deadlineWait(m.gate2, deadline)
	}
	return true
}

// UnlockAndLockUpgrade atomically demotes the caller from exclusive to
// upgrade mode.
func (m *Mutex) UnlockAndLockUpgrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = upgradeEntered | 1
	m.gate1.Broadcast()
}
