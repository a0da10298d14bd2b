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

package upmutex

import "time"

// tryLockUnlocker is satisfied by Locker, RLocker and ULocker.
type tryLockUnlocker interface {
	TryLock() bool
	Unlock()
}

// LockMultiple acquires two or more deferred scoped holders (of any mix of
// Locker, RLocker, ULocker) without risking deadlock against a concurrent
// caller doing the same thing over an overlapping set of Mutexes.
//
// Two goroutines each locking mutex A then mutex B, versus B then A, is the
// classic deadlock; fixing the acquisition order requires a consistent
// total order over the Mutexes involved, which these holders don't expose.
// Instead, each pass tries to acquire every holder in the order given; the
// first failure unwinds everything acquired on that pass, and the call
// backs off before retrying starting from the next holder in the list, so
// that two contending callers don't livelock by perpetually restarting in
// lockstep. This is the "committee help"-free strategy
// original_source/main.cpp's Assignment::A::average relies on via
// std::lock, adapted to this package's scoped holders.
//
// On return every holder is locked. LockMultiple panics if holders is
// empty.
func LockMultiple(holders ...tryLockUnlocker) {
	if len(holders) == 0 {
		panic("upmutex: LockMultiple requires at least one holder")
	}
	if len(holders) == 1 {
		for !holders[0].TryLock() {
		}
		return
	}

	backoff := startingBackoff
	start := 0
	for {
		failedAt := -1
		for i := 0; i < len(holders); i++ {
			idx := (start + i) % len(holders)
			if !holders[idx].TryLock() {
				failedAt = idx
				break
			}
		}
		if failedAt == -1 {
			return
		}
		for i := 0; i < len(holders); i++ {
			idx := (start + i) % len(holders)
			if idx == failedAt {
				break
			}
			holders[idx].Unlock()
		}
		time.Sleep(backoff)
		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		start = (start + 1) % len(holders)
	}
}
