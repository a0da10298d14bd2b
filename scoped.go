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

// Locker, RLocker and ULocker are RAII-style scoped holders over a Mutex,
// mirroring std::unique_lock / std::shared_lock / acme::upgrade_lock from
// the reference implementation. Each type call the Mutex's operations in
// matched pairs and detaches on Release without ever calling Unlock*
// itself, so ownership can be handed off to another holder (including one
// of a different mode, via the Into* constructors) without ever exposing
// the Mutex to a third party in between.
//
// None of the three types are safe for concurrent use by multiple
// goroutines; a scoped holder, like the hold it represents, belongs to
// exactly one goroutine at a time.

// Locker is a scoped exclusive hold.
type Locker struct {
	m    *Mutex
	held bool
}

// NewLocker acquires m exclusively and returns a holder for it.
func NewLocker(m *Mutex) *Locker {
	m.Lock()
	return &Locker{m: m, held: true}
}

// DeferLocker returns a holder that has not yet acquired m; call Lock to
// acquire it.
func DeferLocker(m *Mutex) *Locker {
	return &Locker{m: m}
}

// AdoptLocker returns a holder for a Mutex the caller already holds
// exclusively. It performs no locking of its own.
func AdoptLocker(m *Mutex) *Locker {
	return &Locker{m: m, held: true}
}

// Lock acquires the deferred Mutex exclusively.
func (l *Locker) Lock() {
	l.m.Lock()
	l.held = true
}

// TryLock attempts to acquire the deferred Mutex exclusively without
// blocking.
func (l *Locker) TryLock() bool {
	if l.m.TryLock() {
		l.held = true
		return true
	}
	return false
}

// Unlock releases the hold.
func (l *Locker) Unlock() {
	l.m.Unlock()
	l.held = false
}

// Release detaches this holder from its Mutex without unlocking it,
// returning the Mutex so the caller can hand ownership elsewhere (for
// example into a different holder type via one of the Into* constructors).
// The Locker is left empty; calling Unlock on it after Release panics.
func (l *Locker) Release() *Mutex {
	m := l.m
	l.m = nil
	l.held = false
	return m
}

// Held reports whether this holder currently owns its Mutex.
func (l *Locker) Held() bool { return l.held }

// IntoUpgrade atomically converts an exclusively-held Locker into a
// ULocker, via Mutex.UnlockAndLockUpgrade. l is left detached; the caller
// must not use it again.
func (l *Locker) IntoUpgrade() *ULocker {
	m := l.Release()
	m.UnlockAndLockUpgrade()
	return &ULocker{m: m, held: true}
}

// IntoShared atomically converts an exclusively-held Locker into an
// RLocker, via Mutex.UnlockAndLockShared. This is the "committee help"
// transfer the reference implementation could only fake with
// adopt_lock-and-manually-transition workarounds; here it is a first-class
// constructor. l is left detached; the caller must not use it again.
func (l *Locker) IntoShared() *RLocker {
	m := l.Release()
	m.UnlockAndLockShared()
	return &RLocker{m: m, held: true}
}

// RLocker is a scoped shared hold.
type RLocker struct {
	m    *Mutex
	held bool
}

// NewRLocker acquires m in shared mode and returns a holder for it.
func NewRLocker(m *Mutex) *RLocker {
	m.LockShared()
	return &RLocker{m: m, held: true}
}

// DeferRLocker returns a holder that has not yet acquired m.
func DeferRLocker(m *Mutex) *RLocker {
	return &RLocker{m: m}
}

// AdoptRLocker returns a holder for a Mutex the caller already holds in
// shared mode.
func AdoptRLocker(m *Mutex) *RLocker {
	return &RLocker{m: m, held: true}
}

// Lock acquires the deferred Mutex in shared mode.
func (r *RLocker) Lock() {
	r.m.LockShared()
	r.held = true
}

// TryLock attempts to acquire the deferred Mutex in shared mode without
// blocking.
func (r *RLocker) TryLock() bool {
	if r.m.TryLockShared() {
		r.held = true
		return true
	}
	return false
}

// Unlock releases the hold.
func (r *RLocker) Unlock() {
	r.m.UnlockShared()
	r.held = false
}

// Release detaches this holder from its Mutex without unlocking it.
func (r *RLocker) Release() *Mutex {
	m := r.m
	r.m = nil
	r.held = false
	return m
}

// Held reports whether this holder currently owns its Mutex.
func (r *RLocker) Held() bool { return r.held }

// TryIntoExclusive attempts to atomically promote a shared hold to
// exclusive, via Mutex.TryUnlockSharedAndLock. On success r is left
// detached and a new Locker is returned; on failure r is unchanged and nil
// is returned.
func (r *RLocker) TryIntoExclusive() *Locker {
	if !r.m.TryUnlockSharedAndLock() {
		return nil
	}
	m := r.Release()
	return &Locker{m: m, held: true}
}

// TryIntoUpgrade attempts to atomically promote a shared hold to upgrade
// mode, via Mutex.TryUnlockSharedAndLockUpgrade. On success r is left
// detached and a new ULocker is returned; on failure r is unchanged and nil
// is returned.
func (r *RLocker) TryIntoUpgrade() *ULocker {
	if !r.m.TryUnlockSharedAndLockUpgrade() {
		return nil
	}
	m := r.Release()
	return &ULocker{m: m, held: true}
}

// ULocker is a scoped upgrade-mode hold.
type ULocker struct {
	m    *Mutex
	held bool
}

// NewULocker acquires m in upgrade mode and returns a holder for it.
func NewULocker(m *Mutex) *ULocker {
	m.LockUpgrade()
	return &ULocker{m: m, held: true}
}

// DeferULocker returns a holder that has not yet acquired m.
func DeferULocker(m *Mutex) *ULocker {
	return &ULocker{m: m}
}

// AdoptULocker returns a holder for a Mutex the caller already holds in
// upgrade mode.
func AdoptULocker(m *Mutex) *ULocker {
	return &ULocker{m: m, held: true}
}

// Lock acquires the deferred Mutex in upgrade mode.
func (u *ULocker) Lock() {
	u.m.LockUpgrade()
	u.held = true
}

// TryLock attempts to acquire the deferred Mutex in upgrade mode without
// blocking.
func (u *ULocker) TryLock() bool {
	if u.m.TryLockUpgrade() {
		u.held = true
		return true
	}
	return false
}

// Unlock releases the hold.
func (u *ULocker) Unlock() {
	u.m.UnlockUpgrade()
	u.held = false
}

// Release detaches this holder from its Mutex without unlocking it.
func (u *ULocker) Release() *Mutex {
	m := u.m
	u.m = nil
	u.held = false
	return m
}

// Held reports whether this holder currently owns its Mutex.
func (u *ULocker) Held() bool { return u.held }

// IntoExclusive atomically promotes the upgrade hold to exclusive,
// blocking until remaining readers drain, via Mutex.UnlockUpgradeAndLock.
// u is left detached; the caller must not use it again.
func (u *ULocker) IntoExclusive() *Locker {
	m := u.Release()
	m.UnlockUpgradeAndLock()
	return &Locker{m: m, held: true}
}

// TryIntoExclusive attempts the same promotion without blocking, via
// Mutex.TryUnlockUpgradeAndLock. On success u is left detached and a new
// Locker is returned; on failure u is unchanged and nil is returned.
func (u *ULocker) TryIntoExclusive() *Locker {
	if !u.m.TryUnlockUpgradeAndLock() {
		return nil
	}
	m := u.Release()
	return &Locker{m: m, held: true}
}

// IntoShared atomically demotes the upgrade hold to shared, via
// Mutex.UnlockUpgradeAndLockShared. u is left detached; the caller must
// not use it again.
func (u *ULocker) IntoShared() *RLocker {
	m := u.Release()
	m.UnlockUpgradeAndLockShared()
	return &RLocker{m: m, held: true}
}
