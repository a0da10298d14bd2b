package upmutex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerBasic(t *testing.T) {
	m := New()
	l := NewLocker(m)
	assert.True(t, l.Held())
	assert.False(t, m.TryLockShared())
	l.Unlock()
	assert.False(t, l.Held())
	assert.True(t, m.TryLockShared())
	m.UnlockShared()
}

func TestLockerDeferred(t *testing.T) {
	m := New()
	l := DeferLocker(m)
	assert.False(t, l.Held())
	l.Lock()
	assert.True(t, l.Held())
	l.Unlock()
}

func TestLockerRelease(t *testing.T) {
	m := New()
	l := NewLocker(m)
	released := l.Release()
	assert.Same(t, m, released)
	assert.False(t, l.Held())
	// the Mutex is still exclusively held; Release only detaches the
	// holder, it does not unlock.
	assert.False(t, m.TryLockShared())
	m.Unlock()
}

func TestRLockerBasic(t *testing.T) {
	m := New()
	r := NewRLocker(m)
	assert.True(t, r.Held())
	assert.False(t, m.TryLock())
	r.Unlock()
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestULockerBasic(t *testing.T) {
	m := New()
	u := NewULocker(m)
	assert.True(t, u.Held())
	assert.True(t, m.TryLockShared())
	m.UnlockShared()
	assert.False(t, m.TryLockUpgrade())
	u.Unlock()
}

func TestLockerIntoUpgrade(t *testing.T) {
	m := New()
	l := NewLocker(m)
	u := l.IntoUpgrade()
	require.NotNil(t, u)
	assert.True(t, u.Held())
	assert.True(t, m.TryLockShared())
	m.UnlockShared()
	u.Unlock()
}

func TestLockerIntoShared(t *testing.T) {
	m := New()
	l := NewLocker(m)
	r := l.IntoShared()
	require.NotNil(t, r)
	assert.Equal(t, state(1), m.state)
	assert.False(t, m.TryLock())
	r.Unlock()
}

func TestRLockerTryIntoExclusiveFailsWithOtherReaders(t *testing.T) {
	m := New()
	r1 := NewRLocker(m)
	r2 := NewRLocker(m)

	assert.Nil(t, r1.TryIntoExclusive(), "promotion must fail with a second reader present")
	assert.True(t, r1.Held())

	r2.Unlock()
	l := r1.TryIntoExclusive()
	require.NotNil(t, l)
	assert.False(t, r1.Held())
	assert.True(t, l.Held())
	l.Unlock()
}

func TestRLockerTryIntoUpgrade(t *testing.T) {
	m := New()
	r := NewRLocker(m)
	u := r.TryIntoUpgrade()
	require.NotNil(t, u)
	assert.False(t, r.Held())
	u.Unlock()
}

func TestULockerIntoExclusive(t *testing.T) {
	m := New()
	u := NewULocker(m)
	l := u.IntoExclusive()
	require.NotNil(t, l)
	assert.False(t, u.Held())
	assert.True(t, l.Held())
	l.Unlock()
}

func TestULockerTryIntoExclusiveFailsWithOtherReaders(t *testing.T) {
	m := New()
	u := NewULocker(m)
	r := NewRLocker(m)

	assert.Nil(t, u.TryIntoExclusive())
	r.Unlock()
	l := u.TryIntoExclusive()
	require.NotNil(t, l)
	l.Unlock()
}

func TestULockerIntoShared(t *testing.T) {
	m := New()
	u := NewULocker(m)
	r := u.IntoShared()
	require.NotNil(t, r)
	assert.False(t, u.Held())
	assert.Equal(t, state(1), m.state)
	r.Unlock()
}

func TestAdoptLocker(t *testing.T) {
	m := New()
	m.Lock()
	l := AdoptLocker(m)
	assert.True(t, l.Held())
	l.Unlock()
}
