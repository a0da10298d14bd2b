// Command upmutex-stress is the acceptance-surface harness described in
// spec.md §6 and §8: a battery of goroutine roles hammer a single Mutex for
// a bounded window and print, for each role, a line of the form
// "<name> = <count>\n", serialized so that no line is ever split by
// another. It reproduces every scenario group from
// original_source/main.cpp (S::test_shared_mutex and U::test_upgrade_mutex)
// plus the two-object Assignment::A-style lock-multiple exercise, using
// this package's Mutex, scoped holders and LockMultiple helper instead of
// C++'s shared_timed_mutex / acme::upgrade_mutex / std::lock.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	upmutex "github.com/dijkstracula/go-upmutex"
)

// No CLI framework (cobra, urfave/cli, pflag) appears anywhere in the
// retrieved example corpus, so this handful of knobs is parsed with the
// standard library's flag package rather than reaching for one; see
// DESIGN.md.
var (
	duration  = flag.Duration("duration", 3*time.Second, "how long each scenario group runs")
	tryFor    = flag.Duration("try-for", 5*time.Microsecond, "deadline used by the timed try_* roles")
	logLevel  = flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
)

// dataState is the shared payload every role observes through the lock
// under test, mirroring the `enum {reading, writing}; int state` global in
// main.cpp. It is written to only while the appropriate mode is held.
const (
	reading = iota
	writing
)

var dataState int

var outMu sync.Mutex

// printCount emits the one acceptance-surface line this role owns. Lines
// from different roles may interleave with each other; this package-level
// mutex only guarantees a single line is never split across goroutines.
func printCount(name string, count int) {
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Printf("%s = %d\n", name, count)
}

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	logger.Info().Dur("duration", *duration).Dur("try_for", *tryFor).Msg("starting upmutex stress harness")

	runRWOnlyGroup(logger, *duration)
	runUpgradeGroup(logger, *duration, *tryFor)
	runLockMultipleGroup(logger, *duration)

	logger.Info().Msg("all scenario groups complete")
}

// ---------------------------------------------------------------------
// rwonly: the plain reader/writer baseline (original_source/main.cpp's
// `namespace S`, built on std::shared_timed_mutex). Reproduced against the
// same Mutex type, restricted to its shared and exclusive operations
// (blocking, try and timed-try), to demonstrate the
// upgrade mutex is a strict superset of a plain RWMutex.
// ---------------------------------------------------------------------

func runRWOnlyGroup(logger zerolog.Logger, d time.Duration) {
	logger.Info().Msg("group: rwonly (blocking)")
	m := upmutex.New()
	until := time.Now().Add(d)
	var wg sync.WaitGroup
	run(&wg, "reader", func() int { return rwReader(m, until) })
	run(&wg, "writer", func() int { return rwWriter(m, until) })
	run(&wg, "reader", func() int { return rwReader(m, until) })
	wg.Wait()

	logger.Info().Msg("group: rwonly (try)")
	until = time.Now().Add(d)
	run(&wg, "try_reader", func() int { return rwTryReader(m, until) })
	run(&wg, "try_writer", func() int { return rwTryWriter(m, until) })
	run(&wg, "try_reader", func() int { return rwTryReader(m, until) })
	wg.Wait()

	logger.Info().Msg("group: rwonly (try_for)")
	until = time.Now().Add(d)
	run(&wg, "try_for_reader", func() int { return rwTryForReader(m, until) })
	run(&wg, "try_for_writer", func() int { return rwTryForWriter(m, until) })
	run(&wg, "try_for_reader", func() int { return rwTryForReader(m, until) })
	wg.Wait()
}

func rwReader(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		m.LockShared()
		assertState(reading)
		count++
		m.UnlockShared()
	}
	return count
}

func rwWriter(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		m.Lock()
		dataState = writing
		assertState(writing)
		dataState = reading
		count++
		m.Unlock()
	}
	return count
}

func rwTryReader(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if m.TryLockShared() {
			assertState(reading)
			count++
			m.UnlockShared()
		}
	}
	return count
}

func rwTryWriter(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if m.TryLock() {
			dataState = writing
			assertState(writing)
			dataState = reading
			count++
			m.Unlock()
		}
	}
	return count
}

func rwTryForReader(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if m.TryLockSharedFor(*tryFor) {
			assertState(reading)
			count++
			m.UnlockShared()
		}
	}
	return count
}

func rwTryForWriter(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if m.TryLockFor(*tryFor) {
			dataState = writing
			assertState(writing)
			dataState = reading
			count++
			m.Unlock()
		}
	}
	return count
}

// ---------------------------------------------------------------------
// upgrade: original_source/main.cpp's `namespace U`.
// ---------------------------------------------------------------------

func runUpgradeGroup(logger zerolog.Logger, d, try time.Duration) {
	m := upmutex.New()

	logger.Info().Msg("group: upgrade reader/writer (blocking)")
	until := time.Now().Add(d)
	var wg sync.WaitGroup
	run(&wg, "reader", func() int { return rwReader(m, until) })
	run(&wg, "writer", func() int { return rwWriter(m, until) })
	run(&wg, "upgradable", func() int { return upgradable(m, until) })
	wg.Wait()

	logger.Info().Msg("group: upgrade reader/writer (try)")
	until = time.Now().Add(d)
	run(&wg, "reader", func() int { return rwReader(m, until) })
	run(&wg, "writer", func() int { return rwWriter(m, until) })
	run(&wg, "try_upgradable", func() int { return tryUpgradable(m, until) })
	wg.Wait()

	logger.Info().Msg("group: upgrade reader/writer (try_for)")
	until = time.Now().Add(d)
	run(&wg, "reader", func() int { return rwReader(m, until) })
	run(&wg, "writer", func() int { return rwWriter(m, until) })
	run(&wg, "try_for_upgradable", func() int { return tryForUpgradable(m, until) })
	wg.Wait()

	logger.Info().Msg("group: clockwise / counter_clockwise (blocking)")
	dataState = reading
	until = time.Now().Add(d)
	run(&wg, "clockwise", func() int { return clockwise(m, until) })
	run(&wg, "counter_clockwise", func() int { return counterClockwise(m, until) })
	run(&wg, "clockwise", func() int { return clockwise(m, until) })
	run(&wg, "counter_clockwise", func() int { return counterClockwise(m, until) })
	wg.Wait()

	logger.Info().Msg("group: clockwise / counter_clockwise (try)")
	dataState = reading
	until = time.Now().Add(d)
	run(&wg, "try_clockwise", func() int { return tryClockwise(m, until) })
	run(&wg, "try_counter_clockwise", func() int { return tryCounterClockwise(m, until) })
	wg.Wait()

	// try_for_clockwise is deliberately not implemented: see the Open
	// Question in spec.md §9 (main.cpp leaves its timed-compound sibling
	// commented out). TryUnlockSharedAndLockFor exists on Mutex itself
	// (per the revert-and-broadcast contract), but wiring it into a
	// clockwise role that also races TryUnlockSharedAndLockUpgradeFor
	// would need a second deadline shared across both attempts; rather
	// than guess at that contract, only the side that was actually
	// un-commented in the source is reproduced here.
	logger.Info().Msg("group: try_for_counter_clockwise")
	dataState = reading
	until = time.Now().Add(d)
	run(&wg, "try_for_counter_clockwise", func() int { return tryForCounterClockwise(m, until) })
	wg.Wait()
}

func upgradable(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		m.LockUpgrade()
		assertState(reading)
		count++
		m.UnlockUpgrade()
	}
	return count
}

func tryUpgradable(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if m.TryLockUpgrade() {
			assertState(reading)
			count++
			m.UnlockUpgrade()
		}
	}
	return count
}

func tryForUpgradable(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if m.TryLockUpgradeFor(*tryFor) {
			assertState(reading)
			count++
			m.UnlockUpgrade()
		}
	}
	return count
}

func clockwise(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		m.LockShared()
		assertState(reading)
		switch {
		case m.TryUnlockSharedAndLock():
			dataState = writing
		case m.TryUnlockSharedAndLockUpgrade():
			assertState(reading)
			m.UnlockUpgradeAndLock()
			dataState = writing
		default:
			m.UnlockShared()
			continue
		}
		assertState(writing)
		dataState = reading
		m.UnlockAndLockUpgrade()
		assertState(reading)
		m.UnlockUpgradeAndLockShared()
		assertState(reading)
		m.UnlockShared()
		count++
	}
	return count
}

func counterClockwise(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		m.LockUpgrade()
		assertState(reading)
		m.UnlockUpgradeAndLock()
		assertState(reading)
		dataState = writing
		assertState(writing)
		dataState = reading
		m.UnlockAndLockShared()
		assertState(reading)
		m.UnlockShared()
		count++
	}
	return count
}

func tryClockwise(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if !m.TryLockShared() {
			continue
		}
		assertState(reading)
		switch {
		case m.TryUnlockSharedAndLock():
			dataState = writing
		case m.TryUnlockSharedAndLockUpgrade():
			assertState(reading)
			m.UnlockUpgradeAndLock()
			dataState = writing
		default:
			m.UnlockShared()
			continue
		}
		assertState(writing)
		dataState = reading
		m.UnlockAndLockUpgrade()
		assertState(reading)
		m.UnlockUpgradeAndLockShared()
		assertState(reading)
		m.UnlockShared()
		count++
	}
	return count
}

func tryCounterClockwise(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if !m.TryLockUpgrade() {
			continue
		}
		assertState(reading)
		if m.TryUnlockUpgradeAndLock() {
			assertState(reading)
			dataState = writing
			assertState(writing)
			dataState = reading
			m.UnlockAndLockShared()
			assertState(reading)
			m.UnlockShared()
			count++
		} else {
			m.UnlockUpgrade()
		}
	}
	return count
}

func tryForCounterClockwise(m *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		if !m.TryLockUpgradeFor(*tryFor) {
			continue
		}
		assertState(reading)
		if m.TryUnlockUpgradeAndLockFor(*tryFor) {
			assertState(reading)
			dataState = writing
			assertState(writing)
			dataState = reading
			m.UnlockAndLockShared()
			assertState(reading)
			m.UnlockShared()
			count++
		} else {
			m.UnlockUpgrade()
		}
	}
	return count
}

// ---------------------------------------------------------------------
// lockmultiple: Assignment::A::average's mechanism (spec.md §9's
// deadlock-free multi-object locking note), run against two Mutexes from
// two directions concurrently.
// ---------------------------------------------------------------------

func runLockMultipleGroup(logger zerolog.Logger, d time.Duration) {
	logger.Info().Msg("group: lock_multiple (two objects, opposite orders)")
	a := upmutex.New()
	b := upmutex.New()
	until := time.Now().Add(d)

	var wg sync.WaitGroup
	run(&wg, "average", func() int { return average(a, b, until) })
	run(&wg, "swap", func() int { return swap(a, b, until) })
	wg.Wait()
}

func average(a, b *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		lockA := upmutex.DeferLocker(a)
		lockB := upmutex.DeferULocker(b)
		upmutex.LockMultiple(lockA, lockB)
		shareB := lockB.IntoShared()
		lockA.Unlock()
		shareB.Unlock()
		count++
	}
	return count
}

func swap(a, b *upmutex.Mutex, until time.Time) int {
	count := 0
	for time.Now().Before(until) {
		lockB := upmutex.DeferLocker(b)
		lockA := upmutex.DeferLocker(a)
		upmutex.LockMultiple(lockB, lockA)
		lockB.Unlock()
		lockA.Unlock()
		count++
	}
	return count
}

// ---------------------------------------------------------------------
// shared plumbing
// ---------------------------------------------------------------------

func run(wg *sync.WaitGroup, name string, role func() int) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		printCount(name, role())
	}()
}

// assertState is the harness's only contract check: spec.md §7 treats
// contract violations (and by extension, an invariant like this one
// breaking) as programmer errors the library itself need not detect, but
// the harness is exactly the place a broken invariant should be loud.
func assertState(want int) {
	if dataState != want {
		panic(fmt.Sprintf("upmutex-stress: expected dataState == %d, got %d", want, dataState))
	}
}
