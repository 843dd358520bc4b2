package twpl_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LankyCyril/twpl"
	"github.com/LankyCyril/twpl/config"
)

// T is the base test time unit used throughout this file's scenarios.
const T = 20 * time.Millisecond

const testPoll = 2 * time.Millisecond

func newTestLock(t *testing.T) (*twpl.Lock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	l, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)
	return l, path
}

func TestBasicStateTransitions(t *testing.T) {
	l, path := newTestLock(t)

	_, err := l.Acquire(twpl.ModeExclusive)
	require.NoError(t, err)
	assert.Equal(t, twpl.ModeExclusive, l.Mode())
	assert.True(t, l.State().Exclusive)
	l.Release()
	assert.Equal(t, twpl.ModeNone, l.Mode())

	_, err = l.Acquire(twpl.ModeConcurrent)
	require.NoError(t, err)
	_, err = l.Acquire(twpl.ModeConcurrent)
	require.NoError(t, err)
	assert.Equal(t, 2, l.State().Concurrent)

	l.Release()
	assert.Equal(t, 1, l.State().Concurrent)
	assert.Equal(t, twpl.ModeConcurrent, l.Mode())

	l.Release()
	assert.Equal(t, twpl.ModeNone, l.Mode())

	// Extra release on an already-NONE object is a no-op, not an error.
	l.Release()
	assert.Equal(t, twpl.ModeNone, l.Mode())

	ok, err := l.Clean(60 * time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.FileExists(t, path)

	ok, err = l.Clean(0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, path)
}

func TestAcquireRejectsUnknownMode(t *testing.T) {
	l, _ := newTestLock(t)
	_, err := l.Acquire(twpl.Mode(99))
	require.Error(t, err)
	var valErr *twpl.ValueError
	assert.ErrorAs(t, err, &valErr)
	assert.Equal(t, twpl.ModeNone, l.Mode())
}

func TestUnconditionalGuardNeverLocks(t *testing.T) {
	l, _ := newTestLock(t)
	g := l.Unconditional()
	assert.Equal(t, twpl.ModeNone, g.Mode())
	g.Release()
	g.Release() // idempotent
	assert.Equal(t, twpl.ModeNone, l.Mode())
}

// Five threads each hold exclusive for 10T with no staggering; the
// recorded enter/leave sequence must alternate strictly — no writer
// observed inside another's span.
func TestWritersSerialise(t *testing.T) {
	l, _ := newTestLock(t)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Worst case, a writer queues behind all 4 others (4*10T), so
			// the per-acquire timeout must comfortably exceed that.
			g, err := l.Exclusive(twpl.WithTimeout(200 * T))
			if !assert.NoError(t, err) {
				return
			}
			record("enter")
			time.Sleep(10 * T)
			record("leave")
			g.Release()
		}()
	}
	wg.Wait()

	require.Len(t, order, 10)
	for i := 0; i < len(order); i += 2 {
		assert.Equal(t, "enter", order[i])
		assert.Equal(t, "leave", order[i+1])
	}
}

// Five threads take concurrent for 10T each, staggered by 1T. Each must
// leave in its entry position, proving they ran in parallel rather than
// serialised.
func TestReadersOverlap(t *testing.T) {
	l, _ := newTestLock(t)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	record := func(i int) {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
	}

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * T)
			g, err := l.Concurrent(twpl.WithTimeout(20 * T))
			if !assert.NoError(t, err) {
				return
			}
			record(i)
			time.Sleep(10 * T)
			record(i)
			g.Release()
		}()
	}
	wg.Wait()

	require.Len(t, order, 10)
	assert.Equal(t, order[:5], order[5:])
}

func TestReaderWriterOrdering(t *testing.T) {
	l, _ := newTestLock(t)

	var (
		mu     sync.Mutex
		enters []string
		leaves []string
		wg     sync.WaitGroup
	)
	recordEnter := func(s string) {
		mu.Lock()
		enters = append(enters, s)
		mu.Unlock()
	}
	recordLeave := func(s string) {
		mu.Lock()
		leaves = append(leaves, s)
		mu.Unlock()
	}

	run := func(name string, mode twpl.Mode, delay, hold time.Duration) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(delay)
			var g *twpl.Guard
			var err error
			if mode == twpl.ModeExclusive {
				g, err = l.Exclusive(twpl.WithTimeout(20 * T))
			} else {
				g, err = l.Concurrent(twpl.WithTimeout(20 * T))
			}
			if !assert.NoError(t, err) {
				return
			}
			recordEnter(name)
			time.Sleep(hold)
			recordLeave(name)
			g.Release()
		}()
	}

	run("R1", twpl.ModeConcurrent, 0, 3*T)
	run("W1", twpl.ModeExclusive, 1*T, 2*T)
	run("R2", twpl.ModeConcurrent, 2*T, 2*T)
	run("R3", twpl.ModeConcurrent, 3*T, 4*T)
	run("R4", twpl.ModeConcurrent, 4*T, 6*T)
	wg.Wait()

	require.Len(t, enters, 5)
	assert.Equal(t, []string{"R1", "W1"}, enters[:2])
	assert.Equal(t, []string{"R1", "W1", "R2", "R3", "R4"}, leaves)
}

// Five nested concurrent scopes on one object; a writer attempting
// exclusive mid-nest must not acquire until all five have released.
func TestNestedReadersBlockWriter(t *testing.T) {
	l, _ := newTestLock(t)

	var guards []*twpl.Guard
	for i := 0; i < 5; i++ {
		g, err := l.Concurrent()
		require.NoError(t, err)
		guards = append(guards, g)
	}
	require.Equal(t, 5, l.State().Concurrent)

	writerDone := make(chan struct{})
	go func() {
		g, err := l.Exclusive(twpl.WithTimeout(20 * T))
		assert.NoError(t, err)
		if g != nil {
			g.Release()
		}
		close(writerDone)
	}()

	time.Sleep(5 * T)
	select {
	case <-writerDone:
		t.Fatal("writer acquired exclusive while readers were still nested")
	default:
	}

	for _, g := range guards {
		g.Release()
	}

	select {
	case <-writerDone:
	case <-time.After(20 * T):
		t.Fatal("writer never acquired after all readers released")
	}
	assert.Equal(t, twpl.ModeNone, l.Mode())
}

func TestTimeoutExclusiveVsConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	holder, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)
	waiter, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)

	_, err = holder.Acquire(twpl.ModeExclusive)
	require.NoError(t, err)
	defer holder.Release()

	start := time.Now()
	_, err = waiter.Acquire(twpl.ModeConcurrent, twpl.WithTimeout(2*T))
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *twpl.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, elapsed, 2*T)
	assert.Less(t, elapsed, 2*T+10*T)
}

func TestTimeoutConcurrentVsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	holder, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)
	waiter, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)

	_, err = holder.Acquire(twpl.ModeConcurrent)
	require.NoError(t, err)
	defer holder.Release()

	start := time.Now()
	_, err = waiter.Acquire(twpl.ModeExclusive, twpl.WithTimeout(2*T))
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *twpl.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, elapsed, 2*T)
	assert.Less(t, elapsed, 2*T+10*T)
}

func TestTimeoutExclusiveVsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	holder, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)
	waiter, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)

	_, err = holder.Acquire(twpl.ModeExclusive)
	require.NoError(t, err)
	defer holder.Release()

	start := time.Now()
	_, err = waiter.Acquire(twpl.ModeExclusive, twpl.WithTimeout(2*T))
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *twpl.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, elapsed, 2*T)
	assert.Less(t, elapsed, 2*T+10*T)
}

func TestConcurrentVsConcurrentNeverTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	holder, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)
	waiter, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)

	_, err = holder.Acquire(twpl.ModeConcurrent)
	require.NoError(t, err)
	defer holder.Release()

	_, err = waiter.Acquire(twpl.ModeConcurrent, twpl.WithTimeout(2*T))
	require.NoError(t, err)
	waiter.Release()
}

func TestCleanUnheldVsHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	l, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)

	g, err := l.Concurrent()
	require.NoError(t, err)

	ok, err := l.Clean(0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.FileExists(t, path)

	g.Release()
	ok, err = l.Clean(0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRejectsInvalidPollInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	_, err := twpl.New(path, twpl.WithPollInterval(-1))
	require.Error(t, err)
	var valErr *twpl.ValueError
	assert.ErrorAs(t, err, &valErr)
}

func TestExclusiveGuardChaining(t *testing.T) {
	l, _ := newTestLock(t)
	g, err := l.Exclusive(twpl.WithTimeout(5 * T))
	require.NoError(t, err)
	assert.Same(t, l, g.Lock())
	assert.Equal(t, twpl.ModeExclusive, g.Mode())
	g.Release()
	assert.Equal(t, twpl.ModeNone, l.Mode())
}

func TestNewFromConfigAppliesPollInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	cfg := config.DefaultConfig()
	cfg.PollInterval = testPoll
	cfg.CensusCacheWarm = false

	l, err := twpl.NewFromConfig(path, cfg)
	require.NoError(t, err)

	_, err = l.Acquire(twpl.ModeExclusive, twpl.WithTimeout(5*T))
	require.NoError(t, err)
	l.Release()
}

func TestNewFromConfigWarmsDescriptorCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	holder, err := twpl.New(path, twpl.WithPollInterval(testPoll))
	require.NoError(t, err)
	g, err := holder.Concurrent()
	require.NoError(t, err)
	defer g.Release()

	cfg := config.DefaultConfig()
	cfg.PollInterval = testPoll
	cfg.CensusCacheWarm = true

	warmed, err := twpl.NewFromConfig(path, cfg)
	require.NoError(t, err)

	// With the holder's descriptor already on file, a fresh exclusive
	// acquire through the warmed Lock must see the census as non-empty
	// and time out rather than falsely succeed.
	_, err = warmed.Acquire(twpl.ModeExclusive, twpl.WithTimeout(2*T))
	require.Error(t, err)
	var timeoutErr *twpl.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}
