// Package twpl implements a cross-process, multi-reader/single-writer
// advisory lock bound to a named path on a POSIX filesystem. Any number of
// concurrent (reader) holders may proceed at once; an exclusive (writer)
// holder proceeds only once no other holder, of either mode, is active.
//
// The protocol combines a transient whole-file advisory lock on the
// lockfile (the "baton", taken from github.com/gofrs/flock) with a
// long-lived open-descriptor count on that same file (the "census",
// read from /proc/<pid>/fd/* on Linux) so that unrelated processes can
// coordinate reader/writer access without a central coordinator.
//
// twpl makes no fairness guarantee between waiters of different modes,
// does not protect the durability of whatever the lockfile is guarding,
// and only works on a local filesystem that supports both advisory
// locking and descriptor introspection.
package twpl

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/LankyCyril/twpl/config"
	"github.com/LankyCyril/twpl/internal/baton"
	"github.com/LankyCyril/twpl/internal/fdcensus"
)

// Version mirrors the original Python package's __version__.
const Version = "0.1.0"

// Lock is bound at construction to a lockfile path and accounts for this
// object's own holds on it. Acquire/Release mutate exclusiveHeld and
// concurrentHandles under mu; mu is never held across a blocking baton
// call, file open, or the poll sleep.
type Lock struct {
	path         string
	pollInterval time.Duration

	mu                sync.Mutex
	exclusiveHeld     bool
	concurrentHandles []*os.File

	cache *fdcensus.Cache
	baton *baton.Baton
}

// New binds a Lock to path. Construction performs a trivial baton
// acquire/release to surface any host-level problem with the path
// (permissions, missing parent directory) without committing to a hold;
// if another holder already has the baton, that's not an error — it's
// evidence the path itself is fine.
func New(path string, opts ...AcquireOption) (*Lock, error) {
	cfg := newAcquireConfig(DefaultPollInterval, opts)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	l := &Lock{
		path:         path,
		pollInterval: cfg.pollInterval,
		cache:        fdcensus.NewCache(),
		baton:        baton.New(path),
	}

	ok, err := l.baton.TryAcquire(context.Background())
	if err != nil {
		return nil, fmt.Errorf("twpl: new %s: %w", path, err)
	}
	if ok {
		if err := l.baton.Release(); err != nil {
			return nil, fmt.Errorf("twpl: new %s: %w", path, err)
		}
	}
	return l, nil
}

// NewFromConfig binds a Lock to path using cfg's defaults, mirroring the
// reference service's component constructors that take a *config.Config
// directly (e.g. cni.New, cloudhypervisor.New). When cfg.CensusCacheWarm
// is set, it also runs one full descriptor scan up front so the first
// real acquire on this Lock starts from a warm cache instead of a cold
// /proc walk.
func NewFromConfig(path string, cfg *config.Config) (*Lock, error) {
	l, err := New(path, WithPollInterval(cfg.PollInterval))
	if err != nil {
		return nil, err
	}
	if cfg.CensusCacheWarm {
		if err := fdcensus.Warm(path, l.cache); err != nil {
			return nil, fmt.Errorf("twpl: new %s: warm descriptor cache: %w", path, err)
		}
	}
	return l, nil
}

// Path returns the lockfile path this Lock is bound to.
func (l *Lock) Path() string { return l.path }

// Mode returns the mode this object currently holds: ModeExclusive,
// ModeConcurrent, or ModeNone. It reflects only this object's own holds,
// never another process's or another object's.
func (l *Lock) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modeLocked()
}

func (l *Lock) modeLocked() Mode {
	switch {
	case l.exclusiveHeld:
		return ModeExclusive
	case len(l.concurrentHandles) > 0:
		return ModeConcurrent
	default:
		return ModeNone
	}
}

// State returns the full observable snapshot of this object's own holds.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Mode:       l.modeLocked(),
		Exclusive:  l.exclusiveHeld,
		Concurrent: len(l.concurrentHandles),
	}
}

// Acquire takes the lock in the given mode, blocking (subject to
// WithTimeout) until it's available. ValueError is returned immediately,
// before any state mutation, for an unrecognized mode or an invalid
// option. Returns l for chaining.
func (l *Lock) Acquire(mode Mode, opts ...AcquireOption) (*Lock, error) {
	cfg := newAcquireConfig(l.pollInterval, opts)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch mode {
	case ModeExclusive:
		if err := l.acquireExclusive(cfg); err != nil {
			return nil, err
		}
	case ModeConcurrent:
		if err := l.acquireConcurrent(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, &ValueError{Msg: fmt.Sprintf("unknown mode %v", mode)}
	}
	return l, nil
}

// Release releases whatever this object currently holds. A no-op, not an
// error, when the object holds nothing. Returns l for chaining.
func (l *Lock) Release() *Lock {
	switch l.Mode() {
	case ModeExclusive:
		l.releaseExclusive()
	case ModeConcurrent:
		l.releaseConcurrent()
	}
	return l
}

// acquireExclusive takes the baton, then waits for the census to confirm
// no reader descriptor survives from before the baton was taken.
func (l *Lock) acquireExclusive(cfg acquireConfig) error {
	logger := log.WithFunc("twpl.acquireExclusive")
	start := time.Now()

	ctx, cancel := acquireContext(cfg)
	defer cancel()

	// The baton's own internal retry cadence is a third of the caller's
	// poll interval, keeping the baton loop responsive relative to the
	// (coarser) census-poll cadence below.
	batonPoll := cfg.pollInterval / 3
	if batonPoll <= 0 {
		batonPoll = time.Millisecond
	}
	if err := l.baton.Acquire(ctx, batonPoll); err != nil {
		if ctx.Err() != nil {
			return &TimeoutError{Path: l.path, Timeout: cfg.timeout}
		}
		return fmt.Errorf("twpl: acquire %s: %w", l.path, err)
	}

	lastWarn := start
	for {
		exceeds, err := fdcensus.Exceeds(l.path, 1, l.cache)
		if err != nil {
			_ = l.baton.Release()
			return err
		}
		if !exceeds {
			break
		}
		if time.Since(lastWarn) >= time.Second {
			logger.Warnf(ctx, "waiting on readers of %s", l.path)
			lastWarn = time.Now()
		}
		time.Sleep(cfg.pollInterval)
		if cfg.hasTimeout && time.Since(start) >= cfg.timeout {
			_ = l.baton.Release()
			return &TimeoutError{Path: l.path, Timeout: cfg.timeout}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exclusiveHeld || len(l.concurrentHandles) > 0 {
		_ = l.baton.Release()
		invariantViolation("exclusive acquire succeeded while this object already held a local mode")
	}
	l.exclusiveHeld = true
	return nil
}

// releaseExclusive drops the exclusive flag and releases the baton.
func (l *Lock) releaseExclusive() {
	l.mu.Lock()
	if !l.exclusiveHeld {
		l.mu.Unlock()
		return
	}
	l.exclusiveHeld = false
	l.mu.Unlock()

	if err := l.baton.Release(); err != nil {
		invariantViolation("release baton on exclusive release: " + err.Error())
	}
}

// acquireConcurrent takes the baton just long enough to open a new
// durable descriptor on the lockfile, then drops the baton immediately.
func (l *Lock) acquireConcurrent(cfg acquireConfig) error {
	ctx, cancel := acquireContext(cfg)
	defer cancel()

	if err := l.baton.Acquire(ctx, cfg.pollInterval); err != nil {
		if ctx.Err() != nil {
			return &TimeoutError{Path: l.path, Timeout: cfg.timeout}
		}
		return fmt.Errorf("twpl: acquire %s: %w", l.path, err)
	}

	f, err := os.Open(l.path) //nolint:gosec // path is the caller-supplied lockfile path
	if err != nil {
		_ = l.baton.Release()
		return fmt.Errorf("twpl: open %s for concurrent acquire: %w", l.path, err)
	}
	if err := l.baton.Release(); err != nil {
		_ = f.Close()
		invariantViolation("release baton after opening concurrent descriptor: " + err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exclusiveHeld {
		_ = f.Close()
		invariantViolation("concurrent acquire succeeded while this object already held exclusive")
	}
	l.concurrentHandles = append(l.concurrentHandles, f)
	return nil
}

// releaseConcurrent closes and drops the most recently opened descriptor.
// Reentrancy is implicit: the k-th acquire appended a k-th descriptor,
// which the k-th release (the LIFO top) removes.
func (l *Lock) releaseConcurrent() {
	l.mu.Lock()
	n := len(l.concurrentHandles)
	if n == 0 {
		l.mu.Unlock()
		return
	}
	f := l.concurrentHandles[n-1]
	l.concurrentHandles = l.concurrentHandles[:n-1]
	l.mu.Unlock()
	_ = f.Close()
}

func acquireContext(cfg acquireConfig) (context.Context, context.CancelFunc) {
	if cfg.hasTimeout {
		return context.WithTimeout(context.Background(), cfg.timeout)
	}
	return context.Background(), func() {}
}

// Clean removes the lockfile if nobody holds this path (baton free,
// census clear) and it is at least minAge old, returning true. Any other
// outcome — busy, still read, too young — returns false without error
// and leaves the file in place.
func (l *Lock) Clean(minAge time.Duration) (bool, error) {
	logger := log.WithFunc("twpl.Clean")
	ctx := context.Background()

	ok, err := l.baton.TryAcquire(ctx)
	if err != nil {
		return false, fmt.Errorf("twpl: clean %s: %w", l.path, err)
	}
	if !ok {
		logger.Debugf(ctx, "clean %s: baton busy", l.path)
		return false, nil
	}
	defer func() { _ = l.baton.Release() }()

	exceeds, err := fdcensus.Exceeds(l.path, 1, l.cache)
	if err != nil {
		return false, err
	}
	if exceeds {
		logger.Debugf(ctx, "clean %s: still held by a concurrent reader", l.path)
		return false, nil
	}

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("twpl: stat %s: %w", l.path, err)
	}

	age := time.Since(fdcensus.CTime(info))
	if age < minAge {
		logger.Debugf(ctx, "clean %s: age %s below threshold %s", l.path, age, minAge)
		return false, nil
	}

	if err := os.Remove(l.path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("twpl: remove %s: %w", l.path, err)
	}
	logger.Debugf(ctx, "clean %s: removed (age %s)", l.path, age)
	return true, nil
}
