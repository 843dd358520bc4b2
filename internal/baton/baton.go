// Package baton wraps a whole-file advisory lock (github.com/gofrs/flock)
// into the short-lived "baton" critical section used by the twpl locking
// core: a reusable per-path handle that callers take momentarily, whether
// to hold across a long exclusive span or just long enough to open a
// durable reader descriptor.
package baton

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// Baton is a reusable handle on the whole-file advisory lock for one path.
// Goroutines of one process cannot hold independent, overlapping
// acquisitions of the same Baton: its own in-process channel token admits
// one acquisition at a time, so a concurrent Acquire waits and a concurrent
// TryAcquire reports false, exactly as a single *flock.Flock may only be
// held by one acquisition at a time.
type Baton struct {
	path string
	ch   chan struct{}
	fl   *flock.Flock
}

// New returns a Baton bound to path. The lockfile is created lazily on
// first acquisition attempt (flock.New defers the open/O_CREATE to that
// point).
func New(path string) *Baton {
	return &Baton{path: path, ch: make(chan struct{}, 1)}
}

// Path returns the bound lockfile path.
func (b *Baton) Path() string { return b.path }

// Acquire blocks until the baton is taken or ctx is done, polling the
// underlying flock at retryDelay. A context without a deadline blocks
// indefinitely.
func (b *Baton) Acquire(ctx context.Context, retryDelay time.Duration) error {
	select {
	case b.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire baton %s: %w", b.path, ctx.Err())
	}
	ok, err := b.commit(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, retryDelay)
	})
	if err != nil {
		return fmt.Errorf("acquire baton %s: %w", b.path, err)
	}
	if !ok {
		return fmt.Errorf("acquire baton %s: %w", b.path, ctx.Err())
	}
	return nil
}

// TryAcquire makes one non-blocking attempt. It reports (false, nil), not
// an error, when another holder — in this process or another — currently
// holds the baton.
func (b *Baton) TryAcquire(_ context.Context) (bool, error) {
	select {
	case b.ch <- struct{}{}:
	default:
		return false, nil
	}
	return b.commit(func(fl *flock.Flock) (bool, error) {
		return fl.TryLock()
	})
}

// Release releases a held baton. Calling Release without a prior successful
// Acquire/TryAcquire is a caller bug; the twpl account layer never does
// this because it tracks holder state itself.
func (b *Baton) Release() error {
	var err error
	if b.fl != nil {
		err = b.fl.Unlock()
		b.fl = nil
	}
	select {
	case <-b.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release baton %s: %w", b.path, err)
	}
	return nil
}

// commit opens a fresh flock fd, runs acquire, and on success stores the fd
// so Release can find it; on failure or non-acquisition it gives back the
// in-process token so Acquire/TryAcquire always leave the token balanced.
func (b *Baton) commit(acquire func(*flock.Flock) (bool, error)) (bool, error) {
	fl := flock.New(b.path)
	locked, err := acquire(fl)
	if err != nil {
		<-b.ch
		return false, err
	}
	if !locked {
		<-b.ch
		return false, nil
	}
	b.fl = fl
	return true, nil
}
