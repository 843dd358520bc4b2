// Package janitor periodically sweeps a directory of twpl lockfiles,
// calling Lock.Clean on each one. It plays the role the reference
// service's gc.Orchestrator plays for its storage modules: a
// best-effort, lock-respecting reaper that skips anything currently busy
// and retries on the next pass.
package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/LankyCyril/twpl"
	"github.com/LankyCyril/twpl/config"
)

// DefaultConcurrency bounds how many lockfiles a single Sweep inspects at
// once.
const DefaultConcurrency = 8

// Sweeper removes idle lockfiles — those with no active holder, at least
// minAge old — from one directory.
type Sweeper struct {
	dir         string
	suffix      string
	minAge      time.Duration
	concurrency int
	cfg         *config.Config
}

// New returns a Sweeper over dir, matching files by suffix (e.g. ".lock"),
// removing any that are idle and at least minAge old.
func New(dir, suffix string, minAge time.Duration) *Sweeper {
	return &Sweeper{dir: dir, suffix: suffix, minAge: minAge, concurrency: DefaultConcurrency}
}

// WithConcurrency overrides the default fan-out width.
func (s *Sweeper) WithConcurrency(n int) *Sweeper {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// WithConfig makes every per-file Lock constructed during Sweep use
// twpl.NewFromConfig instead of twpl.New, so each swept Lock takes cfg's
// poll interval and, when cfg.CensusCacheWarm is set, starts its Clean
// call with a pre-warmed descriptor cache.
func (s *Sweeper) WithConfig(cfg *config.Config) *Sweeper {
	s.cfg = cfg
	return s
}

// Sweep runs one pass: every matching file in the directory gets its own
// *twpl.Lock and a Clean call, run with bounded concurrency via
// errgroup.Group.SetLimit. Per-file errors are logged and skipped rather
// than failing the whole sweep — a single unreadable or mid-removal
// lockfile shouldn't block reclaiming the rest.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	logger := log.WithFunc("janitor.Sweep")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("janitor: read %s: %w", s.dir, err)
	}

	var (
		mu      sync.Mutex
		removed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), s.suffix) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			var l *twpl.Lock
			var err error
			if s.cfg != nil {
				l, err = twpl.NewFromConfig(path, s.cfg)
			} else {
				l, err = twpl.New(path)
			}
			if err != nil {
				logger.Warnf(gctx, "skip %s: %v", path, err)
				return nil
			}
			ok, err := l.Clean(s.minAge)
			if err != nil {
				logger.Warnf(gctx, "clean %s: %v", path, err)
				return nil
			}
			if ok {
				mu.Lock()
				removed = append(removed, path)
				mu.Unlock()
				logger.Infof(gctx, "removed idle lockfile %s", path)
			}
			return nil
		})
	}
	_ = g.Wait() // per-file errors are already logged and absorbed above
	return removed, nil
}
