// Package fdcensus implements the capability probe (C1) and descriptor
// census (C2) of the twpl locking core: detecting whether the host exposes
// a per-process open-descriptor directory, and counting how many open
// descriptors across the system currently point at a given path.
//
// The reference host is Linux, where /proc/<pid>/fd/* is a directory of
// symlinks resolving to the files each process holds open.
package fdcensus

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// PlatformUnsupportedError reports that the host cannot support the
// descriptor-census protocol.
type PlatformUnsupportedError struct {
	Reason  string
	Subcode string
}

func (e *PlatformUnsupportedError) Error() string {
	return fmt.Sprintf("fdcensus: platform unsupported (%s): %s", e.Subcode, e.Reason)
}

const (
	SubcodeNoProcFD     = "no-proc-fd"
	SubcodeUndercount   = "selftest-undercount"
	SubcodeOvercount    = "selftest-overcount"
	SubcodeSelfTestFail = "selftest-error"
)

// Cache is a per-lock set of descriptor identities (opaque "/proc/<pid>/fd/<n>"
// paths) known, as of the most recent scan, to point at that lock's path.
// Visited first on every census call so a steady-state reader set doesn't
// require a full /proc walk each time.
type Cache struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewCache returns an empty descriptor-identity cache.
func NewCache() *Cache {
	return &Cache{ids: make(map[string]struct{})}
}

func (c *Cache) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	return out
}

func (c *Cache) add(id string) {
	c.mu.Lock()
	c.ids[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) remove(id string) {
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
}

func (c *Cache) has(id string) bool {
	c.mu.Lock()
	_, ok := c.ids[id]
	c.mu.Unlock()
	return ok
}

var (
	probeOnce sync.Once
	probeErr  error
)

// probe runs the one-shot capability self-test. Safe to call repeatedly;
// only the first call does any work.
func probe() error {
	probeOnce.Do(func() {
		probeErr = selfTest()
	})
	return probeErr
}

// selfTest creates a temporary regular file, opens a second descriptor on
// it, and checks that the census agrees: more than 1 open descriptor, not
// more than 2. Any other outcome means descriptor introspection on this
// host can't be trusted for the protocol.
func selfTest() error {
	tmp, err := os.CreateTemp("", "twpl-selftest-*")
	if err != nil {
		return &PlatformUnsupportedError{Reason: err.Error(), Subcode: SubcodeSelfTestFail}
	}
	path := tmp.Name()
	defer os.Remove(path)
	defer tmp.Close()

	extra, err := os.Open(path)
	if err != nil {
		return &PlatformUnsupportedError{Reason: err.Error(), Subcode: SubcodeSelfTestFail}
	}
	defer extra.Close()

	exceedsOne, err := exceeds(path, 1, nil)
	if err != nil {
		return &PlatformUnsupportedError{Reason: err.Error(), Subcode: SubcodeNoProcFD}
	}
	if !exceedsOne {
		return &PlatformUnsupportedError{
			Reason:  "self-test: expected >1 open descriptor on temp file, census reported <=1",
			Subcode: SubcodeUndercount,
		}
	}
	exceedsTwo, err := exceeds(path, 2, nil)
	if err != nil {
		return &PlatformUnsupportedError{Reason: err.Error(), Subcode: SubcodeNoProcFD}
	}
	if exceedsTwo {
		return &PlatformUnsupportedError{
			Reason:  "self-test: expected <=2 open descriptors on temp file, census reported >2",
			Subcode: SubcodeOvercount,
		}
	}
	return nil
}

// Exceeds reports whether strictly more than n open descriptors in the
// system currently refer to path. Runs the capability probe on first use;
// PlatformUnsupportedError propagates verbatim once that happens.
func Exceeds(path string, n int, cache *Cache) (bool, error) {
	if err := probe(); err != nil {
		return false, err
	}
	return exceeds(path, n, cache)
}

// Warm runs a full, non-short-circuiting scan of path's open descriptors
// and populates cache with every identity found, so a Lock's first real
// census call hits the cache instead of a cold /proc walk.
func Warm(path string, cache *Cache) error {
	if err := probe(); err != nil {
		return err
	}
	_, err := exceeds(path, math.MaxInt, cache)
	return err
}

// exceeds is the probe-free, cache-optional implementation; selfTest calls
// it directly (with a nil cache) to avoid recursing into probe().
func exceeds(path string, n int, cache *Cache) (bool, error) {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		// The lockfile may not exist yet (first exclusive acquire on a
		// brand-new path); treat as zero descriptors rather than IO error.
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("fdcensus: resolve %s: %w", path, err)
	}

	count := 0
	checked := make(map[string]struct{})

	check := func(id string) (matched bool) {
		checked[id] = struct{}{}
		target, err := os.Readlink(id)
		if err != nil {
			// Entry vanished mid-scan (process exited, fd closed): expected
			// during concurrent activity, treated as "not matching".
			if cache != nil {
				cache.remove(id)
			}
			return false
		}
		if target == canonical {
			if cache != nil {
				cache.add(id)
			}
			return true
		}
		if cache != nil {
			cache.remove(id)
		}
		return false
	}

	if cache != nil {
		for _, id := range cache.snapshot() {
			if check(id) {
				count++
				if count > n {
					return true, nil
				}
			}
		}
	}

	ownPID := os.Getpid()
	pids, err := listPIDs()
	if err != nil {
		return false, &PlatformUnsupportedError{Reason: err.Error(), Subcode: SubcodeNoProcFD}
	}
	orderPIDsOwnFirst(pids, ownPID)

	for _, pid := range pids {
		fds, err := listFDs(pid)
		if err != nil {
			// Process exited between listing PIDs and listing its fds.
			continue
		}
		for _, fd := range fds {
			id := fdPath(pid, fd)
			if cache != nil && cache.has(id) {
				continue // already checked above
			}
			if _, already := checked[id]; already {
				continue
			}
			if check(id) {
				count++
				if count > n {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func fdPath(pid, fd string) string {
	return filepath.Join("/proc", pid, "fd", fd)
}

// listPIDs enumerates every numeric entry of /proc, i.e. every live process
// at the moment of the scan.
func listPIDs() ([]string, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	pids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		pids = append(pids, e.Name())
	}
	return pids, nil
}

// listFDs enumerates the open descriptor numbers of one process.
func listFDs(pid string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join("/proc", pid, "fd"))
	if err != nil {
		return nil, err
	}
	fds := make([]string, 0, len(entries))
	for _, e := range entries {
		fds = append(fds, e.Name())
	}
	return fds, nil
}

// orderPIDsOwnFirst moves the caller's own PID to the front. The caller's
// own open handles are the most likely matches during normal operation
// (its own baton fd, its own concurrent-mode reader fds), so checking them
// first tends to hit the early-exit threshold sooner.
func orderPIDsOwnFirst(pids []string, ownPID int) {
	own := strconv.Itoa(ownPID)
	for i, p := range pids {
		if p == own {
			pids[0], pids[i] = pids[i], pids[0]
			return
		}
	}
}
