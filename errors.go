package twpl

import (
	"fmt"
	"time"

	"github.com/LankyCyril/twpl/internal/fdcensus"
)

// PlatformUnsupportedError reports that the host cannot support the
// twpl protocol because per-process open-descriptor introspection is
// missing or behaves unexpectedly. It is a type alias so callers can
// errors.As against either twpl.PlatformUnsupportedError or the
// internal fdcensus type that actually constructs it.
type PlatformUnsupportedError = fdcensus.PlatformUnsupportedError

// ValueError reports that a caller passed an invalid argument — an
// unrecognized Mode, a poll interval that is not positive, or a negative
// timeout. It is always returned before any state mutation takes place.
type ValueError struct {
	Msg string
}

func (e *ValueError) Error() string { return "twpl: " + e.Msg }

// TimeoutError reports that an acquisition did not complete within its
// supplied deadline.
type TimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("twpl: acquire %s: timed out after %s", e.Path, e.Timeout)
}

const issuesURL = "https://github.com/LankyCyril/twpl/issues"

// invariantViolation panics with a diagnostic naming the broken invariant.
// Internal consistency violations (an acquire completing while this object
// already holds a conflicting local mode, or the baton failing to release)
// are unrecoverable bugs, not regular errors — the account layer never
// expects to reach here in correct operation. The internal release helpers
// return without effect when nothing is held; they do not panic.
func invariantViolation(what string) {
	panic(fmt.Sprintf("twpl: internal invariant violated: %s — this is a bug, please file a report at %s", what, issuesURL))
}
