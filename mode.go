package twpl

// Mode identifies which of the two holder states a Lock (or an Acquire
// call) refers to.
type Mode int

const (
	// ModeNone means the Lock object holds nothing.
	ModeNone Mode = iota
	// ModeExclusive is the writer mode: at most one holder across
	// processes, and it excludes every concurrent holder.
	ModeExclusive
	// ModeConcurrent is the reader mode: any number of holders allowed,
	// across any number of processes, as long as no writer holds it.
	ModeConcurrent
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeExclusive:
		return "EXCLUSIVE"
	case ModeConcurrent:
		return "CONCURRENT"
	default:
		return "UNKNOWN"
	}
}

// IsNone reports whether m is ModeNone, the Go equivalent of the Python
// original's `lock.mode is None` check.
func (m Mode) IsNone() bool { return m == ModeNone }

// State is the observable snapshot of a Lock object's own holder
// accounting. It never reports another process's, or another object's,
// holds on the same path.
type State struct {
	Mode       Mode
	Exclusive  bool
	Concurrent int
}
