package twpl

import "time"

// DefaultPollInterval is the poll cadence New gives a Lock when the caller
// passes none; Acquire/Exclusive/Concurrent calls use the Lock's cadence
// unless they override it.
const DefaultPollInterval = 100 * time.Millisecond

// acquireConfig is the resolved set of per-call parameters for Acquire,
// Exclusive, and Concurrent. Built from AcquireOption the same way
// gofrs/flock builds a *Flock from its functional Option values.
type acquireConfig struct {
	pollInterval time.Duration
	timeout      time.Duration
	hasTimeout   bool
}

// AcquireOption configures a single Acquire/Exclusive/Concurrent call.
type AcquireOption func(*acquireConfig)

// WithPollInterval overrides the Lock's default poll cadence for one call.
func WithPollInterval(d time.Duration) AcquireOption {
	return func(c *acquireConfig) { c.pollInterval = d }
}

// WithTimeout bounds the call's overall wait. Without it, Acquire blocks
// indefinitely.
func WithTimeout(d time.Duration) AcquireOption {
	return func(c *acquireConfig) {
		c.timeout = d
		c.hasTimeout = true
	}
}

func newAcquireConfig(lockDefault time.Duration, opts []AcquireOption) acquireConfig {
	cfg := acquireConfig{pollInterval: lockDefault}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c acquireConfig) validate() error {
	if c.pollInterval <= 0 {
		return &ValueError{Msg: "poll interval must be a positive duration"}
	}
	if c.hasTimeout && c.timeout < 0 {
		return &ValueError{Msg: "timeout must not be negative"}
	}
	return nil
}
