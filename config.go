package kmutex

import (
	"flag"
	"time"

	"github.com/neilotoole/kmutex/internal/backoff"
)

// Config holds the tunables of a Subsystem.
type Config struct {
	// BackoffMin and BackoffMax bound the pause iterations of one spin
	// backoff round. The curve is a tuning policy only.
	BackoffMin int
	BackoffMax int

	// Debug enables the lock validator (unless one is supplied), the
	// priority-level assertion on adaptive acquire, and the spin
	// timeout.
	Debug bool

	// SpinTimeout is how long a contender may spin on one acquire before
	// it is reported as spun too long. It only applies when Debug is set,
	// and zero disables it.
	SpinTimeout time.Duration

	// SlowThreshold is the wait after which an acquire is logged as
	// slow. Zero disables slow acquire logging.
	SlowThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BackoffMin:  backoff.DefaultMin,
		BackoffMax:  backoff.DefaultMax,
		SpinTimeout: 10 * time.Second,
	}
}

// RegisterFlags registers c's fields on fs, using the current values of
// c as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.BackoffMin, "backoff-min", c.BackoffMin, "pause iterations of the first spin backoff round")
	fs.IntVar(&c.BackoffMax, "backoff-max", c.BackoffMax, "cap on pause iterations per spin backoff round")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable lock validation and debug assertions")
	fs.DurationVar(&c.SpinTimeout, "spin-timeout", c.SpinTimeout, "abort a spin longer than this in debug mode (0 disables)")
	fs.DurationVar(&c.SlowThreshold, "slow-threshold", c.SlowThreshold, "log acquires that wait longer than this (0 disables)")
}

func (c *Config) newBackoff() backoff.Backoff {
	return backoff.New(c.BackoffMin, c.BackoffMax)
}
