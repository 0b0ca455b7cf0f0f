package launcher

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the exponential backoff used between relaunches.
type BackoffConfig struct {
	Initial    time.Duration // first delay (default: 500ms)
	Max        time.Duration // delay cap (default: 10s)
	Multiplier float64       // growth per attempt (default: 1.7)
	JitterPct  float64       // jitter as a fraction of the delay (default: 0.4 = ±20%)
}

// DefaultBackoffConfig returns the relaunch defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 1.7,
		JitterPct:  0.4,
	}
}

// Backoff calculates relaunch delays for one worker slot. Jitter is seeded
// per slot so simultaneous crashes do not relaunch in lockstep.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a backoff for a slot.
func NewBackoff(slot int, seed int64, cfg BackoffConfig) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(int64(slot) ^ seed)),
	}
}

// Next returns the next delay and counts the attempt.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without counting an attempt.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset sets the attempt counter back to zero.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int { return b.attempts }

// StableUptime is how long a worker must live before its slot's backoff
// resets.
const StableUptime = 30 * time.Second

// ShouldReset reports whether a worker that lived for uptime counts as
// stable.
func ShouldReset(uptime time.Duration) bool {
	return uptime >= StableUptime
}
