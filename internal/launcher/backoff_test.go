package launcher

import (
	"testing"
	"time"
)

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	if cfg.Initial != 500*time.Millisecond || cfg.Max != 10*time.Second || cfg.Multiplier != 1.7 || cfg.JitterPct != 0.4 {
		t.Errorf("DefaultBackoffConfig() = %+v", cfg)
	}
}

func TestBackoff_Calculate_NoJitter(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		initial  time.Duration
		max      time.Duration
		mult     float64
		want     time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond, 10 * time.Second, 2.0, 100 * time.Millisecond},
		{"attempt 1", 1, 100 * time.Millisecond, 10 * time.Second, 2.0, 200 * time.Millisecond},
		{"attempt 3", 3, 100 * time.Millisecond, 10 * time.Second, 2.0, 800 * time.Millisecond},
		{"capped at max", 10, 100 * time.Millisecond, time.Second, 2.0, time.Second},
		{"multiplier 1.5", 2, 100 * time.Millisecond, 10 * time.Second, 1.5, 225 * time.Millisecond},
		{"no growth", 5, 100 * time.Millisecond, 10 * time.Second, 1.0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(0, 0, BackoffConfig{Initial: tt.initial, Max: tt.max, Multiplier: tt.mult})
			for i := 0; i < tt.attempts; i++ {
				b.Next()
			}
			if got := b.Calculate(); got != tt.want {
				t.Errorf("Calculate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 1, JitterPct: 0.4}
	b := NewBackoff(7, 42, cfg)
	for i := 0; i < 100; i++ {
		d := b.Next()
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("Next() = %v, outside ±20%%", d)
		}
	}
}

func TestBackoff_DeterministicPerSlot(t *testing.T) {
	cfg := DefaultBackoffConfig()
	a := NewBackoff(3, 99, cfg)
	b := NewBackoff(3, 99, cfg)
	c := NewBackoff(4, 99, cfg)

	same, differ := true, false
	for i := 0; i < 5; i++ {
		da, db, dc := a.Next(), b.Next(), c.Next()
		if da != db {
			same = false
		}
		if da != dc {
			differ = true
		}
	}
	if !same {
		t.Error("same slot and seed produced different delays")
	}
	if !differ {
		t.Error("different slots produced identical delays")
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(0, 0, BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2})
	b.Next()
	b.Next()
	if b.Attempts() != 2 {
		t.Fatalf("Attempts() = %d", b.Attempts())
	}
	b.Reset()
	if b.Attempts() != 0 || b.Calculate() != 100*time.Millisecond {
		t.Errorf("after Reset: attempts=%d delay=%v", b.Attempts(), b.Calculate())
	}
}

func TestShouldReset(t *testing.T) {
	tests := []struct {
		uptime time.Duration
		want   bool
	}{
		{0, false},
		{StableUptime - time.Millisecond, false},
		{StableUptime, true},
		{time.Hour, true},
	}
	for _, tt := range tests {
		if got := ShouldReset(tt.uptime); got != tt.want {
			t.Errorf("ShouldReset(%v) = %v, want %v", tt.uptime, got, tt.want)
		}
	}
}
