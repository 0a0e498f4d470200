package manager

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		limit   time.Duration
		jitter  float64
		want    time.Duration
	}{
		{"first attempt low jitter", 0, time.Second, 30 * time.Second, 0, 850 * time.Millisecond},
		{"first attempt mid jitter", 0, time.Second, 30 * time.Second, 0.5, time.Second},
		{"doubles", 2, time.Second, 30 * time.Second, 0.5, 4 * time.Second},
		{"capped", 10, time.Second, 30 * time.Second, 0.5, 30 * time.Second},
		{"huge attempt capped", 100, time.Second, 30 * time.Second, 0.5, 30 * time.Second},
		{"negative attempt", -3, time.Second, 30 * time.Second, 0.5, time.Second},
		{"zero values use defaults", 0, 0, 0, 0.5, DefaultBaseDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Backoff(tt.attempt, tt.base, tt.limit, tt.jitter)
			if diff := got - tt.want; diff < -time.Microsecond || diff > time.Microsecond {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoff_StaysWithinJitterBounds(t *testing.T) {
	for attempt := range 8 {
		ideal := min(time.Second<<attempt, 30*time.Second)
		lo := Backoff(attempt, time.Second, 30*time.Second, 0)
		hi := Backoff(attempt, time.Second, 30*time.Second, 0.999999)
		if lo < time.Duration(float64(ideal)*0.85) {
			t.Errorf("attempt %d: low delay %v below 0.85x of %v", attempt, lo, ideal)
		}
		if hi > time.Duration(float64(ideal)*1.15) {
			t.Errorf("attempt %d: high delay %v above 1.15x of %v", attempt, hi, ideal)
		}
		if lo >= hi {
			t.Errorf("attempt %d: jitter should widen the delay (%v >= %v)", attempt, lo, hi)
		}
	}
}
