package dmclient

import (
	"testing"
	"time"
)

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	b.Jitter = 0

	cases := map[int]time.Duration{
		0:  500 * time.Millisecond,
		1:  500 * time.Millisecond,
		2:  time.Second,
		3:  2 * time.Second,
		6:  16 * time.Second,
		7:  30 * time.Second,
		50: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := b.Delay(attempt); got != want {
			t.Fatalf("Delay(%d)=%s want=%s", attempt, got, want)
		}
	}
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()

	if got, want := b.delay(2, 0), 800*time.Millisecond; got != want {
		t.Fatalf("low jitter=%s want=%s", got, want)
	}
	if got, want := b.delay(2, 1), 1200*time.Millisecond; got != want {
		t.Fatalf("high jitter=%s want=%s", got, want)
	}
	if got := b.delay(20, 1); got != b.Max {
		t.Fatalf("jitter must not exceed max: got=%s", got)
	}

	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("Delay(3)=%s outside jitter window", d)
		}
	}
}

func TestBackoff_ZeroValueUsesDefaults(t *testing.T) {
	t.Parallel()

	var b Backoff
	if got := b.delay(1, 0.5); got != 500*time.Millisecond {
		t.Fatalf("zero backoff first delay=%s", got)
	}
	if b.exhausted(1000) {
		t.Fatalf("zero MaxAttempts should retry forever")
	}
	if !DefaultBackoff().exhausted(10) || DefaultBackoff().exhausted(9) {
		t.Fatalf("default budget should be exactly 10 failures")
	}
}
