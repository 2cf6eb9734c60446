package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, 10*time.Second)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(3 * time.Second)) {
		t.Fatalf("fourth event inside the window should be rejected")
	}
	if got := rl.RetryAfter(base.Add(3 * time.Second)); got != 7*time.Second {
		t.Fatalf("retry after: got %v want 7s", got)
	}
	if !rl.Allow(base.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("event after the first expired should be allowed")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults: got %d/%v", rl.limit, rl.window)
	}
	if rl.RetryAfter(time.Now()) != 0 {
		t.Fatalf("fresh limiter should not ask to wait")
	}
}
