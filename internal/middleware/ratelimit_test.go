package middleware

import (
	"context"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, maxPerMinute int) *RateLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rl := NewRateLimiter(ctx, maxPerMinute)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiter_AllowBeforeFailure(t *testing.T) {
	rl := newTestRateLimiter(t, 5)

	if !rl.Allow("192.168.1.1") {
		t.Fatal("Allow should return true for unknown IP")
	}
	if rl.Tracked() != 0 {
		t.Fatalf("Allow should not start tracking an IP, tracked = %d", rl.Tracked())
	}
}

func TestRateLimiter_AllowSpendsNothing(t *testing.T) {
	rl := newTestRateLimiter(t, 2)
	rl.RecordFailure("10.0.0.1")

	for i := 0; i < 10; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("Allow call %d returned false with budget remaining", i)
		}
	}
}

func TestRateLimiter_ExceedLimit(t *testing.T) {
	rl := newTestRateLimiter(t, 3)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return frozen }

	for i := 0; i < 3; i++ {
		if !rl.RecordFailureAndAllow("10.0.0.1") {
			t.Fatalf("failure %d should be within budget", i)
		}
	}

	if rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("fourth failure should exceed the budget")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("Allow should return false after exceeding limit")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := newTestRateLimiter(t, 60)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("budget should be exhausted")
	}

	now = now.Add(2 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("one token per second should have refilled")
	}
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	rl := newTestRateLimiter(t, 2)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return frozen }

	for i := 0; i < 2; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("10.0.0.1 should be rate limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("10.0.0.2 should not be rate limited")
	}
}

func TestRateLimiter_DefaultMaxAttempts(t *testing.T) {
	rl := newTestRateLimiter(t, 0)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return frozen }

	for i := 0; i < DefaultMaxAttemptsPerMinute; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("should be rate limited after default max attempts")
	}
}

func TestRateLimiter_MaxTrackedIPs(t *testing.T) {
	rl := newTestRateLimiter(t, 5)
	rl.maxTrackedIPs = 3
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { now = now.Add(time.Second); return now }

	rl.RecordFailure("1.1.1.1")
	rl.RecordFailure("2.2.2.2")
	rl.RecordFailure("3.3.3.3")
	rl.RecordFailure("4.4.4.4")

	if got := rl.Tracked(); got != 3 {
		t.Fatalf("expected 3 tracked IPs, got %d", got)
	}
	rl.mu.Lock()
	_, oldest := rl.entries["1.1.1.1"]
	rl.mu.Unlock()
	if oldest {
		t.Fatal("expected the oldest IP to be evicted")
	}
}

func TestRateLimiter_RemoveStale(t *testing.T) {
	rl := newTestRateLimiter(t, 5)

	rl.RecordFailure("stale.ip")
	rl.mu.Lock()
	rl.entries["stale.ip"].lastSeen = time.Now().Add(-10 * time.Minute)
	rl.mu.Unlock()

	rl.removeStale()

	if rl.Tracked() != 0 {
		t.Fatal("expected stale entry to be removed")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractIP(tt.input); got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
