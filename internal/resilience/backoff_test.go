package resilience

import (
	"testing"
	"time"
)

func TestReconnectPolicy_DelayFormula(t *testing.T) {
	p := NewReconnectPolicy(0, 0)

	tests := []struct {
		attempts uint
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{40, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempts); got != tt.expected {
			t.Errorf("Delay(%d): expected %v, got %v", tt.attempts, tt.expected, got)
		}
	}
}

func TestReconnectPolicy_FailuresAreMonotonic(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewReconnectPolicy(time.Second, 30*time.Second).WithClock(func() time.Time { return now })

	var prev uint
	for n := uint(1); n <= 7; n++ {
		delay := p.Failure()

		if p.Attempts() <= prev {
			t.Fatalf("attempts did not increase: prev=%d now=%d", prev, p.Attempts())
		}
		prev = p.Attempts()

		want := time.Duration(1000*(1<<n)) * time.Millisecond
		if want > 30*time.Second {
			want = 30 * time.Second
		}
		if delay != want {
			t.Errorf("failure %d: expected delay %v, got %v", n, want, delay)
		}
		if !p.CooldownUntil().Equal(now.Add(want)) {
			t.Errorf("failure %d: expected cooldown %v, got %v", n, now.Add(want), p.CooldownUntil())
		}
	}

	p.Opened()
	if p.Attempts() != 0 {
		t.Errorf("Expected attempts reset to 0 after open, got %d", p.Attempts())
	}
}

func TestReconnectPolicy_Cooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewReconnectPolicy(time.Second, 30*time.Second).WithClock(func() time.Time { return now })

	if !p.CanAttempt() {
		t.Fatal("Expected a fresh policy to allow attempts")
	}

	delay := p.Failure()
	if p.CanAttempt() {
		t.Error("Expected cooldown to block an immediate attempt")
	}

	now = now.Add(delay - time.Millisecond)
	if p.CanAttempt() {
		t.Error("Expected cooldown to block an attempt just before it elapses")
	}

	now = now.Add(time.Millisecond)
	if !p.CanAttempt() {
		t.Error("Expected attempt to be allowed once cooldown elapsed")
	}
}

func TestReconnectPolicy_Reset(t *testing.T) {
	p := NewReconnectPolicy(time.Second, 30*time.Second)
	p.Failure()
	p.Failure()
	p.Reset()

	if p.Attempts() != 0 || !p.CooldownUntil().IsZero() || !p.CanAttempt() {
		t.Error("Expected Reset to clear attempts and cooldown")
	}
}
