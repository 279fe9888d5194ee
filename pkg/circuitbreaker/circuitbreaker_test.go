package circuitbreaker

import (
	"testing"
	"time"
)

// fakeClock drives the breaker's time source in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := New(cfg)
	b.now = clock.now
	return b, clock
}

func TestAllowFirstAttempt(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	if !b.Allow() {
		t.Fatal("first attempt should be allowed")
	}
}

func TestAllowEnforcesMinInterval(t *testing.T) {
	b, clock := newTestBreaker(Config{MaxFailures: 3, MinInterval: 5 * time.Second})

	if !b.Allow() {
		t.Fatal("first attempt should be allowed")
	}
	if b.Allow() {
		t.Error("second attempt within the interval should be denied")
	}

	clock.advance(5 * time.Second)
	if !b.Allow() {
		t.Error("attempt after the interval should be allowed")
	}
}

func TestExhaustedAfterMaxFailures(t *testing.T) {
	b, clock := newTestBreaker(Config{MaxFailures: 3, MinInterval: time.Second})

	for i := 0; i < 3; i++ {
		if b.Exhausted() {
			t.Fatalf("breaker exhausted after %d failures", i)
		}
		b.Failure()
		clock.advance(time.Second)
	}

	if !b.Exhausted() {
		t.Error("breaker should be exhausted after 3 failures")
	}
	if b.Allow() {
		t.Error("exhausted breaker must deny attempts")
	}
	if d := b.NextAttemptIn(); d != -1 {
		t.Errorf("expected -1 from exhausted breaker, got %v", d)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	b, clock := newTestBreaker(Config{MaxFailures: 3, MinInterval: time.Second})

	b.Failure()
	b.Failure()
	b.Success()
	if b.Failures() != 0 {
		t.Errorf("expected 0 failures after success, got %d", b.Failures())
	}

	// The budget is fully restored.
	for i := 0; i < 2; i++ {
		b.Failure()
		clock.advance(time.Second)
	}
	if b.Exhausted() {
		t.Error("breaker should not be exhausted after reset and 2 failures")
	}
}

func TestNextAttemptIn(t *testing.T) {
	b, clock := newTestBreaker(Config{MaxFailures: 3, MinInterval: 5 * time.Second})

	if d := b.NextAttemptIn(); d != 0 {
		t.Errorf("expected 0 before any attempt, got %v", d)
	}

	b.Allow()
	if d := b.NextAttemptIn(); d != 5*time.Second {
		t.Errorf("expected full interval remaining, got %v", d)
	}

	clock.advance(3 * time.Second)
	if d := b.NextAttemptIn(); d != 2*time.Second {
		t.Errorf("expected 2s remaining, got %v", d)
	}

	clock.advance(3 * time.Second)
	if d := b.NextAttemptIn(); d != 0 {
		t.Errorf("expected 0 after interval elapsed, got %v", d)
	}
}
