package backoff

import "testing"

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Base: 10, Cap: 1000, Jitter: 0} // nanoseconds, no jitter for determinism

	prev := p.Delay(0)
	for attempt := 1; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v should not be smaller than previous %v", attempt, d, prev)
		}
		if d > p.Cap {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, p.Cap)
		}
		prev = d
	}
}

func TestDelayNegativeAttemptTreatedAsZero(t *testing.T) {
	p := Policy{Base: 50, Cap: 1000, Jitter: 0}
	if got, want := p.Delay(-1), p.Delay(0); got != want {
		t.Fatalf("Delay(-1) = %v, want Delay(0) = %v", got, want)
	}
}

func TestDelayJitterStaysWithinBounds(t *testing.T) {
	p := Policy{Base: 100, Cap: 100, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		if d < 50 || d > 150 {
			t.Fatalf("jittered delay %v outside expected [50,150] range", d)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	if p.Base <= 0 || p.Cap <= 0 {
		t.Fatalf("expected positive base/cap, got base=%v cap=%v", p.Base, p.Cap)
	}
	if p.Delay(0) <= 0 {
		t.Fatal("expected a positive delay from the default policy")
	}
}
