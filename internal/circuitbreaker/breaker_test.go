package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func trip(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestAllowUntilThreshold(t *testing.T) {
	b := New(3, time.Minute)

	trip(b, "lms", 2)
	if !b.Allow("lms") {
		t.Fatal("two failures with threshold three should stay closed")
	}

	b.RecordFailure("lms")
	if b.Allow("lms") {
		t.Fatal("third failure should trip the circuit")
	}
	if got := b.State("lms"); got != StateOpen {
		t.Fatalf("State(lms) = %v, want open", got)
	}
}

func TestProbeAfterOpenDuration(t *testing.T) {
	b := New(2, 40*time.Millisecond)
	trip(b, "lms", 2)

	if b.Allow("lms") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(50 * time.Millisecond)

	if !b.Allow("lms") {
		t.Fatal("first request after open duration should be allowed as a probe")
	}
	if got := b.State("lms"); got != StateHalfOpen {
		t.Fatalf("State(lms) = %v, want half_open", got)
	}
	if b.Allow("lms") {
		t.Fatal("only one probe may be in flight while half-open")
	}
}

func TestProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b := New(2, 40*time.Millisecond)
		trip(b, "lms", 2)
		time.Sleep(50 * time.Millisecond)
		b.Allow("lms")

		b.RecordSuccess("lms")
		if got := b.State("lms"); got != StateClosed {
			t.Fatalf("State(lms) = %v, want closed", got)
		}
		if !b.Allow("lms") {
			t.Fatal("recovered circuit should allow requests")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(2, 40*time.Millisecond)
		trip(b, "lms", 2)
		time.Sleep(50 * time.Millisecond)
		b.Allow("lms")

		b.RecordFailure("lms")
		if got := b.State("lms"); got != StateOpen {
			t.Fatalf("State(lms) = %v, want open", got)
		}
	})
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)

	trip(b, "lms", 2)
	b.RecordSuccess("lms")
	b.RecordFailure("lms")

	if !b.Allow("lms") {
		t.Fatal("a success should reset the consecutive failure count")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, time.Minute)
	trip(b, "lms", 2)

	if b.Allow("lms") {
		t.Fatal("lms should be open")
	}
	if !b.Allow("catalog") {
		t.Fatal("catalog should be unaffected by lms failures")
	}
	if got := b.State("catalog"); got != StateClosed {
		t.Fatalf("State(catalog) = %v, want closed", got)
	}
}

func TestOnTransition(t *testing.T) {
	b := New(2, time.Minute)

	var mu sync.Mutex
	var got []State
	done := make(chan struct{})
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		got = append(got, from, to)
		mu.Unlock()
		close(done)
	})

	trip(b, "lms", 2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transition callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != StateClosed || got[1] != StateOpen {
		t.Fatalf("transition = %v, want [closed open]", got)
	}
}

func TestStateString(t *testing.T) {
	for want, s := range map[string]State{
		"closed":    StateClosed,
		"open":      StateOpen,
		"half_open": StateHalfOpen,
		"unknown":   State(42),
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
