package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDebounceSuppressesStrictlyInsideWindow(t *testing.T) {
	d := NewSessionDebounce(2 * time.Second)
	base := time.Unix(1000, 0)
	d.now = func() time.Time { return base }

	if d.ShouldSuppress("cafe") {
		t.Fatal("first start suppressed")
	}

	// 1999ms later: strictly inside the window.
	d.now = func() time.Time { return base.Add(1999 * time.Millisecond) }
	if !d.ShouldSuppress("cafe") {
		t.Error("start at 1999ms not suppressed")
	}

	// Exactly 2000ms later: boundary is not suppressed.
	d.now = func() time.Time { return base.Add(2000 * time.Millisecond) }
	if d.ShouldSuppress("cafe") {
		t.Error("start at exactly 2000ms suppressed")
	}
}

func TestDebounceIsPerScenario(t *testing.T) {
	d := NewSessionDebounce(2 * time.Second)
	base := time.Unix(1000, 0)
	d.now = func() time.Time { return base }

	if d.ShouldSuppress("cafe") {
		t.Fatal("first cafe start suppressed")
	}
	if d.ShouldSuppress("market") {
		t.Fatal("different scenario suppressed")
	}
}

func TestDebounceSuppressedStartDoesNotExtendWindow(t *testing.T) {
	d := NewSessionDebounce(2 * time.Second)
	base := time.Unix(1000, 0)
	d.now = func() time.Time { return base }
	d.ShouldSuppress("cafe")

	d.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	if !d.ShouldSuppress("cafe") {
		t.Fatal("start at 1500ms not suppressed")
	}

	// 2100ms after the original admitted start. If the suppressed start had
	// extended the window this would still be suppressed.
	d.now = func() time.Time { return base.Add(2100 * time.Millisecond) }
	if d.ShouldSuppress("cafe") {
		t.Error("suppressed start extended the debounce window")
	}
}

func TestCooldownDelaysSecondAttempt(t *testing.T) {
	c := NewConnectionCooldown(50 * time.Millisecond)
	ctx := context.Background()

	if err := c.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	start := time.Now()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second Wait returned after %s, want ≥ ~50ms", elapsed)
	}
}

func TestCooldownHonorsContext(t *testing.T) {
	c := NewConnectionCooldown(time.Minute)
	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

func TestLatchRejectsAutomatedStartsInsideWindow(t *testing.T) {
	l := NewUserIntentLatch(5 * time.Second)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }
	l.NoteUserStop()

	l.now = func() time.Time { return base.Add(3 * time.Second) }
	if err := l.Admit(false); !errors.Is(err, ErrRecentUserStop) {
		t.Fatalf("automated start inside window: %v, want ErrRecentUserStop", err)
	}

	l.now = func() time.Time { return base.Add(5 * time.Second) }
	if err := l.Admit(false); err != nil {
		t.Fatalf("automated start at window edge: %v, want admitted", err)
	}
}

func TestLatchUserStartBypassesAndClears(t *testing.T) {
	l := NewUserIntentLatch(5 * time.Second)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }
	l.NoteUserStop()

	if err := l.Admit(true); err != nil {
		t.Fatalf("user start rejected: %v", err)
	}
	// The user start cleared the latch; an automated start right after passes.
	if err := l.Admit(false); err != nil {
		t.Fatalf("automated start after user start: %v, want admitted", err)
	}
}

func TestGatesOrderBreakerBeforeLatch(t *testing.T) {
	g := NewGates(GatesConfig{
		Breaker:  CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute},
		Cooldown: time.Millisecond,
	})
	g.Breaker.RecordFailure()
	g.Latch.NoteUserStop()

	_, err := g.Admit(context.Background(), "cafe", false)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want the breaker rejection to win", err)
	}
}

func TestGatesDuplicate(t *testing.T) {
	g := NewGates(GatesConfig{Cooldown: time.Millisecond})
	ctx := context.Background()

	adm, err := g.Admit(ctx, "cafe", true)
	if err != nil || !adm.Proceed {
		t.Fatalf("first admit: adm=%+v err=%v", adm, err)
	}
	adm, err = g.Admit(ctx, "cafe", true)
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if !adm.Duplicate || adm.Proceed {
		t.Fatalf("second admit = %+v, want Duplicate", adm)
	}
}

func TestGatesResetToCleanState(t *testing.T) {
	g := NewGates(GatesConfig{
		Breaker:  CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute},
		Cooldown: time.Millisecond,
	})
	g.Breaker.RecordFailure()
	g.Latch.NoteUserStop()
	g.Debounce.ShouldSuppress("cafe")

	g.ResetToCleanState()

	adm, err := g.Admit(context.Background(), "cafe", false)
	if err != nil {
		t.Fatalf("admit after reset: %v", err)
	}
	if !adm.Proceed {
		t.Fatalf("admit after reset = %+v, want Proceed", adm)
	}
}
