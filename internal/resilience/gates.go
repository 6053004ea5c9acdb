package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRecentUserStop is returned when an automated start arrives inside the
// user-intent latch window after a user-initiated stop.
var ErrRecentUserStop = errors.New("session recently ended by user, wait a moment before starting a new conversation")

// SessionDebounce suppresses rapid same-scenario restarts. A start for the
// same scenario strictly inside the window of the previous admitted start is
// reported as a duplicate; the caller treats it as a no-op success.
type SessionDebounce struct {
	window time.Duration

	mu        sync.Mutex
	last      map[string]time.Time
	now       func() time.Time
}

// NewSessionDebounce creates a debounce with the given suppression window.
func NewSessionDebounce(window time.Duration) *SessionDebounce {
	return &SessionDebounce{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// ShouldSuppress reports whether a start for scenarioID arriving now falls
// strictly inside the window of the previous admitted start. An admitted
// start records its timestamp; a suppressed one does not extend the window.
func (d *SessionDebounce) ShouldSuppress(scenarioID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if prev, ok := d.last[scenarioID]; ok && now.Sub(prev) < d.window {
		return true
	}
	d.last[scenarioID] = now
	return false
}

// Reset forgets all recorded starts.
func (d *SessionDebounce) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[string]time.Time)
}

// ConnectionCooldown enforces minimum spacing between connection attempts by
// sleeping out the remainder of the interval. It delays, never rejects.
type ConnectionCooldown struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewConnectionCooldown creates a cooldown with the given minimum spacing.
func NewConnectionCooldown(interval time.Duration) *ConnectionCooldown {
	return &ConnectionCooldown{interval: interval, now: time.Now}
}

// Wait blocks until the interval since the previous attempt has elapsed, then
// records this attempt. It returns early with ctx.Err() on cancellation.
func (c *ConnectionCooldown) Wait(ctx context.Context) error {
	c.mu.Lock()
	now := c.now()
	remaining := c.interval - now.Sub(c.last)
	if remaining <= 0 {
		c.last = now
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	slog.Debug("connection cooldown active", "wait", remaining)
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	c.mu.Lock()
	c.last = c.now()
	c.mu.Unlock()
	return nil
}

// Reset forgets the previous attempt so the next Wait returns immediately.
func (c *ConnectionCooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = time.Time{}
}

// UserIntentLatch remembers a user-initiated stop for a window and rejects
// automated restarts inside it. User-initiated starts bypass the latch and
// clear it.
type UserIntentLatch struct {
	window time.Duration

	mu        sync.Mutex
	stoppedAt time.Time
	now       func() time.Time
}

// NewUserIntentLatch creates a latch with the given window.
func NewUserIntentLatch(window time.Duration) *UserIntentLatch {
	return &UserIntentLatch{window: window, now: time.Now}
}

// NoteUserStop arms the latch.
func (l *UserIntentLatch) NoteUserStop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stoppedAt = l.now()
}

// Admit reports whether a start attempt may proceed. User-initiated attempts
// always pass and clear the latch; automated attempts inside the window get
// [ErrRecentUserStop].
func (l *UserIntentLatch) Admit(userInitiated bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if userInitiated {
		l.stoppedAt = time.Time{}
		return nil
	}
	if !l.stoppedAt.IsZero() && l.now().Sub(l.stoppedAt) < l.window {
		return ErrRecentUserStop
	}
	return nil
}

// Reset clears the latch.
func (l *UserIntentLatch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stoppedAt = time.Time{}
}

// GatesConfig tunes the composed admission gates.
type GatesConfig struct {
	Breaker  CircuitBreakerConfig
	Debounce time.Duration
	Cooldown time.Duration
	Latch    time.Duration
}

// Gates composes the four admission gates in their fixed order:
// circuit breaker, user-intent latch, session debounce, connection cooldown.
type Gates struct {
	Breaker  *CircuitBreaker
	Debounce *SessionDebounce
	Cooldown *ConnectionCooldown
	Latch    *UserIntentLatch
}

// NewGates constructs the composed gates. Zero durations fall back to the
// production defaults (2s debounce, 2s cooldown, 5s latch).
func NewGates(cfg GatesConfig) *Gates {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	if cfg.Latch <= 0 {
		cfg.Latch = 5 * time.Second
	}
	return &Gates{
		Breaker:  NewCircuitBreaker(cfg.Breaker),
		Debounce: NewSessionDebounce(cfg.Debounce),
		Cooldown: NewConnectionCooldown(cfg.Cooldown),
		Latch:    NewUserIntentLatch(cfg.Latch),
	}
}

// Admission is the outcome of [Gates.Admit]. Duplicate means the attempt was
// debounced and should be reported as a no-op success.
type Admission struct {
	Proceed   bool
	Duplicate bool
}

// Admit runs a start attempt through the gates in order. A breaker or latch
// rejection returns an error; a debounce hit returns Duplicate; otherwise the
// cooldown is waited out and the attempt proceeds.
func (g *Gates) Admit(ctx context.Context, scenarioID string, userInitiated bool) (Admission, error) {
	if err := g.Breaker.Allow(); err != nil {
		return Admission{}, err
	}
	if err := g.Latch.Admit(userInitiated); err != nil {
		return Admission{}, err
	}
	if g.Debounce.ShouldSuppress(scenarioID) {
		return Admission{Duplicate: true}, nil
	}
	if err := g.Cooldown.Wait(ctx); err != nil {
		return Admission{}, err
	}
	return Admission{Proceed: true}, nil
}

// ResetToCleanState restores every gate to its initial state. Called from
// orchestrator initialize and destroy.
func (g *Gates) ResetToCleanState() {
	g.Breaker.Reset()
	g.Debounce.Reset()
	g.Cooldown.Reset()
	g.Latch.Reset()
}
