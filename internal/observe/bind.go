package observe

import (
	"context"
	"sync"
	"time"

	"github.com/saem-app/saem/internal/bus"
)

// BindBus subscribes m to the session lifecycle traffic on events, so the
// orchestrator stays free of metric plumbing. It tracks per-session start
// times to feed the session duration histogram.
func BindBus(events *bus.Bus, m *Metrics) {
	b := &busBinder{metrics: m, startedAt: make(map[string]time.Time)}

	events.On(bus.TopicSessionStarted, b.onStarted)
	events.On(bus.TopicSessionStopped, b.onStopped)
	events.On(bus.TopicAudioOnlyMode, func(any) {
		m.AudioOnlyFallbacks.Add(context.Background(), 1)
	})
	events.On(bus.TopicError, func(payload any) {
		if p, ok := payload.(bus.ErrorPayload); ok {
			m.RecordSessionError(context.Background(), p.Type)
		}
	})
}

type busBinder struct {
	metrics *Metrics

	mu        sync.Mutex
	startedAt map[string]time.Time
}

func (b *busBinder) onStarted(payload any) {
	p, ok := payload.(bus.SessionPayload)
	if !ok {
		return
	}
	b.mu.Lock()
	b.startedAt[p.SessionID] = time.Now()
	b.mu.Unlock()

	ctx := context.Background()
	b.metrics.RecordSessionStart(ctx, "started")
	b.metrics.ActiveSessions.Add(ctx, 1)
}

func (b *busBinder) onStopped(payload any) {
	p, ok := payload.(bus.SessionPayload)
	if !ok {
		return
	}
	b.mu.Lock()
	started, had := b.startedAt[p.SessionID]
	delete(b.startedAt, p.SessionID)
	b.mu.Unlock()

	ctx := context.Background()
	b.metrics.SessionStops.Add(ctx, 1)
	if had {
		b.metrics.ActiveSessions.Add(ctx, -1)
		b.metrics.SessionDuration.Record(ctx, time.Since(started).Seconds())
	}
}
