// Package bus provides the topic-keyed event dispatcher that connects the
// session orchestrator to its consumers (UI bindings, logging, tests).
//
// Dispatch is synchronous and in registration order. A panicking listener is
// recovered and logged without affecting its siblings, so one buggy consumer
// cannot take down the dispatcher or starve other listeners. There are no
// wildcard topics and no ordering guarantees across topics.
package bus

import (
	"log/slog"
	"sync"
)

// Topic identifies an event stream on the bus. The constants below are the
// stable names exposed to consumers; payload shapes are documented on each.
type Topic string

const (
	// TopicInitialized fires once the orchestrator finished Initialize.
	TopicInitialized Topic = "initialized"

	// TopicConnecting fires when a session enters the connecting phase.
	// Payload: SessionPayload.
	TopicConnecting Topic = "connecting"

	// TopicConnected fires when the control channel reached open.
	// Payload: SessionPayload.
	TopicConnected Topic = "connected"

	// TopicSessionStarted fires when a session is fully active.
	// Payload: SessionPayload.
	TopicSessionStarted Topic = "sessionStarted"

	// TopicSessionStopped fires after every resource of a session is closed.
	// Payload: SessionPayload.
	TopicSessionStopped Topic = "sessionStopped"

	// TopicSessionCreated / TopicSessionUpdated relay the remote peer's
	// session lifecycle events. Payload: json.RawMessage of the event.
	TopicSessionCreated Topic = "sessionCreated"
	TopicSessionUpdated Topic = "sessionUpdated"

	// TopicUserSpeechStarted / TopicUserSpeechStopped relay server-side VAD.
	TopicUserSpeechStarted Topic = "userSpeechStarted"
	TopicUserSpeechStopped Topic = "userSpeechStopped"

	// TopicAISpeechStarted / TopicAISpeechEnded bracket assistant audio
	// playback as tracked by the protocol handler.
	TopicAISpeechStarted Topic = "aiSpeechStarted"
	TopicAISpeechEnded   Topic = "aiSpeechEnded"

	// Transcript topics. Delta payloads are strings, complete payloads are
	// finalized conversation turns.
	TopicAITranscriptDelta      Topic = "aiTranscriptDelta"
	TopicAITranscriptComplete   Topic = "aiTranscriptComplete"
	TopicUserTranscriptDelta    Topic = "userTranscriptDelta"
	TopicUserTranscriptComplete Topic = "userTranscriptComplete"

	// TopicAudioData carries opaque assistant audio chunks ([]byte).
	TopicAudioData Topic = "audioData"

	// TopicAudioDeviceChanged reports the active output device (audiodevice.Device).
	TopicAudioDeviceChanged Topic = "audioDeviceChanged"

	// TopicAudioOnlyMode fires when the control channel could not be
	// established and the session continues in degraded mode.
	TopicAudioOnlyMode Topic = "audioOnlyMode"

	// TopicRateLimitsUpdated relays remote rate-limit updates.
	TopicRateLimitsUpdated Topic = "rateLimitsUpdated"

	// TopicStateChanged carries a state snapshot on every transition.
	TopicStateChanged Topic = "stateChanged"

	// TopicError carries ErrorPayload for every surfaced failure.
	TopicError Topic = "error"

	// TopicUserEndedSession fires when the user explicitly stopped a session.
	TopicUserEndedSession Topic = "userEndedSession"

	// TopicResponseCompleted fires on the remote generation-complete signal.
	TopicResponseCompleted Topic = "responseCompleted"

	// TopicOutputAudioBufferStopped relays the remote buffer-drained signal.
	TopicOutputAudioBufferStopped Topic = "outputAudioBufferStopped"

	// TopicMessage carries events of types the protocol layer does not
	// handle specifically (*realtime.ServerEvent).
	TopicMessage Topic = "message"
)

// ErrorPayload is the payload shape for TopicError. Type is one of the error
// kinds documented in the orchestrator package.
type ErrorPayload struct {
	Type string
	Err  error
}

// SessionPayload is the payload for session lifecycle topics.
type SessionPayload struct {
	SessionID  string
	ScenarioID string
	Level      string
	AudioOnly  bool
}

// Listener receives the payload published on a topic.
type Listener func(payload any)

type registration struct {
	id int
	fn Listener
}

// Bus is a synchronous topic dispatcher. The zero value is not usable; create
// instances with New. All methods are safe for concurrent use, though dispatch
// itself runs inline on the emitting goroutine.
type Bus struct {
	mu        sync.Mutex
	listeners map[Topic][]registration
	nextID    int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[Topic][]registration)}
}

// On registers fn for topic and returns a subscription ID usable with Off.
func (b *Bus) On(topic Topic, fn Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[topic] = append(b.listeners[topic], registration{id: b.nextID, fn: fn})
	return b.nextID
}

// Off removes the subscription with the given ID from topic. Unknown IDs are
// ignored.
func (b *Bus) Off(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[topic]
	for i, reg := range regs {
		if reg.id == id {
			b.listeners[topic] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit publishes payload to every listener of topic, synchronously and in
// registration order. A panic inside a listener is recovered and logged; the
// remaining listeners still run.
func (b *Bus) Emit(topic Topic, payload any) {
	b.mu.Lock()
	regs := make([]registration, len(b.listeners[topic]))
	copy(regs, b.listeners[topic])
	b.mu.Unlock()

	for _, reg := range regs {
		invoke(topic, reg, payload)
	}
}

func invoke(topic Topic, reg registration, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: listener panicked",
				"topic", string(topic),
				"listener_id", reg.id,
				"panic", r,
			)
		}
	}()
	reg.fn(payload)
}

// RemoveAll drops every listener of the given topics, or every listener on
// the bus when called without arguments.
func (b *Bus) RemoveAll(topics ...Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(topics) == 0 {
		b.listeners = make(map[Topic][]registration)
		return
	}
	for _, t := range topics {
		delete(b.listeners, t)
	}
}
