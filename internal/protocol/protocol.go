// Package protocol implements the session control protocol on top of the
// transport's data channel: it decodes incoming events into bus traffic,
// assembles transcripts into the conversation history, tracks the
// AI-speaking state, and drives the initial session configuration handshake.
package protocol

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/saem-app/saem/internal/bus"
	"github.com/saem-app/saem/pkg/realtime"
)

// Sender transmits a control message to the remote peer.
type Sender interface {
	Send(data []byte) error
}

// Turn is one finalized entry of the conversation history.
type Turn struct {
	Role      string // "user" or "assistant"
	Text      string
	Timestamp time.Time
}

// Config configures a [Handler]. Events and Send are required.
type Config struct {
	Events *bus.Bus
	Send   Sender

	// Session parameters for the session.update handshake.
	Voice              string
	TranscriptionModel string
	VAD                realtime.TurnDetectionParams
	Temperature        float64

	// SpeakingGrace delays the speaking end after response.done;
	// SpeakingExtension re-arms it once when audio was still flowing.
	SpeakingGrace     time.Duration
	SpeakingExtension time.Duration

	// ResponseCreateDelay spaces response.create after session.update.
	ResponseCreateDelay time.Duration
}

// Handler is the per-connection protocol state machine. One Handler serves
// one session; Reset returns it to the clean state for reuse.
type Handler struct {
	events *bus.Bus
	send   Sender

	voice       string
	transcModel string
	vad         realtime.TurnDetectionParams
	temperature float64

	grace       time.Duration
	extension   time.Duration
	createDelay time.Duration

	mu sync.Mutex

	history []Turn
	lastTS  time.Time

	aiPartial   string
	userPartial string

	speaking bool
	// audioSinceArm flags audio deltas after the end timer was (re)armed;
	// the timer extends once instead of ending while audio still flows.
	audioSinceArm bool
	extended      bool
	endTimer      *time.Timer

	createTimer *time.Timer
}

// New creates a Handler in the clean state.
func New(cfg Config) *Handler {
	if cfg.SpeakingGrace <= 0 {
		cfg.SpeakingGrace = 5 * time.Second
	}
	if cfg.SpeakingExtension <= 0 {
		cfg.SpeakingExtension = 3 * time.Second
	}
	if cfg.ResponseCreateDelay <= 0 {
		cfg.ResponseCreateDelay = time.Second
	}
	return &Handler{
		events:      cfg.Events,
		send:        cfg.Send,
		voice:       cfg.Voice,
		transcModel: cfg.TranscriptionModel,
		vad:         cfg.VAD,
		temperature: cfg.Temperature,
		grace:       cfg.SpeakingGrace,
		extension:   cfg.SpeakingExtension,
		createDelay: cfg.ResponseCreateDelay,
	}
}

// OnChannelOpen runs the configuration handshake: session.update now, then
// response.create after the configured delay.
func (h *Handler) OnChannelOpen() {
	if err := h.SendSessionUpdate(); err != nil {
		h.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "send_message", Err: err})
		return
	}

	h.mu.Lock()
	h.createTimer = time.AfterFunc(h.createDelay, func() {
		if err := h.sendJSON(realtime.NewResponseCreate()); err != nil {
			h.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "send_message", Err: err})
		}
	})
	h.mu.Unlock()
}

// SendSessionUpdate (re)sends the session configuration. Scenario changes
// call this directly without re-running the response.create kick-off.
func (h *Handler) SendSessionUpdate() error {
	return h.sendJSON(realtime.NewSessionUpdate(h.voice, h.transcModel, h.vad, h.temperature))
}

func (h *Handler) sendJSON(v any) error {
	data, err := realtime.Marshal(v)
	if err != nil {
		return err
	}
	return h.send.Send(data)
}

// HandleMessage decodes and dispatches one raw control-channel message.
// Malformed payloads are logged and dropped; they never fail the session.
func (h *Handler) HandleMessage(data []byte) {
	evt, err := realtime.ParseServerEvent(data)
	if err != nil {
		slog.Warn("dropping undecodable control message", "err", err)
		return
	}

	switch evt.Type {
	case realtime.TypeSessionCreated:
		h.events.Emit(bus.TopicSessionCreated, evt)
	case realtime.TypeSessionUpdated:
		h.events.Emit(bus.TopicSessionUpdated, evt)

	case realtime.TypeSpeechStarted:
		h.events.Emit(bus.TopicUserSpeechStarted, nil)
	case realtime.TypeSpeechStopped:
		h.events.Emit(bus.TopicUserSpeechStopped, nil)

	case realtime.TypeAudioDelta:
		h.handleAudioDelta(evt)
	case realtime.TypeAudioDone:
		// Buffered audio is still playing out; the response.done timer or
		// the playback hook ends the speaking state.

	case realtime.TypeAudioTranscriptDelta:
		h.handleAITranscriptDelta(evt)
	case realtime.TypeAudioTranscriptDone:
		h.finalizeAITranscript()

	case realtime.TypeItemCreated:
		h.handleItemCreated(evt)
	case realtime.TypeInputTranscriptionDelta:
		h.handleUserTranscriptDelta(evt)
	case realtime.TypeInputTranscriptionCompleted:
		h.finalizeUserTranscript(evt.Transcript)

	case realtime.TypeResponseDone:
		h.events.Emit(bus.TopicResponseCompleted, evt)
		h.armSpeakingEnd()

	case realtime.TypeOutputAudioBufferStopped:
		h.events.Emit(bus.TopicOutputAudioBufferStopped, nil)

	case realtime.TypeRateLimitsUpdated:
		h.events.Emit(bus.TopicRateLimitsUpdated, evt.RateLimits)

	case realtime.TypeError:
		h.handleError(evt)

	default:
		h.events.Emit(bus.TopicMessage, evt)
	}
}

func (h *Handler) handleAudioDelta(evt *realtime.ServerEvent) {
	if evt.Delta == "" {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil || len(audio) == 0 {
		return
	}

	h.mu.Lock()
	h.audioSinceArm = true
	started := !h.speaking
	h.speaking = true
	h.mu.Unlock()

	if started {
		h.events.Emit(bus.TopicAISpeechStarted, nil)
	}
	h.events.Emit(bus.TopicAudioData, audio)
}

func (h *Handler) handleAITranscriptDelta(evt *realtime.ServerEvent) {
	if evt.Delta == "" {
		return
	}
	h.mu.Lock()
	h.aiPartial += evt.Delta
	h.mu.Unlock()
	h.events.Emit(bus.TopicAITranscriptDelta, evt.Delta)
}

func (h *Handler) finalizeAITranscript() {
	h.mu.Lock()
	text := h.aiPartial
	h.aiPartial = ""
	var turn Turn
	if text != "" {
		turn = h.appendTurnLocked("assistant", text)
	}
	h.mu.Unlock()

	if text != "" {
		h.events.Emit(bus.TopicAITranscriptComplete, turn)
	}
}

// handleItemCreated covers the user-audio item path: some server versions
// announce the user transcript on the conversation item instead of the
// input_audio_transcription events.
func (h *Handler) handleItemCreated(evt *realtime.ServerEvent) {
	if evt.Item == nil || evt.Item.Role != "user" {
		return
	}
	for _, part := range evt.Item.Content {
		if part.Transcript != "" {
			h.finalizeUserTranscript(part.Transcript)
			return
		}
	}
}

func (h *Handler) handleUserTranscriptDelta(evt *realtime.ServerEvent) {
	if evt.Delta == "" {
		return
	}
	h.mu.Lock()
	h.userPartial += evt.Delta
	h.mu.Unlock()
	h.events.Emit(bus.TopicUserTranscriptDelta, evt.Delta)
}

func (h *Handler) finalizeUserTranscript(transcript string) {
	h.mu.Lock()
	text := transcript
	if text == "" {
		text = h.userPartial
	}
	h.userPartial = ""
	var turn Turn
	if text != "" {
		turn = h.appendTurnLocked("user", text)
	}
	h.mu.Unlock()

	if text != "" {
		h.events.Emit(bus.TopicUserTranscriptComplete, turn)
	}
}

// appendTurnLocked appends to the history with monotone timestamps.
// Must hold h.mu.
func (h *Handler) appendTurnLocked(role, text string) Turn {
	ts := time.Now()
	if ts.Before(h.lastTS) {
		ts = h.lastTS
	}
	h.lastTS = ts
	turn := Turn{Role: role, Text: text, Timestamp: ts}
	h.history = append(h.history, turn)
	return turn
}

func (h *Handler) handleError(evt *realtime.ServerEvent) {
	if evt.Error.Benign() {
		slog.Debug("ignoring benign remote error", "code", evt.Error.Code)
		return
	}
	msg := "unknown remote error"
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}
	h.events.Emit(bus.TopicError, bus.ErrorPayload{Type: "openai", Err: &RemoteError{Message: msg, Detail: evt.Error}})
}

// RemoteError wraps an error event from the remote peer.
type RemoteError struct {
	Message string
	Detail  *realtime.ErrorDetail
}

func (e *RemoteError) Error() string { return "protocol: remote error: " + e.Message }

// armSpeakingEnd schedules the delayed speaking end after response.done.
// When the timer fires with audio still flowing it re-arms once with the
// extension duration instead of ending.
func (h *Handler) armSpeakingEnd() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.speaking {
		return
	}
	if h.endTimer != nil {
		h.endTimer.Stop()
	}
	h.audioSinceArm = false
	h.extended = false
	h.endTimer = time.AfterFunc(h.grace, h.speakingEndFired)
}

func (h *Handler) speakingEndFired() {
	h.mu.Lock()
	if !h.speaking {
		h.mu.Unlock()
		return
	}
	if h.audioSinceArm && !h.extended {
		h.audioSinceArm = false
		h.extended = true
		h.endTimer = time.AfterFunc(h.extension, h.speakingEndFired)
		h.mu.Unlock()
		slog.Debug("extending speaking window, audio still flowing")
		return
	}
	h.speaking = false
	h.endTimer = nil
	h.mu.Unlock()

	h.events.Emit(bus.TopicAISpeechEnded, nil)
}

// NotifyPlaybackComplete ends the speaking state immediately. Platforms with
// real playback-drain instrumentation call this instead of waiting for the
// grace timer.
func (h *Handler) NotifyPlaybackComplete() {
	h.mu.Lock()
	if !h.speaking {
		h.mu.Unlock()
		return
	}
	h.speaking = false
	if h.endTimer != nil {
		h.endTimer.Stop()
		h.endTimer = nil
	}
	h.mu.Unlock()

	h.events.Emit(bus.TopicAISpeechEnded, nil)
}

// Speaking reports whether assistant audio is considered playing.
func (h *Handler) Speaking() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.speaking
}

// History returns a copy of the finalized conversation turns.
func (h *Handler) History() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.history))
	copy(out, h.history)
	return out
}

// Reset cancels all timers and clears history, partial transcripts, and the
// speaking state. Called when the session returns to idle.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.endTimer != nil {
		h.endTimer.Stop()
		h.endTimer = nil
	}
	if h.createTimer != nil {
		h.createTimer.Stop()
		h.createTimer = nil
	}
	h.history = nil
	h.aiPartial = ""
	h.userPartial = ""
	h.speaking = false
	h.audioSinceArm = false
	h.extended = false
}
