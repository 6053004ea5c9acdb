// Package realtime defines the wire messages exchanged with the realtime
// speech API over the session control channel. Incoming events form a tagged
// union keyed by the "type" field; outgoing messages are small fixed structs.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Incoming event types handled by the protocol layer. Events outside this
// list are still parsed and surfaced generically.
const (
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"

	TypeSpeechStarted = "input_audio_buffer.speech_started"
	TypeSpeechStopped = "input_audio_buffer.speech_stopped"

	TypeItemCreated = "conversation.item.created"

	TypeInputTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"

	TypeAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeAudioTranscriptDone  = "response.audio_transcript.done"

	TypeAudioDelta = "response.audio.delta"
	TypeAudioDone  = "response.audio.done"

	TypeResponseDone = "response.done"

	TypeOutputAudioBufferStopped = "output_audio_buffer.stopped"

	TypeRateLimitsUpdated = "rate_limits.updated"

	TypeError = "error"
)

// ErrorDetail is the nested error object of an "error" event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Benign reports whether the error is an expected side effect of normal
// operation rather than a session failure.
func (e *ErrorDetail) Benign() bool {
	return e != nil && e.Code == "unsupported_content_type"
}

// ContentPart is one content element of a conversation item.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ConversationItem describes a conversation entry announced by the server.
type ConversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// RateLimit is one entry of a rate_limits.updated event.
type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// ResponseInfo carries the response object of a response.done event.
type ResponseInfo struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

// ServerEvent is the tagged union of all incoming control-channel events.
// Only the fields relevant to the event's Type are populated.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// conversation.item.created
	Item *ConversationItem `json:"item,omitempty"`

	// response.done
	Response *ResponseInfo `json:"response,omitempty"`

	// rate_limits.updated
	RateLimits []RateLimit `json:"rate_limits,omitempty"`

	// error event
	Error *ErrorDetail `json:"error,omitempty"`
}

// ParseServerEvent decodes a raw control-channel message. Events with an
// unknown Type parse successfully; an empty Type is an error.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("realtime: decode event: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("realtime: event missing type field")
	}
	return &evt, nil
}
