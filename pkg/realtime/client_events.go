package realtime

import (
	"encoding/json"
	"fmt"
)

// SessionUpdate is the outgoing session.update message sent once the control
// channel opens. Instructions are deliberately absent: the token broker bakes
// them into the ephemeral secret at minting time, and repeating them here
// would override the server-side persona.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams configures voice, audio formats, transcription, and turn
// detection for the active session.
type SessionParams struct {
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetectionParams `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`

	// Tools always marshals, so an empty list reads as "no tools" rather
	// than "keep whatever was configured".
	Tools []Tool `json:"tools"`
}

// TranscriptionParams selects the model transcribing user audio.
type TranscriptionParams struct {
	Model string `json:"model"`
}

// TurnDetectionParams configures server-side voice activity detection.
type TurnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Tool declares a callable tool. The conversation sessions never offer any,
// but the type keeps the empty list explicit on the wire.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// NewSessionUpdate builds a session.update with pcm16 audio both ways,
// server VAD, and an explicit empty tool list.
func NewSessionUpdate(voice, transcriptionModel string, vad TurnDetectionParams, temperature float64) SessionUpdate {
	vad.Type = "server_vad"
	return SessionUpdate{
		Type: "session.update",
		Session: SessionParams{
			Voice:                   voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &TranscriptionParams{Model: transcriptionModel},
			TurnDetection:           &vad,
			Temperature:             temperature,
			Tools:                   []Tool{},
		},
	}
}

// ResponseCreate is the outgoing response.create message that kicks off the
// assistant's opening turn.
type ResponseCreate struct {
	Type string `json:"type"`
}

// NewResponseCreate builds a response.create message.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: "response.create"}
}

// Marshal encodes an outgoing message for the control channel.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal: %w", err)
	}
	return data, nil
}
