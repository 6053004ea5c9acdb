package server

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/realtime"
)

// MintRequest describes the ephemeral credential to mint. Instructions are
// composed server-side; the client never supplies them.
type MintRequest struct {
	Model        string
	Voice        string
	Instructions string
}

// Minter turns the long-lived provider secret into short-lived session
// credentials. The provider secret never leaves the implementation.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (ephemeralKey string, err error)
}

// OpenAIMinter mints realtime client secrets through the OpenAI API.
type OpenAIMinter struct {
	client openai.Client
}

var _ Minter = (*OpenAIMinter)(nil)

// NewOpenAIMinter creates a minter holding the provider API key. Extra
// request options (custom base URL, HTTP client) are forwarded to the SDK.
func NewOpenAIMinter(apiKey string, opts ...option.RequestOption) *OpenAIMinter {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIMinter{client: openai.NewClient(all...)}
}

// Mint creates a short-lived client secret bound to a realtime session with
// the given model, voice and baked-in instructions.
func (m *OpenAIMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	params := realtime.ClientSecretNewParams{
		Session: realtime.ClientSecretNewParamsSessionUnion{
			OfRealtime: &realtime.RealtimeSessionCreateRequestParam{
				Model:        realtime.RealtimeSessionCreateRequestModel(req.Model),
				Instructions: openai.String(req.Instructions),
				Audio: realtime.RealtimeAudioConfigParam{
					Output: realtime.RealtimeAudioConfigOutputParam{
						Voice: realtime.RealtimeAudioConfigOutputVoice(req.Voice),
					},
				},
			},
		},
	}
	resp, err := m.client.Realtime.ClientSecrets.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("server: mint client secret: %w", err)
	}
	return resp.Value, nil
}
