// Package voice implements the realtime voice bridge: server-side minting
// of ephemeral session credentials and a client-side WebRTC/WebSocket
// session with transcript capture into the conversation store.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/llm"
)

// ErrBridgeUnavailable reports that the provider's realtime capability
// could not issue a session.
var ErrBridgeUnavailable = errors.New("voice: bridge unavailable")

const (
	defaultRealtimeModel = "gpt-4o-realtime-preview-2024-12-17"
	defaultVoice         = "sage"
)

// Bridge mints ephemeral realtime sessions for conversations. The returned
// payload is the provider document verbatim; its client_secret is what the
// end-user client uses to sign signaling requests.
type Bridge struct {
	store  *companion.Store
	asm    *companion.Assembler
	client llm.Client
	model  string
	voice  string
	log    *slog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithRealtimeModel sets the realtime model requested for sessions.
func WithRealtimeModel(model string) BridgeOption {
	return func(b *Bridge) { b.model = model }
}

// WithVoice sets the provider voice requested for sessions.
func WithVoice(voice string) BridgeOption {
	return func(b *Bridge) { b.voice = voice }
}

// WithBridgeLogger sets the bridge's logger.
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = l }
}

// NewBridge creates a Bridge over the store and provider client.
func NewBridge(store *companion.Store, asm *companion.Assembler, client llm.Client, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		store:  store,
		asm:    asm,
		client: client,
		model:  defaultRealtimeModel,
		voice:  defaultVoice,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateSession mints an ephemeral session for the conversation's persona,
// with instructions built for spoken interaction. Provider failures map to
// ErrBridgeUnavailable; persona resolution failures pass through.
func (b *Bridge) CreateSession(ctx context.Context, convID, userID string) (json.RawMessage, error) {
	conv, err := b.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, fmt.Errorf("%w: conversation %s", companion.ErrAccessDenied, convID)
	}

	instructions, err := b.asm.VoiceInstructions(ctx, conv)
	if err != nil {
		return nil, err
	}

	raw, err := b.client.CreateRealtimeSession(ctx, llm.RealtimeSessionConfig{
		Model:         b.model,
		Voice:         b.voice,
		Instructions:  instructions,
		Modalities:    []string{"audio", "text"},
		TurnDetection: &llm.TurnDetection{Type: "server_vad"},
	})
	if err != nil {
		b.log.Error("realtime session minting failed", "err", err, "conversation", convID)
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	return raw, nil
}
