// Package llm abstracts the generative model providers behind a single
// client interface covering chat completion, streamed completion, image
// generation, and ephemeral realtime session minting.
//
// The orchestration layer never talks to a provider SDK directly. It builds
// a []Message context, hands it to a Client, and consumes either a
// *Completion (tool-detection pass) or a Stream (final reply pass).
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrDone is returned by Stream.Next once the model finished the reply and
// all buffered deltas have been consumed.
var ErrDone = errors.New("llm: done")

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Completion is the result of a non-streamed chat completion.
// Exactly one of Text or ToolCalls is populated: a model turn either
// answers directly or requests tool execution.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Stream yields the text deltas of a streamed completion in order.
type Stream interface {
	// Next returns the next text delta. It blocks until a delta is
	// available and returns ErrDone after the final one.
	Next() (string, error)

	// Close releases the stream. Safe to call multiple times.
	Close() error
}

// RealtimeSessionConfig is the session shape requested from the realtime
// endpoint when minting ephemeral credentials.
type RealtimeSessionConfig struct {
	Model         string         `json:"model"`
	Voice         string         `json:"voice,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	Modalities    []string       `json:"modalities,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}

// TurnDetection selects the provider-side voice activity detection mode.
type TurnDetection struct {
	Type string `json:"type"`
}

// ImageGenerator produces an image for a prompt and returns a reference to
// it, either a short-lived https URL or an inline data URI.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Client is the provider capability surface the engine depends on.
type Client interface {
	// ChatComplete runs a buffered completion. tools, when non-empty,
	// are advertised to the model with automatic tool choice.
	ChatComplete(ctx context.Context, msgs []Message, tools []*Tool) (*Completion, error)

	// ChatCompleteStream runs a streamed completion without tools.
	ChatCompleteStream(ctx context.Context, msgs []Message) (Stream, error)

	ImageGenerator

	// CreateRealtimeSession mints an ephemeral realtime session and
	// returns the provider's raw session document, which includes the
	// short-lived client secret.
	CreateRealtimeSession(ctx context.Context, cfg RealtimeSessionConfig) (json.RawMessage, error)
}
