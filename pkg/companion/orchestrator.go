package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aurelia-labs/companion/pkg/llm"
	"github.com/aurelia-labs/companion/pkg/storage"
)

const (
	toolResultBodyOK     = "Image generated successfully. URL is in metadata."
	toolResultBodyFailed = "Image generation failed."
)

// TurnSink receives the streamed output of a turn. The HTTP layer
// implements it over an SSE response.
type TurnSink interface {
	SendText(delta string) error
	SendImage(url string) error
}

// Orchestrator executes conversational turns: detection pass, sequential
// tool execution, streamed generation, persistence. One turn may be in
// flight per conversation at a time.
type Orchestrator struct {
	store   *Store
	asm     *Assembler
	client  llm.Client
	archive *storage.ImageArchive
	log     *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithImageArchive makes the orchestrator copy generated images into
// durable storage and record the archived URL instead of the provider's
// short-lived one.
func WithImageArchive(a *storage.ImageArchive) OrchestratorOption {
	return func(o *Orchestrator) { o.archive = a }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

// NewOrchestrator creates an Orchestrator over the store and provider
// client.
func NewOrchestrator(store *Store, client llm.Client, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		asm:      NewAssembler(store),
		client:   client,
		log:      slog.Default(),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Assembler returns the orchestrator's prompt assembler, shared with the
// voice bridge for instruction building.
func (o *Orchestrator) Assembler() *Assembler {
	return o.asm
}

func (o *Orchestrator) acquire(convID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[convID]; busy {
		return fmt.Errorf("%w: conversation %s", ErrTurnInFlight, convID)
	}
	o.inflight[convID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(convID string) {
	o.mu.Lock()
	delete(o.inflight, convID)
	o.mu.Unlock()
}

// Turn runs one conversational turn for the given utterance, streaming
// output into sink. It returns after the turn is fully persisted or failed.
//
// Failure semantics: persona resolution and detection failures abort before
// any streaming; image generation failures are logged and the turn
// continues without an image; a mid-stream failure persists the partial
// reply when at least one delta arrived, then surfaces the error.
func (o *Orchestrator) Turn(ctx context.Context, convID, userID, text string, sink TurnSink) error {
	conv, err := o.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return fmt.Errorf("%w: conversation %s", ErrAccessDenied, convID)
	}
	if err := o.acquire(convID); err != nil {
		return err
	}
	defer o.release(convID)

	// Assemble before persisting the utterance so the history window does
	// not contain it twice, and so configuration errors leave no state.
	msgs, err := o.asm.Build(ctx, conv, text, true)
	if err != nil {
		return err
	}
	if err := o.store.AppendMessage(ctx, &Message{
		ConversationID: convID,
		Sender:         SenderUser,
		Body:           text,
	}); err != nil {
		return err
	}

	comp, err := o.client.ChatComplete(ctx, msgs, o.asm.Tools())
	if err != nil {
		return fmt.Errorf("tool detection call: %w", err)
	}

	var imageURL string
	for _, tc := range comp.ToolCalls {
		if tc.Name != imageTool.Name {
			o.log.Warn("unknown tool call ignored", "tool", tc.Name, "conversation", convID)
			continue
		}
		url := o.runImageTool(ctx, &tc)
		body := toolResultBodyOK
		if url == "" {
			body = toolResultBodyFailed
		}

		// One atomic batch, so a failure can never strand an unresolved
		// invocation at the end of the history.
		err := o.store.AppendToolExchange(ctx,
			&Message{
				ConversationID: convID,
				Sender:         SenderAssistant,
				ToolCallID:     tc.ID,
				ToolName:       tc.Name,
				ToolArgs:       tc.Arguments,
			},
			&Message{
				ConversationID: convID,
				Sender:         SenderTool,
				Body:           body,
				ToolCallID:     tc.ID,
				ImageURL:       url,
			})
		if err != nil {
			return err
		}

		// The follow-up generation call must see the tool exchange.
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Payload: &llm.ToolCall{
				ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
			}},
			llm.Message{Role: llm.RoleTool, Payload: &llm.ToolResult{
				ID: tc.ID, Result: body,
			}},
		)
		if url != "" {
			imageURL = url
		}
	}

	stream, err := o.client.ChatCompleteStream(ctx, msgs)
	if err != nil {
		return fmt.Errorf("generation call: %w", err)
	}
	defer stream.Close()

	if imageURL != "" {
		if err := sink.SendImage(imageURL); err != nil {
			return o.finishInterrupted(ctx, conv, "", imageURL, err)
		}
	}

	var full string
	for {
		delta, err := stream.Next()
		if errors.Is(err, llm.ErrDone) {
			break
		}
		if err != nil {
			return o.finishInterrupted(ctx, conv, full, imageURL, err)
		}
		if delta == "" {
			continue
		}
		full += delta
		if err := sink.SendText(delta); err != nil {
			return o.finishInterrupted(ctx, conv, full, imageURL, err)
		}
	}

	return o.persistReply(ctx, conv, full, imageURL)
}

// runImageTool executes one generate_image invocation. Failures are logged
// and reported as an empty URL; they never abort the turn.
func (o *Orchestrator) runImageTool(ctx context.Context, tc *llm.ToolCall) string {
	args, err := llm.DecodeArgs[imageToolArgs](tc)
	if err != nil {
		o.log.Error("image tool arguments unreadable", "err", err)
		return ""
	}
	url, err := o.client.GenerateImage(ctx, args.Prompt)
	if err != nil {
		o.log.Error("image generation failed", "err", err)
		return ""
	}
	if o.archive != nil {
		archived, err := o.archive.Archive(ctx, url)
		if err != nil {
			o.log.Error("image archive failed, keeping provider url", "err", err)
		} else {
			url = archived
		}
	}
	return url
}

// finishInterrupted handles a failure after streaming began: the partial
// reply is persisted when any delta was received, then the original error
// is surfaced.
func (o *Orchestrator) finishInterrupted(ctx context.Context, conv *Conversation, partial, imageURL string, cause error) error {
	if partial != "" {
		if err := o.persistReply(ctx, conv, partial, imageURL); err != nil {
			o.log.Error("persisting partial reply failed", "err", err, "conversation", conv.ID)
		}
	}
	return fmt.Errorf("generation stream: %w", cause)
}

func (o *Orchestrator) persistReply(ctx context.Context, conv *Conversation, body, imageURL string) error {
	m := &Message{
		ConversationID: conv.ID,
		Sender:         SenderAssistant,
		Body:           body,
		ImageURL:       imageURL,
	}
	if err := o.store.AppendMessage(ctx, m); err != nil {
		return err
	}
	return o.store.TouchConversation(ctx, conv.ID, m.CreatedAt)
}
