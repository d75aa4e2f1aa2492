package companion

import (
	"context"
	"errors"
	"fmt"

	"github.com/aurelia-labs/companion/pkg/llm"
)

// historyWindow is how many recent messages are replayed to the model.
const historyWindow = 10

const behaviorGuardrails = `BEHAVIOR:
- Never mention being an AI, a language model, or anything artificial. Stay in character at all times.
- Avoid canned assistant phrasing like "How can I assist you today?".`

const toolDirectives = `TOOL USE:
- When the user asks you to show, send, or draw a picture, you MUST call the generate_image tool. Do not describe the image in prose instead.
- If the user says they cannot see an image you already sent, call generate_image again.`

// imageToolArgs is the argument schema of the image generation tool.
type imageToolArgs struct {
	Prompt string `json:"prompt"`
}

var imageTool = llm.MustNewTool[imageToolArgs](
	"generate_image",
	"Generate an image from a detailed text prompt and share it with the user.",
)

// Assembler builds the ordered model context for one provider call from
// persona configuration, active tuning, and recent history. It has no side
// effects.
type Assembler struct {
	store *Store
}

// NewAssembler creates an Assembler reading from store.
func NewAssembler(store *Store) *Assembler {
	return &Assembler{store: store}
}

// Tools returns the tool declaration list advertised during detection.
func (a *Assembler) Tools() []*llm.Tool {
	return []*llm.Tool{imageTool}
}

// Build produces the message sequence for a turn: system instructions with
// guardrails (and tool directives when withTools), an optional tuning
// summary message, the last historyWindow messages in chronological order
// with tool call/result metadata re-attached, and the new utterance last.
//
// Fails only when the persona or its active version cannot be resolved.
func (a *Assembler) Build(ctx context.Context, conv *Conversation, utterance string, withTools bool) ([]llm.Message, error) {
	persona, version, err := a.resolve(ctx, conv)
	if err != nil {
		return nil, err
	}

	system := persona.BaseSystemPrompt
	if version != nil && version.SystemPrompt != "" {
		system = version.SystemPrompt
	}
	system += "\n\n" + behaviorGuardrails
	if withTools {
		system += "\n\n" + toolDirectives
	}

	msgs := []llm.Message{llm.System(system)}
	if version != nil && version.TuningSummary != "" {
		msgs = append(msgs, llm.System("Current Tuning/User Preferences: "+version.TuningSummary))
	}

	history, err := a.store.RecentMessages(ctx, conv.ID, historyWindow)
	if err != nil {
		return nil, err
	}
	for _, m := range history {
		switch {
		case m.Sender == SenderUser:
			msgs = append(msgs, llm.User(m.Body))
		case m.IsToolCall():
			msgs = append(msgs, llm.Message{
				Role: llm.RoleAssistant,
				Payload: &llm.ToolCall{
					ID:        m.ToolCallID,
					Name:      m.ToolName,
					Arguments: m.ToolArgs,
				},
			})
		case m.Sender == SenderAssistant:
			msgs = append(msgs, llm.Assistant(m.Body))
		case m.Sender == SenderTool:
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleTool,
				Payload: &llm.ToolResult{ID: m.ToolCallID, Result: m.Body},
			})
		}
	}

	return append(msgs, llm.User(utterance)), nil
}

// VoiceInstructions builds the system instructions for a realtime voice
// session: the persona's active instructions with spoken-interaction style
// guidance appended.
func (a *Assembler) VoiceInstructions(ctx context.Context, conv *Conversation) (string, error) {
	persona, version, err := a.resolve(ctx, conv)
	if err != nil {
		return "", err
	}
	system := persona.BaseSystemPrompt
	if version != nil && version.SystemPrompt != "" {
		system = version.SystemPrompt
	}
	return system + "\n\nVOICE INTERACTION STYLE:\n" +
		"- Be warm, conversational, and helpful.\n" +
		"- Use filler words occasionally ('um', 'uh') to sound more human.\n" +
		"- Keep responses concise for voice latency.", nil
}

// resolve loads the conversation's persona and active version. A missing
// active version falls back to base instructions (nil version); a missing
// persona is a configuration error.
func (a *Assembler) resolve(ctx context.Context, conv *Conversation) (*Persona, *PromptVersion, error) {
	persona, err := a.store.GetPersona(ctx, conv.PersonaID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: persona %s: %v", ErrPersonaUnresolved, conv.PersonaID, err)
		}
		return nil, nil, err
	}
	if persona.ActiveVersionID == "" {
		return persona, nil, nil
	}
	version, err := a.store.GetVersion(ctx, persona.ID, persona.ActiveVersionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return persona, nil, nil
		}
		return nil, nil, err
	}
	return persona, version, nil
}
