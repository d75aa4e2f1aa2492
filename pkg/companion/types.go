// Package companion implements the conversation orchestration engine:
// persona storage with an append-only prompt version chain, prompt
// assembly, the per-turn state machine with tool execution and streamed
// generation, and the asynchronous feedback tuning loop.
package companion

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sender is the closed role set of a stored message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderTool      Sender = "tool"
)

// Persona is a configured AI character. Base fields change only on explicit
// user edit; the tuning loop moves ActiveVersionID and nothing else.
type Persona struct {
	ID               string         `msgpack:"id" json:"id"`
	UserID           string         `msgpack:"user_id" json:"user_id"`
	DisplayName      string         `msgpack:"display_name" json:"display_name"`
	AvatarURL        string         `msgpack:"avatar_url,omitempty" json:"avatar_url,omitempty"`
	BasePersonality  map[string]any `msgpack:"base_personality,omitempty" json:"base_personality,omitempty"`
	BaseSystemPrompt string         `msgpack:"base_system_prompt" json:"base_system_prompt"`
	ActiveVersionID  string         `msgpack:"active_version_id" json:"active_version_id"`
	CreatedAt        time.Time      `msgpack:"created_at" json:"created_at"`
}

// PromptVersion is an immutable snapshot of system instructions plus a
// tuning summary. Versions form an append-only chain per persona; IDs are
// time-prefixed so the chain lists in creation order.
type PromptVersion struct {
	ID            string    `msgpack:"id" json:"id"`
	PersonaID     string    `msgpack:"persona_id" json:"persona_id"`
	SystemPrompt  string    `msgpack:"system_prompt" json:"system_prompt"`
	TuningSummary string    `msgpack:"tuning_summary,omitempty" json:"tuning_summary,omitempty"`
	FeedbackID    string    `msgpack:"feedback_id,omitempty" json:"feedback_id,omitempty"`
	CreatedAt     time.Time `msgpack:"created_at" json:"created_at"`
}

// Conversation links one user with one persona. LastMessageAt tracks the
// creation time of its newest message.
type Conversation struct {
	ID            string    `msgpack:"id" json:"id"`
	UserID        string    `msgpack:"user_id" json:"user_id"`
	PersonaID     string    `msgpack:"persona_id" json:"persona_id"`
	Title         string    `msgpack:"title,omitempty" json:"title,omitempty"`
	LastMessageAt time.Time `msgpack:"last_message_at" json:"last_message_at"`
	CreatedAt     time.Time `msgpack:"created_at" json:"created_at"`
}

// Message is one immutable entry of a conversation's turn history.
// Role-specific fields: an assistant message with ToolCallID set is a tool
// invocation (Body empty); a tool message carries the result for the same
// ToolCallID; ImageURL holds side-channel image output.
type Message struct {
	ID             string    `msgpack:"id" json:"id"`
	ConversationID string    `msgpack:"conversation_id" json:"conversation_id"`
	Seq            uint64    `msgpack:"seq" json:"seq"`
	Sender         Sender    `msgpack:"sender" json:"sender"`
	Body           string    `msgpack:"body,omitempty" json:"body,omitempty"`
	ToolCallID     string    `msgpack:"tool_call_id,omitempty" json:"tool_call_id,omitempty"`
	ToolName       string    `msgpack:"tool_name,omitempty" json:"tool_name,omitempty"`
	ToolArgs       string    `msgpack:"tool_args,omitempty" json:"tool_args,omitempty"`
	ImageURL       string    `msgpack:"image_url,omitempty" json:"image_url,omitempty"`
	CreatedAt      time.Time `msgpack:"created_at" json:"created_at"`
}

// IsToolCall reports whether the message is an assistant tool invocation.
func (m *Message) IsToolCall() bool {
	return m.Sender == SenderAssistant && m.ToolCallID != ""
}

// Feedback is a user rating of one assistant message.
// Each record triggers at most one tuning run.
type Feedback struct {
	ID             string    `msgpack:"id" json:"id"`
	ConversationID string    `msgpack:"conversation_id" json:"conversation_id"`
	MessageID      string    `msgpack:"message_id" json:"message_id"`
	UserID         string    `msgpack:"user_id" json:"user_id"`
	Rating         int       `msgpack:"rating" json:"rating"`
	Tags           []string  `msgpack:"tags,omitempty" json:"tags,omitempty"`
	Comment        string    `msgpack:"comment,omitempty" json:"comment,omitempty"`
	CreatedAt      time.Time `msgpack:"created_at" json:"created_at"`
}

// newID returns a random record identifier.
func newID() string {
	return uuid.NewString()
}

// newVersionID returns a time-prefixed identifier so version keys sort in
// creation order under kv prefix iteration.
func newVersionID(t time.Time) string {
	var b [4]byte
	rand.Read(b[:])
	return fmt.Sprintf("%016x-%s", t.UnixNano(), hex.EncodeToString(b[:]))
}
