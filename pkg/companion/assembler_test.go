package companion_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/llm"
)

func textOf(t *testing.T, m llm.Message) string {
	t.Helper()
	txt, ok := m.Payload.(llm.Text)
	if !ok {
		t.Fatalf("payload is %T, want Text", m.Payload)
	}
	return string(txt)
}

func TestBuildEmptyHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p, conv := seedWorld(t, store)
	// A version with no tuning summary: the assembled prompt has exactly
	// [system, new utterance].
	activateVersion(t, store, p.ID, p.BaseSystemPrompt, "")

	asm := companion.NewAssembler(store)
	msgs, err := asm.Build(ctx, conv, "hello", false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Fatalf("first role = %s, want system", msgs[0].Role)
	}
	if s := textOf(t, msgs[0]); !strings.Contains(s, p.BaseSystemPrompt) {
		t.Fatalf("system message %q missing persona instructions", s)
	}
	if msgs[1].Role != llm.RoleUser || textOf(t, msgs[1]) != "hello" {
		t.Fatalf("last message = %s %q, want user hello", msgs[1].Role, textOf(t, msgs[1]))
	}
}

func TestBuildTuningSummaryMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p, conv := seedWorld(t, store)
	activateVersion(t, store, p.ID, p.BaseSystemPrompt, "Keep replies short.")

	asm := companion.NewAssembler(store)
	msgs, err := asm.Build(ctx, conv, "hi", false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != llm.RoleSystem {
		t.Fatalf("second role = %s, want system", msgs[1].Role)
	}
	want := "Current Tuning/User Preferences: Keep replies short."
	if got := textOf(t, msgs[1]); got != want {
		t.Fatalf("tuning message = %q, want %q", got, want)
	}
}

func TestBuildToolDirectivesOnlyWithTools(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, conv := seedWorld(t, store)
	asm := companion.NewAssembler(store)

	with, err := asm.Build(ctx, conv, "hi", true)
	if err != nil {
		t.Fatalf("Build with tools: %v", err)
	}
	without, err := asm.Build(ctx, conv, "hi", false)
	if err != nil {
		t.Fatalf("Build without tools: %v", err)
	}
	if !strings.Contains(textOf(t, with[0]), "generate_image") {
		t.Fatal("tool directives missing from system message")
	}
	if strings.Contains(textOf(t, without[0]), "generate_image") {
		t.Fatal("tool directives present without tool support")
	}
}

func TestBuildHistoryWithToolMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, conv := seedWorld(t, store)

	appends := []*companion.Message{
		{ConversationID: conv.ID, Sender: companion.SenderUser, Body: "show me a cat"},
		{ConversationID: conv.ID, Sender: companion.SenderAssistant, ToolCallID: "call_1", ToolName: "generate_image", ToolArgs: `{"prompt":"a cat"}`},
		{ConversationID: conv.ID, Sender: companion.SenderTool, Body: "Image generated successfully. URL is in metadata.", ToolCallID: "call_1", ImageURL: "https://img/cat.png"},
		{ConversationID: conv.ID, Sender: companion.SenderAssistant, Body: "Here you go!"},
	}
	for _, m := range appends {
		if err := store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	asm := companion.NewAssembler(store)
	msgs, err := asm.Build(ctx, conv, "thanks", false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// system, tuning summary (seed), 4 history, new utterance
	if len(msgs) != 7 {
		t.Fatalf("got %d messages, want 7", len(msgs))
	}
	hist := msgs[2:6]
	if hist[0].Role != llm.RoleUser {
		t.Fatalf("hist[0] role = %s, want user", hist[0].Role)
	}
	call, ok := hist[1].Payload.(*llm.ToolCall)
	if !ok || hist[1].Role != llm.RoleAssistant {
		t.Fatalf("hist[1] = %s %T, want assistant ToolCall", hist[1].Role, hist[1].Payload)
	}
	if call.ID != "call_1" || call.Name != "generate_image" {
		t.Fatalf("tool call = %+v", call)
	}
	result, ok := hist[2].Payload.(*llm.ToolResult)
	if !ok || hist[2].Role != llm.RoleTool {
		t.Fatalf("hist[2] = %s %T, want tool ToolResult", hist[2].Role, hist[2].Payload)
	}
	if result.ID != "call_1" {
		t.Fatalf("tool result id = %s, want call_1", result.ID)
	}
	if hist[3].Role != llm.RoleAssistant || textOf(t, hist[3]) != "Here you go!" {
		t.Fatalf("hist[3] = %s %q", hist[3].Role, textOf(t, hist[3]))
	}
}

func TestBuildFallsBackToBasePrompt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Active version with empty instructions: assembly falls back to the
	// persona's base prompt.
	p := &companion.Persona{
		UserID:           "u1",
		DisplayName:      "Luna",
		BaseSystemPrompt: "You are Luna.",
	}
	if err := store.CreatePersona(ctx, p); err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	activateVersion(t, store, p.ID, "", "")
	conv := &companion.Conversation{UserID: "u1", PersonaID: p.ID}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	asm := companion.NewAssembler(store)
	msgs, err := asm.Build(ctx, conv, "hi", false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(textOf(t, msgs[0]), "You are Luna.") {
		t.Fatal("system message does not fall back to base instructions")
	}
}

func TestBuildUnresolvablePersona(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv := &companion.Conversation{UserID: "u1", PersonaID: "ghost"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	asm := companion.NewAssembler(store)
	if _, err := asm.Build(ctx, conv, "hi", false); !errors.Is(err, companion.ErrPersonaUnresolved) {
		t.Fatalf("Build = %v, want ErrPersonaUnresolved", err)
	}
}

func TestVoiceInstructions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p, conv := seedWorld(t, store)

	asm := companion.NewAssembler(store)
	instr, err := asm.VoiceInstructions(ctx, conv)
	if err != nil {
		t.Fatalf("VoiceInstructions: %v", err)
	}
	if !strings.Contains(instr, p.BaseSystemPrompt) {
		t.Fatal("voice instructions missing persona prompt")
	}
	if !strings.Contains(instr, "VOICE INTERACTION STYLE") {
		t.Fatal("voice instructions missing spoken-interaction style block")
	}
}
