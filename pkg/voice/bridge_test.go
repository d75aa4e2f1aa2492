package voice_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/kv"
	"github.com/aurelia-labs/companion/pkg/llm"
	"github.com/aurelia-labs/companion/pkg/voice"
)

type fakeRealtimeClient struct {
	raw json.RawMessage
	err error

	gotConfig *llm.RealtimeSessionConfig
}

func (f *fakeRealtimeClient) ChatComplete(context.Context, []llm.Message, []*llm.Tool) (*llm.Completion, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeRealtimeClient) ChatCompleteStream(context.Context, []llm.Message) (llm.Stream, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeRealtimeClient) GenerateImage(context.Context, string) (string, error) {
	return "", errors.New("not scripted")
}

func (f *fakeRealtimeClient) CreateRealtimeSession(_ context.Context, cfg llm.RealtimeSessionConfig) (json.RawMessage, error) {
	f.gotConfig = &cfg
	if f.err != nil {
		return nil, f.err
	}
	return f.raw, nil
}

func seedBridgeWorld(t *testing.T) (*companion.Store, *companion.Conversation) {
	t.Helper()
	ctx := context.Background()
	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })
	store := companion.NewStore(mem)

	p := &companion.Persona{
		UserID:           "u1",
		DisplayName:      "Luna",
		BaseSystemPrompt: "You are Luna, a thoughtful companion.",
	}
	if err := store.CreatePersona(ctx, p); err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	conv := &companion.Conversation{UserID: "u1", PersonaID: p.ID}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return store, conv
}

func TestCreateSessionReturnsProviderPayload(t *testing.T) {
	store, conv := seedBridgeWorld(t)
	payload := json.RawMessage(`{"id":"sess_1","client_secret":{"value":"ek_test"}}`)
	fc := &fakeRealtimeClient{raw: payload}

	b := voice.NewBridge(store, companion.NewAssembler(store), fc)
	raw, err := b.CreateSession(context.Background(), conv.ID, "u1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if string(raw) != string(payload) {
		t.Fatalf("payload = %s, want provider document verbatim", raw)
	}

	cfg := fc.gotConfig
	if cfg == nil {
		t.Fatal("provider never called")
	}
	if cfg.Model != "gpt-4o-realtime-preview-2024-12-17" {
		t.Fatalf("model = %q", cfg.Model)
	}
	if cfg.Voice != "sage" {
		t.Fatalf("voice = %q", cfg.Voice)
	}
	if cfg.TurnDetection == nil || cfg.TurnDetection.Type != "server_vad" {
		t.Fatalf("turn detection = %+v", cfg.TurnDetection)
	}
	if !strings.Contains(cfg.Instructions, "You are Luna") {
		t.Fatalf("instructions missing persona prompt:\n%s", cfg.Instructions)
	}
	if !strings.Contains(cfg.Instructions, "VOICE INTERACTION STYLE") {
		t.Fatalf("instructions missing voice style suffix:\n%s", cfg.Instructions)
	}
}

func TestCreateSessionProviderFailure(t *testing.T) {
	store, conv := seedBridgeWorld(t)
	fc := &fakeRealtimeClient{err: errors.New("upstream 500")}

	b := voice.NewBridge(store, companion.NewAssembler(store), fc)
	_, err := b.CreateSession(context.Background(), conv.ID, "u1")
	if !errors.Is(err, voice.ErrBridgeUnavailable) {
		t.Fatalf("err = %v, want ErrBridgeUnavailable", err)
	}
}

func TestCreateSessionAccessDenied(t *testing.T) {
	store, conv := seedBridgeWorld(t)
	b := voice.NewBridge(store, companion.NewAssembler(store), &fakeRealtimeClient{})

	_, err := b.CreateSession(context.Background(), conv.ID, "intruder")
	if !errors.Is(err, companion.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestCreateSessionUnknownConversation(t *testing.T) {
	store, _ := seedBridgeWorld(t)
	b := voice.NewBridge(store, companion.NewAssembler(store), &fakeRealtimeClient{})

	_, err := b.CreateSession(context.Background(), "nope", "u1")
	if !errors.Is(err, companion.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
