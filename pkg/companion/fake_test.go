package companion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/kv"
	"github.com/aurelia-labs/companion/pkg/llm"
)

// fakeClient is a scripted llm.Client.
type fakeClient struct {
	completion  *llm.Completion
	completeErr error

	streamDeltas  []string
	streamErr     error // aborts the stream after the deltas
	streamGate    chan struct{}
	streamStarted chan struct{}

	imageURL string
	imageErr error

	realtime    json.RawMessage
	realtimeErr error

	completeCalls [][]llm.Message
	streamCalls   [][]llm.Message
	imagePrompts  []string
}

func (f *fakeClient) ChatComplete(_ context.Context, msgs []llm.Message, _ []*llm.Tool) (*llm.Completion, error) {
	f.completeCalls = append(f.completeCalls, msgs)
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	if f.completion == nil {
		return &llm.Completion{Text: "ok"}, nil
	}
	return f.completion, nil
}

func (f *fakeClient) ChatCompleteStream(_ context.Context, msgs []llm.Message) (llm.Stream, error) {
	f.streamCalls = append(f.streamCalls, msgs)
	if f.streamStarted != nil {
		select {
		case f.streamStarted <- struct{}{}:
		default:
		}
	}
	sb := llm.NewStreamBuilder(len(f.streamDeltas) + 1)
	go func() {
		if f.streamGate != nil {
			<-f.streamGate
		}
		for _, d := range f.streamDeltas {
			if sb.Add(d) != nil {
				return
			}
		}
		if f.streamErr != nil {
			sb.Abort(f.streamErr)
			return
		}
		sb.Done()
	}()
	return sb.Stream(), nil
}

func (f *fakeClient) GenerateImage(_ context.Context, prompt string) (string, error) {
	f.imagePrompts = append(f.imagePrompts, prompt)
	if f.imageErr != nil {
		return "", f.imageErr
	}
	return f.imageURL, nil
}

func (f *fakeClient) CreateRealtimeSession(context.Context, llm.RealtimeSessionConfig) (json.RawMessage, error) {
	if f.realtimeErr != nil {
		return nil, f.realtimeErr
	}
	return f.realtime, nil
}

// recordSink captures streamed turn events in arrival order.
type recordSink struct {
	events []string
	err    error
}

func (s *recordSink) SendText(delta string) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, "text:"+delta)
	return nil
}

func (s *recordSink) SendImage(url string) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, "image:"+url)
	return nil
}

var errScripted = errors.New("scripted failure")

func newTestStore(t *testing.T) *companion.Store {
	t.Helper()
	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })
	return companion.NewStore(mem)
}

// seedWorld creates a persona and a conversation for user "u1".
func seedWorld(t *testing.T, store *companion.Store) (*companion.Persona, *companion.Conversation) {
	t.Helper()
	ctx := context.Background()
	p := &companion.Persona{
		UserID:           "u1",
		DisplayName:      "Luna",
		BaseSystemPrompt: "You are Luna, a thoughtful companion.",
	}
	if err := store.CreatePersona(ctx, p); err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	c := &companion.Conversation{UserID: "u1", PersonaID: p.ID}
	if err := store.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return p, c
}

// activateVersion appends and activates a version with the given prompt and
// tuning summary.
func activateVersion(t *testing.T, store *companion.Store, personaID, system, tuning string) *companion.PromptVersion {
	t.Helper()
	v := &companion.PromptVersion{
		PersonaID:     personaID,
		SystemPrompt:  system,
		TuningSummary: tuning,
	}
	if err := store.AppendAndActivateVersion(context.Background(), v); err != nil {
		t.Fatalf("AppendAndActivateVersion: %v", err)
	}
	return v
}
