package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/httpapi"
	"github.com/aurelia-labs/companion/pkg/kv"
	"github.com/aurelia-labs/companion/pkg/llm"
	"github.com/aurelia-labs/companion/pkg/voice"
)

type fakeClient struct {
	completion  *llm.Completion
	completeErr error

	streamDeltas []string

	imageURL string
	imageErr error

	realtime    json.RawMessage
	realtimeErr error
}

func (f *fakeClient) ChatComplete(context.Context, []llm.Message, []*llm.Tool) (*llm.Completion, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	if f.completion == nil {
		return &llm.Completion{Text: "ok"}, nil
	}
	return f.completion, nil
}

func (f *fakeClient) ChatCompleteStream(context.Context, []llm.Message) (llm.Stream, error) {
	sb := llm.NewStreamBuilder(len(f.streamDeltas) + 1)
	go func() {
		for _, d := range f.streamDeltas {
			if sb.Add(d) != nil {
				return
			}
		}
		sb.Done()
	}()
	return sb.Stream(), nil
}

func (f *fakeClient) GenerateImage(context.Context, string) (string, error) {
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

type world struct {
	store  *companion.Store
	server *httptest.Server
	conv   *companion.Conversation
	p      *companion.Persona
}

func newWorld(t *testing.T, fc *fakeClient) *world {
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

	orch := companion.NewOrchestrator(store, fc)
	bridge := voice.NewBridge(store, orch.Assembler(), fc)
	srv := httpapi.NewServer(store, orch, nil, bridge)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &world{store: store, server: ts, conv: conv, p: p}
}

func (w *world) do(t *testing.T, method, path, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, w.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	w := newWorld(t, &fakeClient{})
	resp := w.do(t, "GET", "/v1/conversations", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestArchivedImagesArePublic(t *testing.T) {
	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })
	store := companion.NewStore(mem)
	orch := companion.NewOrchestrator(store, &fakeClient{})

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "img_1.png"), []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	srv := httpapi.NewServer(store, orch, nil, nil,
		httpapi.WithStaticFiles(http.FileServer(http.Dir(dir))))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// Archived image URLs end up in img tags, so the fetch must succeed
	// without the X-User-ID header.
	resp, err := http.Get(ts.URL + "/files/img_1.png")
	if err != nil {
		t.Fatalf("GET /files/img_1.png: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body := readAll(t, resp.Body); body != "png-bytes" {
		t.Fatalf("body = %q", body)
	}
}

func TestTurnStreamsSSE(t *testing.T) {
	w := newWorld(t, &fakeClient{
		completion:   &llm.Completion{Text: "hi there"},
		streamDeltas: []string{"hi ", "there"},
	})

	resp := w.do(t, "POST", "/v1/conversations/"+w.conv.ID+"/messages", "u1", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Fatal("proxy buffering not disabled")
	}

	body := readAll(t, resp.Body)
	for _, want := range []string{
		"data: {\"text\":\"hi \"}\n\n",
		"data: {\"text\":\"there\"}\n\n",
		"event: close\ndata: [DONE]\n\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}

	// First delta precedes the close marker.
	if strings.Index(body, `"hi "`) > strings.Index(body, "[DONE]") {
		t.Fatalf("delta after close marker:\n%s", body)
	}

	msgs, err := w.store.Messages(context.Background(), w.conv.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Body != "hi there" {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestTurnImageRecordComesFirst(t *testing.T) {
	w := newWorld(t, &fakeClient{
		completion: &llm.Completion{ToolCalls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      "generate_image",
			Arguments: `{"prompt":"a cat"}`,
		}}},
		streamDeltas: []string{"Here you go!"},
		imageURL:     "https://img/cat.png",
	})

	resp := w.do(t, "POST", "/v1/conversations/"+w.conv.ID+"/messages", "u1", `{"text":"show me a photo of a cat"}`)
	body := readAll(t, resp.Body)

	imgIdx := strings.Index(body, `data: {"image_url":"https://img/cat.png"}`)
	txtIdx := strings.Index(body, `data: {"text":"Here you go!"}`)
	if imgIdx < 0 || txtIdx < 0 || imgIdx > txtIdx {
		t.Fatalf("image record must precede text:\n%s", body)
	}
}

func TestTurnDetectionFailureIsAnErrorStatus(t *testing.T) {
	w := newWorld(t, &fakeClient{completeErr: errors.New("upstream down")})

	resp := w.do(t, "POST", "/v1/conversations/"+w.conv.ID+"/messages", "u1", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q, want plain error response", ct)
	}
}

func TestTurnForeignConversationForbidden(t *testing.T) {
	w := newWorld(t, &fakeClient{})
	resp := w.do(t, "POST", "/v1/conversations/"+w.conv.ID+"/messages", "intruder", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestTurnUnknownConversationNotFound(t *testing.T) {
	w := newWorld(t, &fakeClient{})
	resp := w.do(t, "POST", "/v1/conversations/nope/messages", "u1", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFeedbackCreated(t *testing.T) {
	w := newWorld(t, &fakeClient{
		completion:   &llm.Completion{Text: "hi"},
		streamDeltas: []string{"hi"},
	})

	// Run a turn to have an assistant message to rate.
	w.do(t, "POST", "/v1/conversations/"+w.conv.ID+"/messages", "u1", `{"text":"hello"}`)
	msgs, err := w.store.Messages(context.Background(), w.conv.ID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("history = %v, %v", msgs, err)
	}

	resp := w.do(t, "POST", "/v1/messages/"+msgs[1].ID+"/feedback", "u1",
		`{"rating":2,"tags":["tone"],"comment":"too robotic"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", resp.StatusCode, readAll(t, resp.Body))
	}

	var fb companion.Feedback
	if err := json.NewDecoder(resp.Body).Decode(&fb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fb.ID == "" || fb.Rating != 2 || fb.Comment != "too robotic" {
		t.Fatalf("feedback = %+v", fb)
	}

	stored, err := w.store.GetFeedback(context.Background(), fb.ID)
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if stored.MessageID != msgs[1].ID {
		t.Fatalf("stored feedback = %+v", stored)
	}
}

func TestFeedbackRatingOutOfRange(t *testing.T) {
	w := newWorld(t, &fakeClient{
		completion:   &llm.Completion{Text: "hi"},
		streamDeltas: []string{"hi"},
	})
	w.do(t, "POST", "/v1/conversations/"+w.conv.ID+"/messages", "u1", `{"text":"hello"}`)
	msgs, _ := w.store.Messages(context.Background(), w.conv.ID)

	resp := w.do(t, "POST", "/v1/messages/"+msgs[1].ID+"/feedback", "u1", `{"rating":9}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRealtimeSessionPayloadVerbatim(t *testing.T) {
	payload := `{"id":"sess_1","client_secret":{"value":"ek_test"}}`
	w := newWorld(t, &fakeClient{realtime: json.RawMessage(payload)})

	resp := w.do(t, "POST", "/v1/conversations/"+w.conv.ID+"/realtime-session", "u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := readAll(t, resp.Body); got != payload {
		t.Fatalf("payload = %s, want verbatim provider document", got)
	}
}

func TestRealtimeSessionProviderFailure(t *testing.T) {
	w := newWorld(t, &fakeClient{realtimeErr: errors.New("upstream 500")})

	resp := w.do(t, "POST", "/v1/conversations/"+w.conv.ID+"/realtime-session", "u1", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestPersonaLifecycle(t *testing.T) {
	w := newWorld(t, &fakeClient{})

	resp := w.do(t, "POST", "/v1/personas", "u1",
		`{"display_name":"Sol","base_system_prompt":"You are Sol."}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var p companion.Persona
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ActiveVersionID == "" {
		t.Fatal("created persona has no active version")
	}

	resp = w.do(t, "PUT", "/v1/personas/"+p.ID, "u1", `{"display_name":"Solar"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	var updated companion.Persona
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.DisplayName != "Solar" || updated.ActiveVersionID != p.ActiveVersionID {
		t.Fatalf("updated = %+v", updated)
	}

	resp = w.do(t, "GET", "/v1/personas/"+p.ID+"/versions", "u1", "")
	var versions []companion.PromptVersion
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(versions) != 1 || versions[0].TuningSummary != "Initial setup" {
		t.Fatalf("versions = %+v", versions)
	}

	// Foreign user cannot see it.
	resp = w.do(t, "GET", "/v1/personas/"+p.ID, "intruder", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign get status = %d, want 403", resp.StatusCode)
	}
}

func TestConversationLifecycle(t *testing.T) {
	w := newWorld(t, &fakeClient{})

	resp := w.do(t, "POST", "/v1/conversations", "u1", `{"persona_id":"`+w.p.ID+`","title":"morning chat"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = w.do(t, "GET", "/v1/conversations", "u1", "")
	var list []companion.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("conversations = %d, want 2", len(list))
	}

	resp = w.do(t, "GET", "/v1/conversations/"+w.conv.ID+"/messages", "u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d", resp.StatusCode)
	}
}
