package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aurelia-labs/companion/pkg/llm"
)

func TestCreateRealtimeSession(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1}}`))
	}))
	defer srv.Close()

	c := llm.NewOpenAI("sk-test", llm.WithRealtimeURL(srv.URL))
	raw, err := c.CreateRealtimeSession(context.Background(), llm.RealtimeSessionConfig{
		Model:         "gpt-4o-realtime-preview-2024-12-17",
		Voice:         "sage",
		Instructions:  "You are a companion.",
		Modalities:    []string{"audio", "text"},
		TurnDetection: &llm.TurnDetection{Type: "server_vad"},
	})
	if err != nil {
		t.Fatalf("CreateRealtimeSession: %v", err)
	}

	var sess struct {
		ID           string `json:"id"`
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(raw, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if sess.ClientSecret.Value != "ek_abc" {
		t.Fatalf("client_secret = %q, want ek_abc", sess.ClientSecret.Value)
	}

	if gotBody["voice"] != "sage" {
		t.Fatalf("request voice = %v, want sage", gotBody["voice"])
	}
	td, _ := gotBody["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Fatalf("turn_detection = %v, want server_vad", gotBody["turn_detection"])
	}
}

func TestCreateRealtimeSessionErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := llm.NewOpenAI("sk-test", llm.WithRealtimeURL(srv.URL))
	_, err := c.CreateRealtimeSession(context.Background(), llm.RealtimeSessionConfig{Model: "nope"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("error = %v, want status 400 mention", err)
	}
}
