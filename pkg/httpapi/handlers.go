package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/voice"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

type personaRequest struct {
	DisplayName      string         `json:"display_name"`
	AvatarURL        string         `json:"avatar_url,omitempty"`
	BasePersonality  map[string]any `json:"base_personality,omitempty"`
	BaseSystemPrompt string         `json:"base_system_prompt"`
}

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" || strings.TrimSpace(req.BaseSystemPrompt) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "display_name and base_system_prompt are required"})
		return
	}

	p := &companion.Persona{
		UserID:           userID(r),
		DisplayName:      req.DisplayName,
		AvatarURL:        req.AvatarURL,
		BasePersonality:  req.BasePersonality,
		BaseSystemPrompt: req.BaseSystemPrompt,
	}
	if err := s.store.CreatePersona(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListPersonas(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ownedPersona loads a persona and enforces ownership.
func (s *Server) ownedPersona(r *http.Request) (*companion.Persona, error) {
	p, err := s.store.GetPersona(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if p.UserID != userID(r) {
		return nil, companion.ErrAccessDenied
	}
	return p, nil
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPersona(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPersona(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req personaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DisplayName != "" {
		p.DisplayName = req.DisplayName
	}
	if req.AvatarURL != "" {
		p.AvatarURL = req.AvatarURL
	}
	if req.BasePersonality != nil {
		p.BasePersonality = req.BasePersonality
	}
	if req.BaseSystemPrompt != "" {
		p.BaseSystemPrompt = req.BaseSystemPrompt
	}
	if err := s.store.UpdatePersona(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPersona(r)
	if err != nil {
		writeError(w, err)
		return
	}
	versions, err := s.store.ListVersions(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PersonaID string `json:"persona_id"`
		Title     string `json:"title,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.store.GetPersona(r.Context(), req.PersonaID)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.UserID != userID(r) {
		writeError(w, companion.ErrAccessDenied)
		return
	}

	c := &companion.Conversation{
		UserID:    userID(r),
		PersonaID: p.ID,
		Title:     req.Title,
	}
	if err := s.store.CreateConversation(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListConversations(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ownedConversation loads a conversation and enforces ownership.
func (s *Server) ownedConversation(r *http.Request) (*companion.Conversation, error) {
	c, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if c.UserID != userID(r) {
		return nil, companion.ErrAccessDenied
	}
	return c, nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedConversation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleTurn runs a conversational turn, streaming the reply as SSE.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "text is required"})
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	err = s.orch.Turn(r.Context(), r.PathValue("id"), userID(r), req.Text, sse)
	if err != nil {
		s.log.Error("turn failed", "err", err, "conversation", r.PathValue("id"), "request_id", requestID(r))
		if sse.Started() {
			sse.Fail("turn failed")
			return
		}
		writeError(w, err)
		return
	}
	sse.Close()
}

func (s *Server) handleCreateFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating  int      `json:"rating"`
		Tags    []string `json:"tags,omitempty"`
		Comment string   `json:"comment,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := s.store.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	conv, err := s.store.GetConversation(r.Context(), msg.ConversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if conv.UserID != userID(r) {
		writeError(w, companion.ErrAccessDenied)
		return
	}

	fb := &companion.Feedback{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		UserID:         userID(r),
		Rating:         req.Rating,
		Tags:           req.Tags,
		Comment:        req.Comment,
	}
	if err := s.store.CreateFeedback(r.Context(), fb); err != nil {
		writeError(w, err)
		return
	}
	// Tuning runs out-of-band; the response does not wait for it.
	if s.tuner != nil {
		s.tuner.Enqueue(fb.ID)
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (s *Server) handleRealtimeSession(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, voice.ErrBridgeUnavailable)
		return
	}
	raw, err := s.bridge.CreateSession(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.log.Error("session payload write failed", "err", err)
	}
}
