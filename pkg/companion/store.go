package companion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aurelia-labs/companion/pkg/kv"
)

// Key layout. Message keys embed a zero-padded sequence number so kv prefix
// iteration yields canonical conversation order; msgref keys index message
// IDs back to their conversation slot.
const (
	keyPersona  = "persona"
	keyVersion  = "version"
	keyConv     = "conv"
	keyMsg      = "msg"
	keyMsgRef   = "msgref"
	keyFeedback = "feedback"
)

// Store persists personas, prompt versions, conversations, messages, and
// feedback as msgpack records in a kv.Store. It is safe for concurrent use.
type Store struct {
	kv kv.Store

	mu           sync.Mutex
	personaLocks map[string]*sync.Mutex
	convs        map[string]*convState
}

// convState caches a conversation's append cursor: the next sequence number
// and the most recently appended message, used to validate ordering rules.
type convState struct {
	seq  uint64
	last *Message
}

// NewStore creates a Store over the given kv backend.
func NewStore(s kv.Store) *Store {
	return &Store{
		kv:           s,
		personaLocks: make(map[string]*sync.Mutex),
		convs:        make(map[string]*convState),
	}
}

func (s *Store) personaLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.personaLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.personaLocks[id] = l
	}
	return l
}

func (s *Store) put(ctx context.Context, key kv.Key, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, b)
}

func get[T any](ctx context.Context, s *Store, key kv.Key) (*T, error) {
	b, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	var v T
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

func encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// CreatePersona stores a new persona together with its seed prompt version
// and activates that version, all in one batch.
func (s *Store) CreatePersona(ctx context.Context, p *Persona) error {
	now := time.Now()
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	seed := &PromptVersion{
		ID:            newVersionID(now),
		PersonaID:     p.ID,
		SystemPrompt:  p.BaseSystemPrompt,
		TuningSummary: "Initial setup",
		CreatedAt:     now,
	}
	p.ActiveVersionID = seed.ID

	pb, err := encode(p)
	if err != nil {
		return err
	}
	vb, err := encode(seed)
	if err != nil {
		return err
	}
	return s.kv.BatchSet(ctx, []kv.Entry{
		{Key: kv.Key{keyPersona, p.ID}, Value: pb},
		{Key: kv.Key{keyVersion, p.ID, seed.ID}, Value: vb},
	})
}

// GetPersona loads a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (*Persona, error) {
	return get[Persona](ctx, s, kv.Key{keyPersona, id})
}

// UpdatePersona rewrites a persona record. Callers edit display fields;
// ActiveVersionID moves only through AppendAndActivateVersion.
func (s *Store) UpdatePersona(ctx context.Context, p *Persona) error {
	l := s.personaLock(p.ID)
	l.Lock()
	defer l.Unlock()
	cur, err := s.GetPersona(ctx, p.ID)
	if err != nil {
		return err
	}
	p.ActiveVersionID = cur.ActiveVersionID
	p.CreatedAt = cur.CreatedAt
	return s.put(ctx, kv.Key{keyPersona, p.ID}, p)
}

// ListPersonas returns all personas owned by userID.
func (s *Store) ListPersonas(ctx context.Context, userID string) ([]*Persona, error) {
	var out []*Persona
	for entry, err := range s.kv.List(ctx, kv.Key{keyPersona}) {
		if err != nil {
			return nil, err
		}
		var p Persona
		if err := msgpack.Unmarshal(entry.Value, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		if p.UserID == userID {
			out = append(out, &p)
		}
	}
	return out, nil
}

// GetVersion loads one prompt version.
func (s *Store) GetVersion(ctx context.Context, personaID, versionID string) (*PromptVersion, error) {
	return get[PromptVersion](ctx, s, kv.Key{keyVersion, personaID, versionID})
}

// ListVersions returns a persona's full version chain in creation order.
func (s *Store) ListVersions(ctx context.Context, personaID string) ([]*PromptVersion, error) {
	var out []*PromptVersion
	for entry, err := range s.kv.List(ctx, kv.Key{keyVersion, personaID}) {
		if err != nil {
			return nil, err
		}
		var v PromptVersion
		if err := msgpack.Unmarshal(entry.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// ActiveVersion resolves a persona's active prompt version.
func (s *Store) ActiveVersion(ctx context.Context, p *Persona) (*PromptVersion, error) {
	if p.ActiveVersionID == "" {
		return nil, fmt.Errorf("%w: persona %s has no active version", ErrPersonaUnresolved, p.ID)
	}
	return s.GetVersion(ctx, p.ID, p.ActiveVersionID)
}

// AppendAndActivateVersion appends a new prompt version to the chain and
// repoints the persona's active version to it in one atomic batch, under a
// per-persona lock. Readers observe either the old pair or the new pair.
func (s *Store) AppendAndActivateVersion(ctx context.Context, v *PromptVersion) error {
	l := s.personaLock(v.PersonaID)
	l.Lock()
	defer l.Unlock()

	p, err := s.GetPersona(ctx, v.PersonaID)
	if err != nil {
		return err
	}
	now := time.Now()
	if v.ID == "" {
		v.ID = newVersionID(now)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	p.ActiveVersionID = v.ID

	pb, err := encode(p)
	if err != nil {
		return err
	}
	vb, err := encode(v)
	if err != nil {
		return err
	}
	return s.kv.BatchSet(ctx, []kv.Entry{
		{Key: kv.Key{keyVersion, v.PersonaID, v.ID}, Value: vb},
		{Key: kv.Key{keyPersona, p.ID}, Value: pb},
	})
}

// CreateConversation stores a new conversation.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	now := time.Now()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = c.CreatedAt
	}
	return s.put(ctx, kv.Key{keyConv, c.ID}, c)
}

// GetConversation loads a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return get[Conversation](ctx, s, kv.Key{keyConv, id})
}

// ListConversations returns all conversations owned by userID.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	var out []*Conversation
	for entry, err := range s.kv.List(ctx, kv.Key{keyConv}) {
		if err != nil {
			return nil, err
		}
		var c Conversation
		if err := msgpack.Unmarshal(entry.Value, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		if c.UserID == userID {
			out = append(out, &c)
		}
	}
	return out, nil
}

// TouchConversation advances a conversation's last-activity timestamp.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	c.LastMessageAt = at
	return s.put(ctx, kv.Key{keyConv, id}, c)
}

// msgRef indexes a message ID to its conversation slot.
type msgRef struct {
	ConversationID string `msgpack:"conversation_id"`
	Seq            uint64 `msgpack:"seq"`
}

func seqKey(convID string, seq uint64) kv.Key {
	return kv.Key{keyMsg, convID, fmt.Sprintf("%016d", seq)}
}

// loadConvState scans a conversation's messages to recover the append
// cursor. Called once per conversation per process; callers hold s.mu.
func (s *Store) loadConvState(ctx context.Context, convID string) (*convState, error) {
	st, ok := s.convs[convID]
	if ok {
		return st, nil
	}
	st = &convState{}
	for entry, err := range s.kv.List(ctx, kv.Key{keyMsg, convID}) {
		if err != nil {
			return nil, err
		}
		var m Message
		if err := msgpack.Unmarshal(entry.Value, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		st.seq = m.Seq
		st.last = &m
	}
	s.convs[convID] = st
	return st, nil
}

// AppendMessage appends one message to a conversation's history, assigning
// the next sequence number and validating the tool call/result ordering:
// a tool result must immediately follow the assistant invocation carrying
// the same tool-call ID, and an unresolved invocation blocks any other
// append.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	switch m.Sender {
	case SenderUser, SenderAssistant, SenderTool:
	default:
		return fmt.Errorf("%w: unknown sender %q", ErrOrderViolation, m.Sender)
	}
	if m.Sender == SenderTool && m.ToolCallID == "" {
		return fmt.Errorf("%w: tool message without tool_call_id", ErrOrderViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadConvState(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	if last := st.last; last != nil && last.IsToolCall() {
		if m.Sender != SenderTool || m.ToolCallID != last.ToolCallID {
			return fmt.Errorf("%w: tool call %s awaits its result", ErrOrderViolation, last.ToolCallID)
		}
	} else if m.Sender == SenderTool {
		return fmt.Errorf("%w: tool result %s without preceding call", ErrOrderViolation, m.ToolCallID)
	}

	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.Seq = st.seq + 1

	mb, err := encode(m)
	if err != nil {
		return err
	}
	rb, err := encode(&msgRef{ConversationID: m.ConversationID, Seq: m.Seq})
	if err != nil {
		return err
	}
	if err := s.kv.BatchSet(ctx, []kv.Entry{
		{Key: seqKey(m.ConversationID, m.Seq), Value: mb},
		{Key: kv.Key{keyMsgRef, m.ID}, Value: rb},
	}); err != nil {
		return err
	}
	st.seq = m.Seq
	cp := *m
	st.last = &cp
	return nil
}

// AppendToolExchange appends an assistant tool invocation and its result as
// one atomic batch. Persisting the pair with two appends would let a failure
// between them leave the history ending on an unresolved invocation, and the
// ordering guard would then reject every later append.
func (s *Store) AppendToolExchange(ctx context.Context, call, result *Message) error {
	if call.Sender != SenderAssistant || !call.IsToolCall() {
		return fmt.Errorf("%w: malformed tool call", ErrOrderViolation)
	}
	if result.Sender != SenderTool || result.ToolCallID != call.ToolCallID {
		return fmt.Errorf("%w: result does not match call %s", ErrOrderViolation, call.ToolCallID)
	}
	if result.ConversationID != call.ConversationID {
		return fmt.Errorf("%w: call and result belong to different conversations", ErrOrderViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadConvState(ctx, call.ConversationID)
	if err != nil {
		return err
	}
	if last := st.last; last != nil && last.IsToolCall() {
		return fmt.Errorf("%w: tool call %s awaits its result", ErrOrderViolation, last.ToolCallID)
	}

	now := time.Now()
	entries := make([]kv.Entry, 0, 4)
	for i, m := range []*Message{call, result} {
		if m.ID == "" {
			m.ID = newID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.Seq = st.seq + uint64(i) + 1
		mb, err := encode(m)
		if err != nil {
			return err
		}
		rb, err := encode(&msgRef{ConversationID: m.ConversationID, Seq: m.Seq})
		if err != nil {
			return err
		}
		entries = append(entries,
			kv.Entry{Key: seqKey(m.ConversationID, m.Seq), Value: mb},
			kv.Entry{Key: kv.Key{keyMsgRef, m.ID}, Value: rb},
		)
	}
	if err := s.kv.BatchSet(ctx, entries); err != nil {
		return err
	}
	st.seq = result.Seq
	cp := *result
	st.last = &cp
	return nil
}

// GetMessage loads a message by ID through the msgref index.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	ref, err := get[msgRef](ctx, s, kv.Key{keyMsgRef, id})
	if err != nil {
		return nil, err
	}
	return get[Message](ctx, s, seqKey(ref.ConversationID, ref.Seq))
}

// Messages returns a conversation's full history in order.
func (s *Store) Messages(ctx context.Context, convID string) ([]*Message, error) {
	var out []*Message
	for entry, err := range s.kv.List(ctx, kv.Key{keyMsg, convID}) {
		if err != nil {
			return nil, err
		}
		var m Message
		if err := msgpack.Unmarshal(entry.Value, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// RecentMessages returns the last n messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, convID string, n int) ([]*Message, error) {
	msgs, err := s.Messages(ctx, convID)
	if err != nil {
		return nil, err
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// CreateFeedback stores a feedback record after validating the rating.
func (s *Store) CreateFeedback(ctx context.Context, f *Feedback) error {
	if f.Rating < 1 || f.Rating > 5 {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, f.Rating)
	}
	if f.ID == "" {
		f.ID = newID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	return s.put(ctx, kv.Key{keyFeedback, f.ID}, f)
}

// GetFeedback loads a feedback record by ID.
func (s *Store) GetFeedback(ctx context.Context, id string) (*Feedback, error) {
	return get[Feedback](ctx, s, kv.Key{keyFeedback, id})
}
