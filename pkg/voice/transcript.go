package voice

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aurelia-labs/companion/pkg/companion"
)

// Transcript is one completed utterance captured during a voice session.
type Transcript struct {
	Sender companion.Sender
	Text   string
	At     time.Time
}

// TranscriptSink persists completed transcripts.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, sender companion.Sender, text string) error
}

// ConversationSink appends transcripts to a conversation's message history,
// so a voice session produces the same records a text turn would.
type ConversationSink struct {
	store  *companion.Store
	convID string
}

// NewConversationSink creates a sink writing into the given conversation.
func NewConversationSink(store *companion.Store, convID string) *ConversationSink {
	return &ConversationSink{store: store, convID: convID}
}

func (s *ConversationSink) SaveTranscript(ctx context.Context, sender companion.Sender, text string) error {
	m := &companion.Message{
		ConversationID: s.convID,
		Sender:         sender,
		Body:           text,
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return err
	}
	return s.store.TouchConversation(ctx, s.convID, m.CreatedAt)
}

// recorder dispatches inbound provider events for a session: completed
// transcripts are recorded in arrival order and persisted, deltas are
// forwarded but never persisted.
type recorder struct {
	sink         TranscriptSink
	onTranscript func(Transcript)
	onDelta      func(sender companion.Sender, delta string)
	log          *slog.Logger

	mu      sync.Mutex
	entries []Transcript
	lastErr error

	// responded is closed on the first completed response, disarming the
	// forced response.create fallback.
	responded     chan struct{}
	respondedOnce sync.Once
}

func newRecorder(sink TranscriptSink, log *slog.Logger) *recorder {
	return &recorder{
		sink:      sink,
		log:       log,
		responded: make(chan struct{}),
	}
}

func (r *recorder) dispatch(ctx context.Context, ev *serverEvent) {
	switch ev.Type {
	case eventTypeSessionCreated, eventTypeSessionUpdated:
		r.log.Debug("session event", "type", ev.Type)
	case eventTypeSpeechStarted, eventTypeSpeechStopped:
		r.log.Debug("speech activity", "type", ev.Type)
	case eventTypeInputTranscriptionCompleted:
		r.record(ctx, companion.SenderUser, ev.Transcript)
	case eventTypeInputTranscriptionFailed:
		r.log.Warn("input transcription failed", "item", ev.ItemID)
	case eventTypeResponseTextDelta:
		r.delta(companion.SenderAssistant, ev.Delta)
	case eventTypeResponseAudioTranscriptDelta:
		r.delta(companion.SenderAssistant, ev.Delta)
	case eventTypeResponseTextDone:
		r.record(ctx, companion.SenderAssistant, ev.Text)
	case eventTypeResponseAudioTranscriptDone:
		r.record(ctx, companion.SenderAssistant, ev.Transcript)
	case eventTypeResponseDone:
		r.respondedOnce.Do(func() { close(r.responded) })
	case eventTypeError:
		if ev.Error != nil {
			r.log.Error("provider error event", "code", ev.Error.Code, "msg", ev.Error.Message)
			r.mu.Lock()
			r.lastErr = ev.Error
			r.mu.Unlock()
		}
	default:
		// Outside the closed set; ignore.
	}
}

func (r *recorder) record(ctx context.Context, sender companion.Sender, text string) {
	if text == "" {
		return
	}
	entry := Transcript{Sender: sender, Text: text, At: time.Now()}
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	if r.sink != nil {
		if err := r.sink.SaveTranscript(ctx, sender, text); err != nil {
			r.log.Error("transcript persistence failed", "err", err, "sender", sender)
		}
	}
	if r.onTranscript != nil {
		r.onTranscript(entry)
	}
}

func (r *recorder) delta(sender companion.Sender, delta string) {
	if delta == "" {
		return
	}
	if r.onDelta != nil {
		r.onDelta(sender, delta)
	}
}

// Transcripts returns the captured entries in arrival order.
func (r *recorder) Transcripts() []Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// Err returns the last provider error event, if any.
func (r *recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}
