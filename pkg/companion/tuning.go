package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aurelia-labs/companion/pkg/llm"
)

const tunerSystemPrompt = "You are a professional persona engineer."

const tuningPromptTemplate = `You are an AI personality tuner. A user provided feedback on a companion's response.

Current System Prompt: %s
Current Tuning: %s

User Rating: %d/5
User Tags: %s
User Comment: %s

Assistant Message that was rated: %s

Task: Provide a short, structured update to the 'Tuning Rules' for this personality.
Focus on what the AI should do differently based on this feedback.
Be concise. Output ONLY the new tuning summary text.`

// Tuner is the asynchronous feedback worker. Each enqueued feedback record
// produces at most one meta-prompt call; on success a new prompt version is
// appended and activated, on failure the error is logged and the active
// version is left unchanged. There is no retry.
type Tuner struct {
	store  *Store
	client llm.Client
	log    *slog.Logger

	queue chan string
	wg    sync.WaitGroup
}

// TunerOption configures a Tuner.
type TunerOption func(*Tuner)

// WithTunerLogger sets the tuner's logger.
func WithTunerLogger(l *slog.Logger) TunerOption {
	return func(t *Tuner) { t.log = l }
}

// NewTuner creates a Tuner. client is typically backed by a higher
// capability model than the turn generation client.
func NewTuner(store *Store, client llm.Client, opts ...TunerOption) *Tuner {
	t := &Tuner{
		store:  store,
		client: client,
		log:    slog.Default(),
		queue:  make(chan string, 64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the worker goroutine. It drains until ctx is canceled.
func (t *Tuner) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case feedbackID := <-t.queue:
				t.process(ctx, feedbackID)
			}
		}
	}()
}

// Wait blocks until the worker goroutine exits.
func (t *Tuner) Wait() {
	t.wg.Wait()
}

// Enqueue schedules one tuning run for the feedback record.
// Fire-and-forget: when the queue is full the run is dropped and logged.
func (t *Tuner) Enqueue(feedbackID string) {
	select {
	case t.queue <- feedbackID:
	default:
		t.log.Error("tuning queue full, dropping feedback", "feedback", feedbackID)
	}
}

// process runs one tuning pass. All failures are logged and swallowed:
// tuning is best-effort and invisible to the end user.
func (t *Tuner) process(ctx context.Context, feedbackID string) {
	if err := t.ProcessFeedback(ctx, feedbackID); err != nil {
		t.log.Error("failed to process feedback tuning", "err", err, "feedback", feedbackID)
	}
}

// ProcessFeedback runs one tuning pass synchronously: build the meta-prompt
// from the feedback record and the persona's active version, call the
// model, and append-and-activate the resulting version.
func (t *Tuner) ProcessFeedback(ctx context.Context, feedbackID string) error {
	fb, err := t.store.GetFeedback(ctx, feedbackID)
	if err != nil {
		return err
	}
	conv, err := t.store.GetConversation(ctx, fb.ConversationID)
	if err != nil {
		return err
	}
	persona, err := t.store.GetPersona(ctx, conv.PersonaID)
	if err != nil {
		return err
	}
	active, err := t.store.ActiveVersion(ctx, persona)
	if err != nil {
		return err
	}
	rated, err := t.store.GetMessage(ctx, fb.MessageID)
	if err != nil {
		return err
	}

	tags, _ := json.Marshal(fb.Tags)
	prompt := fmt.Sprintf(tuningPromptTemplate,
		active.SystemPrompt,
		active.TuningSummary,
		fb.Rating,
		tags,
		fb.Comment,
		rated.Body,
	)

	comp, err := t.client.ChatComplete(ctx, []llm.Message{
		llm.System(tunerSystemPrompt),
		llm.User(prompt),
	}, nil)
	if err != nil {
		return fmt.Errorf("meta-prompt call: %w", err)
	}
	if comp.Text == "" {
		return fmt.Errorf("meta-prompt call returned no text")
	}

	return t.store.AppendAndActivateVersion(ctx, &PromptVersion{
		PersonaID:     persona.ID,
		SystemPrompt:  active.SystemPrompt,
		TuningSummary: comp.Text,
		FeedbackID:    fb.ID,
	})
}
