package voice

import (
	"fmt"

	"github.com/google/uuid"
)

// Client event types (sent to the provider over the control channel).
const (
	eventTypeSessionUpdate          = "session.update"
	eventTypeResponseCreate         = "response.create"
	eventTypeConversationItemCreate = "conversation.item.create"
)

// Server event types. Inbound events are dispatched against this closed
// set; unknown types are ignored.
const (
	eventTypeError          = "error"
	eventTypeSessionCreated = "session.created"
	eventTypeSessionUpdated = "session.updated"

	eventTypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	eventTypeInputTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"

	eventTypeSpeechStarted = "input_audio_buffer.speech_started"
	eventTypeSpeechStopped = "input_audio_buffer.speech_stopped"

	eventTypeResponseTextDelta            = "response.text.delta"
	eventTypeResponseTextDone             = "response.text.done"
	eventTypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	eventTypeResponseAudioTranscriptDone  = "response.audio_transcript.done"
	eventTypeResponseDone                 = "response.done"
)

// serverEvent is the subset of the provider's event envelope the bridge
// consumes.
type serverEvent struct {
	Type       string      `json:"type"`
	EventID    string      `json:"event_id,omitempty"`
	ItemID     string      `json:"item_id,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Delta      string      `json:"delta,omitempty"`
	Text       string      `json:"text,omitempty"`
	Error      *eventError `json:"error,omitempty"`
}

type eventError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *eventError) Error() string {
	return fmt.Sprintf("voice: provider error %s: %s", e.Code, e.Message)
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

// sessionUpdateEvent enables server-side voice activity detection and input
// transcription. Sent once when the control channel opens.
func sessionUpdateEvent() map[string]any {
	return map[string]any{
		"event_id": newEventID(),
		"type":     eventTypeSessionUpdate,
		"session": map[string]any{
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	}
}

// responseCreateEvent asks the model to generate a turn. instructions may
// be empty for the forced fallback trigger.
func responseCreateEvent(instructions string) map[string]any {
	ev := map[string]any{
		"event_id": newEventID(),
		"type":     eventTypeResponseCreate,
	}
	if instructions != "" {
		ev["response"] = map[string]any{
			"instructions": instructions,
		}
	}
	return ev
}

// userTextEvent injects a typed user message into the session.
func userTextEvent(text string) map[string]any {
	return map[string]any{
		"event_id": newEventID(),
		"type":     eventTypeConversationItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
}

const greetingInstructions = "Greet the user warmly in character and ask how they are doing."
