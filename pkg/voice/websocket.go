package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aurelia-labs/companion/pkg/companion"
)

const defaultWSURL = "wss://api.openai.com/v1/realtime"

// WSConfig configures a WebSocket realtime session. It is the fallback
// transport for environments without WebRTC; audio rides the control
// connection as base64 frames instead of a media track.
type WSConfig struct {
	// ClientSecret is the ephemeral credential minted by Bridge.CreateSession.
	ClientSecret string
	Model        string
	URL          string

	Sink         TranscriptSink
	OnTranscript func(Transcript)
	OnDelta      func(sender companion.Sender, delta string)

	Logger *slog.Logger
}

// WSSession is a realtime session over a WebSocket connection. Event
// handling matches the WebRTC Call so transcripts come out the same either
// way.
type WSSession struct {
	conn *websocket.Conn
	rec  *recorder
	log  *slog.Logger

	writeMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DialWS connects a WebSocket realtime session and performs the control
// handshake.
func DialWS(ctx context.Context, cfg WSConfig) (*WSSession, error) {
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("voice: client secret required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultRealtimeModel
	}
	if cfg.URL == "" {
		cfg.URL = defaultWSURL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	url := fmt.Sprintf("%s?model=%s", cfg.URL, cfg.Model)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.ClientSecret)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("voice: ws connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("voice: ws connect: %w", err)
	}

	s := &WSSession{
		conn:    conn,
		rec:     newRecorder(cfg.Sink, log),
		log:     log,
		closeCh: make(chan struct{}),
	}
	s.rec.onTranscript = cfg.OnTranscript
	s.rec.onDelta = cfg.OnDelta

	if err := s.sendEvent(sessionUpdateEvent()); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.sendEvent(responseCreateEvent(greetingInstructions)); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

func (s *WSSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closeCh:
			default:
				s.log.Debug("ws read ended", "err", err)
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("undecodable control event", "err", err, "len", len(data))
			continue
		}
		s.rec.dispatch(context.Background(), &ev)
	}
}

// AppendAudio sends captured PCM audio upstream as a base64 buffer frame.
func (s *WSSession) AppendAudio(audio []byte) error {
	return s.sendEvent(map[string]any{
		"event_id": newEventID(),
		"type":     "input_audio_buffer.append",
		"audio":    base64.StdEncoding.EncodeToString(audio),
	})
}

// SendText injects a typed user message and asks for a reply.
func (s *WSSession) SendText(text string) error {
	if err := s.sendEvent(userTextEvent(text)); err != nil {
		return err
	}
	return s.sendEvent(responseCreateEvent(""))
}

// Transcripts returns the utterances captured so far, in arrival order.
func (s *WSSession) Transcripts() []Transcript {
	return s.rec.Transcripts()
}

// Err returns the last provider error event received, if any.
func (s *WSSession) Err() error {
	return s.rec.Err()
}

// Close shuts the session down. Safe to call more than once.
func (s *WSSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *WSSession) sendEvent(event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
