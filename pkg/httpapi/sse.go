package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// firstByteDelay gives the client's stream reader time to attach before
// deltas start flowing.
const firstByteDelay = 200 * time.Millisecond

// sseWriter streams turn events as server-sent events. Headers are written
// lazily on the first event so pre-stream failures can still use a proper
// HTTP status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	delay   time.Duration
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("httpapi: streaming unsupported")
	}
	return &sseWriter{w: w, flusher: flusher, delay: firstByteDelay}, nil
}

// Started reports whether any bytes were written to the response.
func (s *sseWriter) Started() bool {
	return s.started
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable proxy buffering so deltas reach the client immediately.
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}

func (s *sseWriter) send(payload any) error {
	s.start()
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendText emits a text delta record.
func (s *sseWriter) SendText(delta string) error {
	return s.send(map[string]string{"text": delta})
}

// SendImage emits an image URL record.
func (s *sseWriter) SendImage(url string) error {
	return s.send(map[string]string{"image_url": url})
}

// Close emits the terminal marker.
func (s *sseWriter) Close() {
	s.start()
	fmt.Fprint(s.w, "event: close\ndata: [DONE]\n\n")
	s.flusher.Flush()
}

// Fail emits an error record. Used only after the stream has started;
// before that, failures go out as a plain HTTP status.
func (s *sseWriter) Fail(msg string) {
	s.start()
	fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", mustJSON(errorBody{Error: msg}))
	s.flusher.Flush()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return data
}
