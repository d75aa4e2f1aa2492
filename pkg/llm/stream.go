package llm

import (
	"errors"
	"io"

	"github.com/aurelia-labs/companion/pkg/buffer"
)

// StreamBuilder is the producer side of a Stream. A provider pull goroutine
// feeds deltas in with Add and terminates the stream with Done or Abort.
type StreamBuilder struct {
	q *buffer.BlockQueue[string]
}

// NewStreamBuilder creates a builder buffering up to size deltas.
func NewStreamBuilder(size int) *StreamBuilder {
	return &StreamBuilder{q: buffer.NewBlockQueue[string](size)}
}

// Add queues one text delta, blocking while the buffer is full.
func (sb *StreamBuilder) Add(delta string) error {
	return sb.q.Add(delta)
}

// Done marks the stream complete. Queued deltas remain readable.
func (sb *StreamBuilder) Done() error {
	return sb.q.CloseWrite()
}

// Abort tears the stream down with err; pending and future Next calls
// return it.
func (sb *StreamBuilder) Abort(err error) error {
	return sb.q.CloseWithError(err)
}

// Stream returns the consumer side.
func (sb *StreamBuilder) Stream() Stream {
	return (*streamImpl)(sb)
}

type streamImpl StreamBuilder

func (s *streamImpl) Next() (string, error) {
	delta, err := s.q.Next()
	if err != nil {
		if errors.Is(err, buffer.ErrDone) {
			return "", ErrDone
		}
		return "", err
	}
	return delta, nil
}

func (s *streamImpl) Close() error {
	s.q.CloseWithError(io.ErrClosedPipe)
	return nil
}
