// Package buffer provides a blocking bounded queue used to hand elements
// from a producer goroutine to a consumer, with flow control: Add blocks
// when the queue is full, Next blocks when it is empty.
package buffer

import (
	"errors"
	"io"
	"sync"
)

// ErrDone is returned by Next when the write side has been closed and all
// queued elements have been consumed.
var ErrDone = errors.New("buffer: done")

// BlockQueue is a thread-safe bounded FIFO queue of elements of type T.
type BlockQueue[T any] struct {
	cond *sync.Cond

	mu         sync.Mutex
	buf        []T
	cap        int
	closeWrite bool
	closeErr   error
}

// NewBlockQueue creates a BlockQueue holding at most size elements.
func NewBlockQueue[T any](size int) *BlockQueue[T] {
	if size <= 0 {
		size = 1
	}
	q := &BlockQueue[T]{cap: size}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add appends one element, blocking while the queue is full.
// Returns an error if the queue has been closed.
func (q *BlockQueue[T]) Add(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closeErr != nil {
			return q.closeErr
		}
		if q.closeWrite {
			return io.ErrClosedPipe
		}
		if len(q.buf) < q.cap {
			break
		}
		q.cond.Wait()
	}
	q.buf = append(q.buf, v)
	q.cond.Broadcast()
	return nil
}

// Next removes and returns the oldest element, blocking while the queue is
// empty. Returns ErrDone after CloseWrite once the queue drains, or the
// close error after CloseWithError.
func (q *BlockQueue[T]) Next() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	for {
		if q.closeErr != nil {
			return zero, q.closeErr
		}
		if len(q.buf) > 0 {
			break
		}
		if q.closeWrite {
			return zero, ErrDone
		}
		q.cond.Wait()
	}
	v := q.buf[0]
	q.buf = q.buf[1:]
	q.cond.Broadcast()
	return v, nil
}

// CloseWrite closes the write side. Queued elements remain readable;
// Next returns ErrDone once they drain.
func (q *BlockQueue[T]) CloseWrite() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeWrite = true
	q.cond.Broadcast()
	return nil
}

// CloseWithError tears down both sides. Pending and future Add/Next calls
// return err. A nil err is replaced with io.ErrClosedPipe.
func (q *BlockQueue[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr == nil {
		q.closeErr = err
		q.closeWrite = true
		q.buf = nil
		q.cond.Broadcast()
	}
	return nil
}

// Close is CloseWithError(io.ErrClosedPipe).
func (q *BlockQueue[T]) Close() error {
	return q.CloseWithError(io.ErrClosedPipe)
}
