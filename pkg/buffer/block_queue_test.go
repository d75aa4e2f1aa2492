package buffer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/aurelia-labs/companion/pkg/buffer"
)

func TestAddNextOrder(t *testing.T) {
	q := buffer.NewBlockQueue[int](4)
	for i := 1; i <= 3; i++ {
		if err := q.Add(i); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	for i := 1; i <= 3; i++ {
		v, err := q.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if v != i {
			t.Fatalf("Next = %d, want %d", v, i)
		}
	}
}

func TestCloseWriteDrains(t *testing.T) {
	q := buffer.NewBlockQueue[string](2)
	if err := q.Add("a"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	v, err := q.Next()
	if err != nil || v != "a" {
		t.Fatalf("Next = %q, %v; want \"a\", nil", v, err)
	}
	if _, err := q.Next(); !errors.Is(err, buffer.ErrDone) {
		t.Fatalf("Next after drain = %v, want ErrDone", err)
	}
	if err := q.Add("b"); err == nil {
		t.Fatal("Add after CloseWrite should fail")
	}
}

func TestCloseWithErrorUnblocks(t *testing.T) {
	q := buffer.NewBlockQueue[int](1)
	boom := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		_, err := q.Next()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.CloseWithError(boom)

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("Next = %v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock")
	}
}

func TestAddBlocksWhenFull(t *testing.T) {
	q := buffer.NewBlockQueue[int](1)
	if err := q.Add(1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	added := make(chan struct{})
	go func() {
		q.Add(2)
		close(added)
	}()

	select {
	case <-added:
		t.Fatal("Add should block while full")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := q.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	select {
	case <-added:
	case <-time.After(time.Second):
		t.Fatal("Add did not unblock after Next")
	}
}
