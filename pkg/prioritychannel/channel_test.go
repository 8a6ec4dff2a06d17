package prioritychannel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStrictPriorityOrdering(t *testing.T) {
	ch := New[string](3)
	ch.Write(2, "low")
	ch.Write(0, "high")
	ch.Write(1, "normal")

	want := []string{"high", "normal", "low"}
	for _, w := range want {
		item, _, ok := ch.TryRead()
		if !ok {
			t.Fatalf("expected item %q, channel empty", w)
		}
		if item != w {
			t.Errorf("got %q, want %q", item, w)
		}
	}
}

func TestFIFOWithinLevel(t *testing.T) {
	ch := New[int](3)
	for i := 0; i < 10; i++ {
		ch.Write(1, i)
	}
	for i := 0; i < 10; i++ {
		item, level, ok := ch.TryRead()
		if !ok || item != i || level != 1 {
			t.Fatalf("read %d: got (%d,%d,%v)", i, item, level, ok)
		}
	}
}

func TestHigherPriorityWinsNextRead(t *testing.T) {
	ch := New[string](3)
	ch.Write(2, "low")
	ch.Write(0, "high")
	item, _, _ := ch.TryRead()
	if item != "high" {
		t.Errorf("got %q, want high", item)
	}
}

func TestReadBlocksUntilWrite(t *testing.T) {
	ch := New[string](3)
	got := make(chan string, 1)
	go func() {
		item, _, err := ch.Read(context.Background())
		if err != nil {
			t.Errorf("Read: %v", err)
		}
		got <- item
	}()
	time.Sleep(20 * time.Millisecond)
	ch.Write(1, "delivered")
	select {
	case item := <-got:
		if item != "delivered" {
			t.Errorf("got %q", item)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked reader never received the item")
	}
	if ch.Len() != 0 {
		t.Errorf("direct handoff should bypass the queue, Len=%d", ch.Len())
	}
}

func TestCompleteDrainsThenFails(t *testing.T) {
	ch := New[int](3)
	ch.Write(0, 1)
	ch.Write(1, 2)
	if !ch.Complete(nil) {
		t.Fatal("first Complete returned false")
	}
	if ch.Complete(nil) {
		t.Error("second Complete should be a no-op")
	}

	for want := 1; want <= 2; want++ {
		item, _, ok := ch.TryRead()
		if !ok || item != want {
			t.Fatalf("drain %d: got (%d,%v)", want, item, ok)
		}
	}
	if _, _, ok := ch.TryRead(); ok {
		t.Error("TryRead after drain should report empty")
	}
	if _, _, err := ch.Read(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after drain: got %v, want ErrClosed", err)
	}
}

func TestWriteAfterCompleteFails(t *testing.T) {
	ch := New[int](3)
	ch.Complete(nil)
	if ch.TryWrite(0, 1) {
		t.Error("TryWrite after Complete succeeded")
	}
	if err := ch.Write(0, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Complete: got %v, want ErrClosed", err)
	}
}

func TestCompleteFailsBlockedReaders(t *testing.T) {
	ch := New[int](3)
	errc := make(chan error, 1)
	go func() {
		_, _, err := ch.Read(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ch.Complete(nil)
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("got %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked reader not released by Complete")
	}
}

func TestWaitToRead(t *testing.T) {
	ch := New[int](3)
	readable := make(chan bool, 1)
	go func() {
		ok, err := ch.WaitToRead(context.Background())
		if err != nil {
			t.Errorf("WaitToRead: %v", err)
		}
		readable <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	ch.Write(2, 7)
	select {
	case ok := <-readable:
		if !ok {
			t.Error("WaitToRead reported false after a write")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by write")
	}

	// Completed empty channel reports false.
	ch.TryRead()
	go func() {
		ok, _ := ch.WaitToRead(context.Background())
		readable <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	ch.Complete(nil)
	if ok := <-readable; ok {
		t.Error("WaitToRead reported true on completed empty channel")
	}
}

func TestCancelledReaderDoesNotLoseItem(t *testing.T) {
	ch := New[int](3)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := ch.Read(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled reader: got %v", err)
	}

	ch.Write(1, 42)
	item, _, ok := ch.TryRead()
	if !ok || item != 42 {
		t.Errorf("item lost after reader cancellation: got (%d,%v)", item, ok)
	}
}

func TestDoneClosesAfterDrain(t *testing.T) {
	ch := New[int](3)
	ch.Write(0, 1)
	ch.Complete(nil)
	select {
	case <-ch.Done():
		t.Fatal("Done closed while items remain")
	default:
	}
	ch.TryRead()
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after drain")
	}
}

func TestCompletionError(t *testing.T) {
	ch := New[int](3)
	cause := errors.New("shutdown cause")
	ch.Complete(cause)
	if got := ch.Err(); !errors.Is(got, cause) {
		t.Errorf("Err: got %v, want %v", got, cause)
	}
}

func TestTryPeekLeavesItem(t *testing.T) {
	ch := New[int](3)
	ch.Write(1, 9)
	item, level, ok := ch.TryPeek()
	if !ok || item != 9 || level != 1 {
		t.Fatalf("TryPeek: got (%d,%d,%v)", item, level, ok)
	}
	if ch.Len() != 1 {
		t.Errorf("TryPeek consumed the item")
	}
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	ch := New[int](3)
	const perLevel = 100
	for level := 0; level < 3; level++ {
		go func(level int) {
			for i := 0; i < perLevel; i++ {
				ch.Write(level, level*perLevel+i)
			}
		}(level)
	}

	seen := make(map[int]bool)
	for i := 0; i < 3*perLevel; i++ {
		item, _, err := ch.Read(context.Background())
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if seen[item] {
			t.Fatalf("item %d delivered twice", item)
		}
		seen[item] = true
	}
	if ch.Len() != 0 {
		t.Errorf("channel not drained: %d left", ch.Len())
	}
}
