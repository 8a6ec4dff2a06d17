// Package prioritychannel provides a multi-producer multi-consumer channel
// that delivers items in strict priority order, with FIFO ordering within a
// priority level.
//
// ───────────────────────────── How it works ─────────────────────────────
//   - Writers never block: an item is either handed directly to a blocked
//     reader or appended to its level's FIFO queue.
//   - Readers scan levels lowest-index first. A reader that finds nothing
//     parks itself on a reader queue and is handed the next written item
//     directly, bypassing the level queues.
//   - WaitToRead parks observers that only want a readability signal; a
//     write wakes all of them in a single pass.
//   - Complete is idempotent. Writes fail afterwards, readers drain the
//     remaining items and then fail with ErrClosed, and the Done channel
//     closes once the channel is both completed and empty.
package prioritychannel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by writes after Complete and by reads once a
// completed channel has been fully drained.
var ErrClosed = errors.New("prioritychannel: channel closed")

// delivery carries an item (or a terminal error) to a parked reader.
type delivery[T any] struct {
	item  T
	level int
	err   error
}

// readerOp represents a parked Read call.
type readerOp[T any] struct {
	// ch receives exactly one delivery. It is buffered so writers never
	// block on handoff.
	ch chan delivery[T]
	// cancelled marks the reader as abandoned; writers skip it on wake.
	cancelled bool
}

// Channel is a K-level priority channel. The zero value is not usable; use
// New.
type Channel[T any] struct {
	// mu guards all fields below except count.
	mu sync.Mutex
	// queues holds the per-level FIFO queues, lowest index first.
	queues [][]T
	// count tracks the number of queued (not yet delivered) items. It is
	// atomic so that empty-channel fast paths avoid the lock.
	count atomic.Int64
	// readers is the FIFO queue of parked Read calls.
	readers []*readerOp[T]
	// waiters is the set of parked WaitToRead observers, each a one-shot
	// buffered channel. A write wakes and detaches all of them.
	waiters []chan bool
	// doneWriting is set by Complete; no further writes are accepted.
	doneWriting bool
	// err is the optional error passed to Complete.
	err error
	// completed is closed once the channel is completed and drained.
	completed chan struct{}
	// completedClosed guards the close of completed.
	completedClosed bool
}

// New creates a Channel with the given number of priority levels. Level 0 is
// the highest priority.
func New[T any](levels int) *Channel[T] {
	if levels < 1 {
		levels = 1
	}
	return &Channel[T]{
		queues:    make([][]T, levels),
		completed: make(chan struct{}),
	}
}

// Levels returns the number of priority levels.
func (c *Channel[T]) Levels() int { return len(c.queues) }

// Len returns the number of items currently queued.
func (c *Channel[T]) Len() int { return int(c.count.Load()) }

// TryWrite enqueues item at the given level. It never blocks and returns
// false only after Complete has been called.
func (c *Channel[T]) TryWrite(level int, item T) bool {
	return c.Write(level, item) == nil
}

// Write enqueues item at the given level. The channel is unbounded, so Write
// completes synchronously; it returns ErrClosed after Complete.
func (c *Channel[T]) Write(level int, item T) error {
	if level < 0 || level >= len(c.queues) {
		level = len(c.queues) - 1
	}
	c.mu.Lock()
	if c.doneWriting {
		c.mu.Unlock()
		return ErrClosed
	}
	// Hand the item directly to the oldest live parked reader, bypassing
	// the queues.
	for len(c.readers) > 0 {
		op := c.readers[0]
		c.readers = c.readers[1:]
		if op.cancelled {
			continue
		}
		op.ch <- delivery[T]{item: item, level: level}
		c.mu.Unlock()
		return nil
	}
	c.queues[level] = append(c.queues[level], item)
	c.count.Add(1)
	c.wakeWaitersLocked(true)
	c.mu.Unlock()
	return nil
}

// TryRead dequeues the highest-priority item without blocking. It returns
// the item, its level, and true; or false when no item is queued. After
// Complete, TryRead drains the remaining items before reporting false.
func (c *Channel[T]) TryRead() (T, int, bool) {
	var zero T
	if c.count.Load() == 0 {
		return zero, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dequeueLocked()
}

// TryPeek returns the item TryRead would deliver without removing it.
func (c *Channel[T]) TryPeek() (T, int, bool) {
	var zero T
	if c.count.Load() == 0 {
		return zero, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for level, q := range c.queues {
		if len(q) > 0 {
			return q[0], level, true
		}
	}
	return zero, 0, false
}

// Read dequeues the highest-priority item, blocking until one is available,
// ctx is cancelled, or the channel is completed and drained (ErrClosed).
func (c *Channel[T]) Read(ctx context.Context) (T, int, error) {
	var zero T
	c.mu.Lock()
	if item, level, ok := c.dequeueLocked(); ok {
		c.mu.Unlock()
		return item, level, nil
	}
	if c.doneWriting {
		c.mu.Unlock()
		return zero, 0, ErrClosed
	}
	op := &readerOp[T]{ch: make(chan delivery[T], 1)}
	c.readers = append(c.readers, op)
	c.mu.Unlock()

	select {
	case d := <-op.ch:
		if d.err != nil {
			return zero, 0, d.err
		}
		return d.item, d.level, nil
	case <-ctx.Done():
		return zero, 0, c.cancelReader(ctx, op)
	}
}

// cancelReader abandons a parked reader. If a writer handed an item to the
// reader concurrently with cancellation, the item is re-offered to the next
// parked reader, or returned to the front of its level queue so it is not
// lost.
func (c *Channel[T]) cancelReader(ctx context.Context, op *readerOp[T]) error {
	c.mu.Lock()
	op.cancelled = true
	for i, r := range c.readers {
		if r == op {
			c.readers = append(c.readers[:i], c.readers[i+1:]...)
			break
		}
	}
	select {
	case d := <-op.ch:
		if d.err == nil {
			c.reofferLocked(d)
		}
	default:
	}
	c.mu.Unlock()
	return ctx.Err()
}

// reofferLocked returns a delivery taken from a cancelled reader to the
// channel: the next live parked reader gets it directly, otherwise it goes
// back to the head of its level queue.
func (c *Channel[T]) reofferLocked(d delivery[T]) {
	for len(c.readers) > 0 {
		op := c.readers[0]
		c.readers = c.readers[1:]
		if op.cancelled {
			continue
		}
		op.ch <- d
		return
	}
	c.queues[d.level] = append([]T{d.item}, c.queues[d.level]...)
	c.count.Add(1)
	c.wakeWaitersLocked(true)
}

// WaitToRead blocks until an item is available (true), the channel is
// completed empty (false), or ctx is cancelled.
func (c *Channel[T]) WaitToRead(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.count.Load() > 0 {
		c.mu.Unlock()
		return true, nil
	}
	if c.doneWriting {
		c.mu.Unlock()
		return false, nil
	}
	w := make(chan bool, 1)
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case ok := <-w:
		return ok, nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, o := range c.waiters {
			if o == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return false, ctx.Err()
	}
}

// Complete marks the channel as done-writing. Subsequent writes fail,
// parked readers fail with ErrClosed, parked waiters observe false, and the
// Done channel closes once the queues are empty. Complete is idempotent and
// reports whether this call transitioned the channel.
func (c *Channel[T]) Complete(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doneWriting {
		return false
	}
	c.doneWriting = true
	c.err = err
	for _, op := range c.readers {
		if !op.cancelled {
			op.ch <- delivery[T]{err: ErrClosed}
		}
	}
	c.readers = nil
	c.wakeWaitersLocked(false)
	c.maybeCloseLocked()
	return true
}

// Done returns a channel closed once the channel is completed and fully
// drained.
func (c *Channel[T]) Done() <-chan struct{} { return c.completed }

// Err returns the error passed to Complete, if any.
func (c *Channel[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// dequeueLocked removes and returns the highest-priority queued item.
func (c *Channel[T]) dequeueLocked() (T, int, bool) {
	var zero T
	for level, q := range c.queues {
		if len(q) == 0 {
			continue
		}
		item := q[0]
		c.queues[level] = q[1:]
		c.count.Add(-1)
		c.maybeCloseLocked()
		return item, level, true
	}
	return zero, 0, false
}

// wakeWaitersLocked wakes all parked WaitToRead observers in one pass and
// detaches them.
func (c *Channel[T]) wakeWaitersLocked(readable bool) {
	for _, w := range c.waiters {
		w <- readable
	}
	c.waiters = nil
}

// maybeCloseLocked closes the Done channel once the channel is completed
// and empty.
func (c *Channel[T]) maybeCloseLocked() {
	if c.doneWriting && c.count.Load() == 0 && !c.completedClosed {
		c.completedClosed = true
		close(c.completed)
	}
}
