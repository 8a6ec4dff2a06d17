package flowcontrol

import (
	"context"
	"sync"
)

// DynamicSemaphore is a counting semaphore whose capacity can be raised or
// lowered at runtime. Raising the capacity releases blocked acquirers
// immediately; lowering it leaves outstanding holders untouched and simply
// stops admitting new work until enough permits have been returned.
type DynamicSemaphore struct {
	mu sync.Mutex
	// capacity is the current maximum number of concurrently held permits.
	capacity int
	// inUse is the number of currently held permits. It may exceed capacity
	// transiently after a capacity reduction.
	inUse int
	// waiters is the FIFO queue of blocked Acquire calls, each a one-shot
	// buffered channel.
	waiters []chan struct{}
}

// NewDynamicSemaphore creates a semaphore with the given initial capacity.
// A capacity below 1 is clamped to 1.
func NewDynamicSemaphore(capacity int) *DynamicSemaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &DynamicSemaphore{capacity: capacity}
}

// Acquire obtains a permit, blocking until one is available or ctx is
// cancelled.
func (s *DynamicSemaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.capacity {
		s.inUse++
		s.mu.Unlock()
		return nil
	}
	w := make(chan struct{}, 1)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, o := range s.waiters {
			if o == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		// A release may have granted the permit concurrently with
		// cancellation; give it back.
		select {
		case <-w:
			s.releaseLocked()
		default:
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a permit.
func (s *DynamicSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *DynamicSemaphore) releaseLocked() {
	if s.inUse > 0 {
		s.inUse--
	}
	s.grantLocked()
}

// SetCapacity adjusts the capacity. Growth wakes blocked acquirers; a
// reduction takes effect as outstanding permits are released.
func (s *DynamicSemaphore) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = capacity
	s.grantLocked()
}

// grantLocked hands permits to waiters while capacity allows.
func (s *DynamicSemaphore) grantLocked() {
	for s.inUse < s.capacity && len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.inUse++
		w <- struct{}{}
	}
}

// Capacity returns the current capacity.
func (s *DynamicSemaphore) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// InUse returns the number of currently held permits.
func (s *DynamicSemaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}
