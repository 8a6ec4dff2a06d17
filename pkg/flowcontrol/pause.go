// Package flowcontrol provides the cooperative scheduling primitives used by
// the download engine: a pause gate, a counting semaphore with runtime
// adjustable capacity, and a cancellation source linked to multiple parents.
package flowcontrol

import (
	"context"
	"sync"
)

// PauseGate is a cheap observable pause flag. Pausing does not suspend
// anything by itself; consumers poll IsPaused or block in Wait at
// cooperative checkpoints.
type PauseGate struct {
	mu sync.Mutex
	// paused is the current state.
	paused bool
	// resumed is closed while the gate is open. It is replaced with a fresh
	// channel on Pause so blocked waiters can be released on Resume.
	resumed chan struct{}
}

// NewPauseGate returns an open (not paused) gate.
func NewPauseGate() *PauseGate {
	g := &PauseGate{resumed: make(chan struct{})}
	close(g.resumed)
	return g
}

// Pause closes the gate. Idempotent.
func (g *PauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resumed = make(chan struct{})
	}
}

// Resume opens the gate and releases all Wait callers. Idempotent.
func (g *PauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumed)
	}
}

// IsPaused reports the current state.
func (g *PauseGate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused. It returns the context error if ctx
// is cancelled first.
func (g *PauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.resumed
		g.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
