// Package request implements the schedulable request abstraction: a state
// machine with a retry budget, linked cancellation, a one-shot terminal
// latch, and at-most-once notification callbacks. Concrete variants supply
// the request body as a run function.
package request

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/haulkit/haul/pkg/flowcontrol"
	"github.com/haulkit/haul/pkg/logging"
	"github.com/haulkit/haul/pkg/scheduler"
)

// Result is the outcome of one run of a request body.
type Result[T any] struct {
	// Successful marks the run as terminal success.
	Successful bool
	// Value is the produced value, meaningful when Successful.
	Value T
	// Response is the last HTTP response observed, if any.
	Response *http.Response
	// Err is the failure cause when not Successful.
	Err error
	// Fatal marks a failure that is never retried, such as a validation
	// error discovered mid-run: the request fails at once.
	Fatal bool
}

// RunFunc is the request body. It observes ctx, which is linked to the
// handler's cancellation source, the request's own source, and any
// user-supplied token.
type RunFunc[T any] func(ctx context.Context) Result[T]

// Base is the shared request implementation. Concrete requests embed a
// *Base and provide their body via the run function.
type Base[T any] struct {
	opts    Options[T]
	run     RunFunc[T]
	handler *scheduler.Handler
	log     logging.Logger

	// mu guards state, source, attempts and lastResult.
	mu sync.Mutex
	// state is the current lifecycle state.
	state State
	// source is the current linked cancellation source. Rebuilt on the run
	// following a cancellation of a reusable source.
	source *flowcontrol.LinkedSource
	// attempts counts worker invocations that ended unsuccessfully.
	attempts int
	// lastResult holds the most recent run outcome for OnFailed.
	lastResult Result[T]

	// finished is the terminal latch, closed exactly once.
	finished chan struct{}
	// startedOnce and terminated guard the at-most-once notification
	// callbacks.
	startedOnce sync.Once
	terminated  sync.Once
}

// NewBase constructs the shared request state. Concrete constructors call
// Start afterwards when AutoStart is set.
func NewBase[T any](opts Options[T], run RunFunc[T]) *Base[T] {
	return &Base[T]{
		opts:     opts,
		run:      run,
		handler:  opts.handlerOrDefault(),
		log:      opts.loggerOrDefault(),
		state:    OnHold,
		finished: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (b *Base[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Priority implements scheduler.Item.
func (b *Base[T]) Priority() scheduler.Priority { return b.opts.Priority }

// Handler returns the scheduler the request belongs to.
func (b *Base[T]) Handler() *scheduler.Handler { return b.handler }

// Options returns the request's configuration.
func (b *Base[T]) Options() *Options[T] { return &b.opts }

// Start makes the request available to its handler. It is valid only from
// OnHold; any other state is a no-op. A configured deploy delay is applied
// on each Start.
func (b *Base[T]) Start() {
	if b.opts.DeployDelay > 0 {
		if !b.transition(OnHold, Waiting) {
			return
		}
		time.AfterFunc(b.opts.DeployDelay, func() {
			if b.transition(Waiting, Available) {
				b.enqueue()
			}
		})
		return
	}
	if b.transition(OnHold, Available) {
		b.enqueue()
	}
}

// Pause suspends the request: it leaves the schedulable states and a
// running body observes the state change at its next checkpoint. Terminal
// states are unaffected.
func (b *Base[T]) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Waiting, Available, Running:
		b.state = OnHold
	}
}

// Cancel fires the request's cancellation source and drives it to the
// Cancelled terminal state.
func (b *Base[T]) Cancel() {
	b.mu.Lock()
	src := b.source
	b.mu.Unlock()
	if src != nil {
		src.Cancel()
	}
	b.terminate(Cancelled, Result[T]{})
}

// Wait blocks until the request reaches a terminal state or ctx expires.
func (b *Base[T]) Wait(ctx context.Context) error {
	select {
	case <-b.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finished returns the terminal latch.
func (b *Base[T]) Finished() <-chan struct{} { return b.finished }

// Dispose releases the request. A non-terminal request is cancelled.
// Idempotent.
func (b *Base[T]) Dispose() {
	b.Cancel()
	b.mu.Lock()
	if b.source != nil {
		b.source.Dispose()
	}
	b.mu.Unlock()
}

// StartRequest implements scheduler.Item: it runs the request body once and
// reports whether the handler should re-enqueue it.
func (b *Base[T]) StartRequest(ctx context.Context) scheduler.Verdict {
	if !b.transition(Available, Running) {
		return scheduler.Verdict{}
	}
	src := b.ensureSource()
	b.startedOnce.Do(func() {
		if cb := b.opts.OnStarted; cb != nil {
			cb()
		}
	})

	res := b.run(src.Context())

	b.mu.Lock()
	b.lastResult = res
	cancelled := src.Cancelled()
	b.mu.Unlock()

	if cancelled {
		// Cancellation reached the body through whichever parent fired;
		// it never counts against the retry budget.
		b.terminate(Cancelled, res)
		return scheduler.Verdict{}
	}
	if res.Successful {
		b.terminate(Completed, res)
		return scheduler.Verdict{}
	}
	if res.Fatal {
		b.terminate(Failed, res)
		return scheduler.Verdict{}
	}

	if b.State() != Running {
		// Paused mid-run: leave the request on hold for a later Start.
		return scheduler.Verdict{}
	}

	b.mu.Lock()
	b.attempts++
	retry := b.attempts < b.opts.tryCounterOrDefault()
	b.mu.Unlock()
	if retry {
		if b.transition(Running, Available) {
			b.log.Debugf("request retrying (attempt %d/%d): %v",
				b.attemptCount(), b.opts.tryCounterOrDefault(), res.Err)
			return scheduler.Verdict{Retry: true, RetryDelay: b.opts.DelayBetweenAttempts}
		}
		return scheduler.Verdict{}
	}
	b.log.Warnf("request failed after %d attempts: %v", b.attemptCount(), res.Err)
	b.terminate(Failed, res)
	return scheduler.Verdict{}
}

// Fail drives the request directly to the Failed state, bypassing retries.
func (b *Base[T]) Fail(err error) {
	b.terminate(Failed, Result[T]{Err: err})
}

// Complete drives the request directly to the Completed state with the
// given value.
func (b *Base[T]) Complete(value T) {
	b.terminate(Completed, Result[T]{Successful: true, Value: value})
}

// ResetRetries clears the attempt counter, granting a fresh retry budget.
func (b *Base[T]) ResetRetries() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

func (b *Base[T]) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// enqueue hands the request to its handler's channel.
func (b *Base[T]) enqueue() {
	if err := b.handler.Enqueue(b); err != nil {
		b.Fail(err)
	}
}

// ensureSource returns the current linked cancellation source, rebuilding
// it when the previous one was consumed by a cancellation that did not
// terminate the request.
func (b *Base[T]) ensureSource() *flowcontrol.LinkedSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.source == nil || b.source.Cancelled() {
		b.source = flowcontrol.NewLinkedSource(b.handler.Context(), b.opts.CancelToken)
		src := b.source
		fin := b.finished
		go func() {
			// Deliver OnCancelled even when cancellation arrives between
			// state transitions.
			select {
			case <-src.Done():
				b.terminate(Cancelled, Result[T]{})
			case <-fin:
			}
		}()
	}
	return b.source
}

// Source returns the request's current linked cancellation source, creating
// it if needed. Download requests layer per-send timeouts on top of it.
func (b *Base[T]) Source() *flowcontrol.LinkedSource {
	return b.ensureSource()
}

// transition performs a compare-and-set state change. Terminal states are
// absorbing: a transition out of them always fails.
func (b *Base[T]) transition(from, to State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != from || b.state.Terminal() {
		return false
	}
	b.state = to
	return true
}

// terminate drives the request into a terminal state. The first call wins:
// it assigns the state, fires the matching callback, and closes the latch.
func (b *Base[T]) terminate(terminal State, res Result[T]) {
	if !terminal.Terminal() {
		return
	}
	b.terminated.Do(func() {
		b.mu.Lock()
		b.state = terminal
		last := b.lastResult
		if res.Response != nil || res.Err != nil {
			last = res
		}
		b.mu.Unlock()
		switch terminal {
		case Completed:
			if cb := b.opts.OnCompleted; cb != nil {
				cb(res.Value)
			}
		case Failed:
			if cb := b.opts.OnFailed; cb != nil {
				cb(last.Response, last.Err)
			}
		case Cancelled:
			if cb := b.opts.OnCancelled; cb != nil {
				cb()
			}
		}
		close(b.finished)
	})
}
