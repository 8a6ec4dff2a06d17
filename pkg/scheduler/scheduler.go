// Package scheduler multiplexes request execution onto a bounded worker
// pool. A Handler owns a priority channel of pending items, a semaphore
// whose capacity follows observed throughput, and a cancellation source
// shared with every request it runs.
package scheduler

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haulkit/haul/pkg/flowcontrol"
	"github.com/haulkit/haul/pkg/logging"
	"github.com/haulkit/haul/pkg/prioritychannel"
)

// Priority selects the channel level an item is queued at. Lower levels are
// drained first.
type Priority int

const (
	// Normal is the default priority (the zero value).
	Normal Priority = iota
	// High priority items preempt all queued normal and low items.
	High
	// Low priority items run only when nothing else is queued.
	Low

	// levels is the number of priority levels.
	levels = 3
)

// Level returns the channel level for p: 0 for High, 1 for Normal, 2 for
// Low. Unknown values map to the Normal level.
func (p Priority) Level() int {
	switch p {
	case High:
		return 0
	case Low:
		return 2
	default:
		return 1
	}
}

// Verdict is the outcome a scheduled item reports back to the drain loop.
type Verdict struct {
	// Retry asks the handler to re-enqueue the item at its priority.
	Retry bool
	// RetryDelay is an optional back-off observed before re-enqueueing.
	RetryDelay time.Duration
}

// Item is a schedulable unit of work. Requests implement it.
type Item interface {
	// Priority returns the level the item is queued at.
	Priority() Priority
	// StartRequest runs the item body. It is invoked by exactly one worker
	// at a time and observes ctx for global cancellation.
	StartRequest(ctx context.Context) Verdict
}

// Tuning collects the auto-parallelism constants. The zero value is
// replaced by DefaultTuning.
type Tuning struct {
	// MinWorkers is the lower clamp on the automatic parallelism degree.
	MinWorkers int
	// CPUFactor scales the CPU count into the upper clamp.
	CPUFactor float64
	// DefaultBytesPerSec is assumed while fewer than MinSamples throughput
	// samples have been observed.
	DefaultBytesPerSec float64
	// MinSamples is the number of samples required before measured
	// throughput drives the parallelism degree.
	MinSamples int
	// SampleWindow bounds the throughput sample ring.
	SampleWindow int
}

// DefaultTuning returns the stock constants.
func DefaultTuning() Tuning {
	return Tuning{
		MinWorkers:         2,
		CPUFactor:          1.7,
		DefaultBytesPerSec: 1 << 20,
		MinSamples:         10,
		SampleWindow:       20,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.MinWorkers <= 0 {
		t.MinWorkers = d.MinWorkers
	}
	if t.CPUFactor <= 0 {
		t.CPUFactor = d.CPUFactor
	}
	if t.DefaultBytesPerSec <= 0 {
		t.DefaultBytesPerSec = d.DefaultBytesPerSec
	}
	if t.MinSamples <= 0 {
		t.MinSamples = d.MinSamples
	}
	if t.SampleWindow <= 0 {
		t.SampleWindow = d.SampleWindow
	}
	return t
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(log logging.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithTuning overrides the auto-parallelism constants.
func WithTuning(t Tuning) Option {
	return func(h *Handler) { h.tuning = t.withDefaults() }
}

// WithMaxDegreeOfParallelism pins the parallelism degree, disabling the
// throughput feedback loop until cleared.
func WithMaxDegreeOfParallelism(n int) Option {
	return func(h *Handler) { h.explicit = n }
}

// Handler drains a priority channel of items and dispatches them under the
// current parallelism limit.
type Handler struct {
	// log is the associated logger.
	log logging.Logger
	// channel holds the pending items.
	channel *prioritychannel.Channel[Item]
	// sem bounds the number of concurrently running item bodies.
	sem *flowcontrol.DynamicSemaphore
	// pause gates the drain loop between items.
	pause *flowcontrol.PauseGate
	// speed is the throughput sample ring feeding auto-parallelism.
	speed *speedMeter
	// tuning holds the auto-parallelism constants.
	tuning Tuning
	// workers tracks spawned item bodies for Shutdown.
	workers sync.WaitGroup

	// mu guards the fields below.
	mu sync.Mutex
	// ctx is the handler's cancellation context; rebuilt by
	// CreateNewCancellationSource.
	ctx    context.Context
	cancel context.CancelFunc
	// explicit is a pinned parallelism degree; 0 means automatic.
	explicit int
	// running reports whether a drain loop is active.
	running bool
	// closed is set by Shutdown.
	closed bool
}

// New creates a Handler. The drain loop starts lazily on the first Enqueue.
func New(opts ...Option) *Handler {
	h := &Handler{
		log:     logging.Discard(),
		channel: prioritychannel.New[Item](levels),
		pause:   flowcontrol.NewPauseGate(),
		tuning:  DefaultTuning(),
	}
	for _, o := range opts {
		o(h)
	}
	h.speed = newSpeedMeter(h.tuning.SampleWindow)
	h.sem = flowcontrol.NewDynamicSemaphore(h.degreeOfParallelism())
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// ErrShutdown is returned by Enqueue after Shutdown.
var ErrShutdown = errors.New("scheduler: handler shut down")

// Enqueue adds an item at its priority level and ensures the drain loop is
// running.
func (h *Handler) Enqueue(item Item) error {
	if err := h.channel.Write(item.Priority().Level(), item); err != nil {
		return ErrShutdown
	}
	h.ensureLoop()
	return nil
}

// ensureLoop starts the drain loop if none is active.
func (h *Handler) ensureLoop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.closed {
		return
	}
	h.running = true
	ctx := h.ctx
	go h.loop(ctx)
}

// loop is the drain loop: pass the pause checkpoint, read an item, obtain a
// permit, and dispatch the item body on its own goroutine. The loop exits
// on cancellation or channel completion.
func (h *Handler) loop(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()
	g, _ := errgroup.WithContext(ctx)
	defer g.Wait() //nolint:errcheck // workers return nil.
	for {
		if ctx.Err() != nil {
			return
		}
		if err := h.pause.Wait(ctx); err != nil {
			return
		}
		item, _, err := h.channel.Read(ctx)
		if err != nil {
			return
		}
		if err := h.sem.Acquire(ctx); err != nil {
			// The item was already dequeued; put it back for the next loop.
			h.channel.TryWrite(item.Priority().Level(), item)
			return
		}
		h.workers.Add(1)
		g.Go(func() error {
			defer h.workers.Done()
			defer h.sem.Release()
			h.dispatch(ctx, item)
			return nil
		})
	}
}

// dispatch runs one item body and applies the retry policy. The back-off
// runs on a timer so the worker permit is returned immediately.
func (h *Handler) dispatch(ctx context.Context, item Item) {
	v := item.StartRequest(ctx)
	if !v.Retry || ctx.Err() != nil {
		return
	}
	if v.RetryDelay > 0 {
		time.AfterFunc(v.RetryDelay, func() {
			if ctx.Err() != nil {
				return
			}
			h.reenqueue(item)
		})
		return
	}
	h.reenqueue(item)
}

func (h *Handler) reenqueue(item Item) {
	if err := h.Enqueue(item); err != nil {
		h.log.Warnf("dropping retryable item after shutdown: %v", err)
	}
}

// Pause stops the drain loop from reading new items. In-flight item bodies
// run to completion.
func (h *Handler) Pause() { h.pause.Pause() }

// Resume re-opens the drain loop.
func (h *Handler) Resume() {
	h.pause.Resume()
	if h.channel.Len() > 0 {
		h.ensureLoop()
	}
}

// IsPaused reports the pause state.
func (h *Handler) IsPaused() bool { return h.pause.IsPaused() }

// Cancel fires the handler's cancellation source. Running requests observe
// it through their linked tokens; the drain loop exits. Queued items are
// retained and resume after CreateNewCancellationSource.
func (h *Handler) Cancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	cancel()
}

// Context returns the handler's current cancellation context. Requests link
// their own sources to it.
func (h *Handler) Context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

// CreateNewCancellationSource re-arms a cancelled handler without losing
// queued items.
func (h *Handler) CreateNewCancellationSource() {
	h.mu.Lock()
	if h.ctx.Err() == nil {
		h.mu.Unlock()
		return
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.mu.Unlock()
	if h.channel.Len() > 0 {
		h.ensureLoop()
	}
}

// AddSpeed records a bytes/sec throughput sample and recomputes the
// automatic parallelism degree.
func (h *Handler) AddSpeed(bytesPerSec float64) {
	h.speed.add(bytesPerSec)
	h.applyParallelism()
}

// SetMaxDegreeOfParallelism pins the parallelism degree.
func (h *Handler) SetMaxDegreeOfParallelism(n int) {
	h.mu.Lock()
	h.explicit = n
	h.mu.Unlock()
	h.applyParallelism()
}

// ClearMaxDegreeOfParallelism returns control to the throughput feedback
// loop.
func (h *Handler) ClearMaxDegreeOfParallelism() {
	h.mu.Lock()
	h.explicit = 0
	h.mu.Unlock()
	h.applyParallelism()
}

// MaxDegreeOfParallelism returns the effective parallelism degree.
func (h *Handler) MaxDegreeOfParallelism() int { return h.degreeOfParallelism() }

// QueuedCount returns the number of items waiting in the channel.
func (h *Handler) QueuedCount() int { return h.channel.Len() }

// RunningCount returns the number of item bodies currently executing.
func (h *Handler) RunningCount() int { return h.sem.InUse() }

func (h *Handler) applyParallelism() {
	h.sem.SetCapacity(h.degreeOfParallelism())
}

// degreeOfParallelism computes the current limit: the explicit override if
// set, otherwise CPU count scaled by mean throughput in MB/s, clamped to
// [MinWorkers, floor(CPU*CPUFactor)].
func (h *Handler) degreeOfParallelism() int {
	h.mu.Lock()
	explicit := h.explicit
	h.mu.Unlock()
	if explicit > 0 {
		return explicit
	}
	cpus := runtime.NumCPU()
	mean, n := h.speed.mean()
	if n < h.tuning.MinSamples {
		mean = h.tuning.DefaultBytesPerSec
	}
	mbps := mean / (1 << 20)
	auto := int(float64(cpus) * mbps)
	upper := int(math.Floor(float64(cpus) * h.tuning.CPUFactor))
	if upper < h.tuning.MinWorkers {
		upper = h.tuning.MinWorkers
	}
	if auto < h.tuning.MinWorkers {
		auto = h.tuning.MinWorkers
	}
	if auto > upper {
		auto = upper
	}
	return auto
}

// Shutdown completes the channel, cancels in-flight work, and waits for
// spawned item bodies to finish or ctx to expire. The handler cannot be
// reused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	cancel := h.cancel
	h.mu.Unlock()
	h.channel.Complete(nil)
	cancel()

	done := make(chan struct{})
	go func() {
		h.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
