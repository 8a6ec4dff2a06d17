package download

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// chunk is one contiguous byte range of a chunked download, owned by a
// single sibling request.
type chunk struct {
	// rng is the absolute byte range this chunk covers.
	rng Range
	// length is the number of bytes the chunk is expected to produce.
	length int64
	// percentage is the chunk's own progress in [0,1].
	percentage float64
	// finished marks the chunk's part file as fully written.
	finished bool
	// copied marks the chunk as merged into the leading part file.
	copied bool
}

// coordinator is the state shared by all sibling requests of one chunked
// download. Exactly one sibling is the root (index 0); the coordinator
// captures the root's completion and progress callbacks and fires them once
// on behalf of the whole family.
type coordinator struct {
	// mu guards chunks, planned, fileName and nameResolved.
	mu sync.Mutex
	// chunks holds the per-chunk slots.
	chunks []chunk
	// planned is set once chunk ranges have been computed.
	planned bool
	// fileName is the resolved base filename, shared by all part files.
	fileName string
	// nameResolved is set once fileName is final.
	nameResolved bool

	// requests are the sibling references, index-aligned with chunks. The
	// scheduler keeps them alive; the coordinator never outlives them.
	requests []*LoadRequest

	// bytesWritten is the total number of bytes written across siblings.
	bytesWritten atomic.Int64
	// contentLength memoizes the probed total resource length; 0 while
	// unknown.
	contentLength atomic.Int64
	// isCopying serializes merge passes via compare-and-swap.
	isCopying atomic.Bool
	// noRanges is set once the family falls back to a single stream: the
	// probe showed no byte-range support or no length, or a ranged request
	// was not answered with 206.
	noRanges atomic.Bool
	// mergedFlag is set once the leading part file has been renamed into
	// the destination.
	mergedFlag atomic.Bool
	// completedOnce guards the family-level completion callback.
	completedOnce sync.Once
	// done is closed when the merged file has reached the destination.
	done chan struct{}
	// failed is closed when the family fails or is cancelled as a whole.
	failed chan struct{}
	// failOnce guards the close of failed.
	failOnce sync.Once

	// onCompleted and onProgress are captured from the root's options at
	// construction.
	onCompleted func(string)
	onProgress  func(float64)
	// progressTick throttles aggregated progress updates.
	progressTick *progressThrottle
	// limiter is the family-wide bandwidth cap; nil when unlimited.
	limiter *rate.Limiter
}

func newCoordinator(n int, onCompleted func(string), onProgress func(float64), limiter *rate.Limiter) *coordinator {
	return &coordinator{
		chunks:       make([]chunk, n),
		requests:     make([]*LoadRequest, n),
		onCompleted:  onCompleted,
		onProgress:   onProgress,
		progressTick: newProgressThrottle(),
		limiter:      limiter,
		done:         make(chan struct{}),
		failed:       make(chan struct{}),
	}
}

// plan assigns the deterministic chunk ranges over the effective byte range
// [start, start+length-1]: chunk i covers [start+i*L/N, start+(i+1)*L/N-1],
// with the last chunk extended to the end. Idempotent.
func (c *coordinator) plan(start, length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.planned {
		return
	}
	n := int64(len(c.chunks))
	for i := int64(0); i < n; i++ {
		lo := start + i*length/n
		hi := start + (i+1)*length/n - 1
		if i == n-1 {
			hi = start + length - 1
		}
		c.chunks[i] = chunk{
			rng:    Range{Start: &lo, End: &hi},
			length: hi - lo + 1,
		}
	}
	c.planned = true
}

// chunkRange returns the planned range for chunk i.
func (c *coordinator) chunkRange(i int) (Range, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.planned {
		return Range{}, 0, false
	}
	return c.chunks[i].rng, c.chunks[i].length, true
}

// setFileName memoizes the resolved base filename. The first resolver wins.
func (c *coordinator) setFileName(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.nameResolved {
		c.fileName = name
		c.nameResolved = true
	}
	return c.fileName
}

// resolvedFileName returns the memoized filename, if any.
func (c *coordinator) resolvedFileName() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileName, c.nameResolved
}

// reportChunkProgress stores a chunk's progress and forwards the throttled
// mean to the caller-visible reporter.
func (c *coordinator) reportChunkProgress(i int, p float64) {
	if c.onProgress == nil {
		return
	}
	c.mu.Lock()
	c.chunks[i].percentage = p
	var sum float64
	for _, ch := range c.chunks {
		sum += ch.percentage
	}
	mean := sum / float64(len(c.chunks))
	c.mu.Unlock()
	if c.progressTick.ready() {
		c.onProgress(mean)
	}
}

// markFinished records chunk i as fully written and reports whether every
// chunk is now finished.
func (c *coordinator) markFinished(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[i].finished = true
	for _, ch := range c.chunks {
		if !ch.finished {
			return false
		}
	}
	return true
}

// nextToCopy returns the index of the first finished-but-uncopied chunk,
// provided all chunks before it are copied. Returns -1 when no chunk is
// currently eligible, and done when every chunk has been copied.
func (c *coordinator) nextToCopy() (idx int, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.chunks {
		if c.chunks[i].copied {
			continue
		}
		if c.chunks[i].finished {
			return i, false
		}
		return -1, false
	}
	return -1, true
}

// markCopied records chunk i as merged.
func (c *coordinator) markCopied(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[i].copied = true
}

// wait limits the family transfer rate.
func (c *coordinator) wait(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.WaitN(ctx, n)
}

// merged reports whether the final rename has happened.
func (c *coordinator) merged() bool { return c.mergedFlag.Load() }

// setMerged records the final rename.
func (c *coordinator) setMerged() { c.mergedFlag.Store(true) }

// fail marks the family as failed or cancelled, releasing Wait callers.
func (c *coordinator) fail() {
	c.failOnce.Do(func() { close(c.failed) })
}

// complete fires the family-level completion callback exactly once and
// releases Wait callers.
func (c *coordinator) complete(dest string) {
	c.completedOnce.Do(func() {
		if c.onProgress != nil {
			c.onProgress(1)
		}
		if c.onCompleted != nil {
			c.onCompleted(dest)
		}
		close(c.done)
	})
}
