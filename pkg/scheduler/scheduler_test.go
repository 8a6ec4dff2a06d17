package scheduler

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testItem is a minimal schedulable unit recording its executions.
type testItem struct {
	priority Priority
	run      func(ctx context.Context) Verdict
	runs     atomic.Int32
}

func (i *testItem) Priority() Priority { return i.priority }

func (i *testItem) StartRequest(ctx context.Context) Verdict {
	i.runs.Add(1)
	if i.run != nil {
		return i.run(ctx)
	}
	return Verdict{}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestExecutesEnqueuedItems(t *testing.T) {
	h := New()
	defer h.Shutdown(context.Background())
	item := &testItem{priority: Normal}
	if err := h.Enqueue(item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return item.runs.Load() == 1 }, "item never executed")
}

func TestPriorityOrderUnderSingleWorker(t *testing.T) {
	h := New(WithMaxDegreeOfParallelism(1))
	defer h.Shutdown(context.Background())
	h.Pause()

	var mu sync.Mutex
	var order []Priority
	record := func(p Priority) func(context.Context) Verdict {
		return func(context.Context) Verdict {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return Verdict{}
		}
	}
	h.Enqueue(&testItem{priority: Low, run: record(Low)})
	h.Enqueue(&testItem{priority: Normal, run: record(Normal)})
	h.Enqueue(&testItem{priority: High, run: record(High)})
	h.Resume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "not all items executed")

	mu.Lock()
	defer mu.Unlock()
	want := []Priority{High, Normal, Low}
	for i, p := range want {
		if order[i] != p {
			t.Errorf("execution order[%d] = %v, want %v", i, order[i], p)
		}
	}
}

func TestRetryVerdictReenqueues(t *testing.T) {
	h := New()
	defer h.Shutdown(context.Background())
	var fails atomic.Int32
	item := &testItem{priority: Normal}
	item.run = func(context.Context) Verdict {
		if fails.Add(1) < 3 {
			return Verdict{Retry: true}
		}
		return Verdict{}
	}
	h.Enqueue(item)
	waitFor(t, func() bool { return item.runs.Load() == 3 }, "retries not exhausted")
	time.Sleep(50 * time.Millisecond)
	if got := item.runs.Load(); got != 3 {
		t.Errorf("item ran %d times, want 3", got)
	}
}

func TestParallelismLimitHeld(t *testing.T) {
	const limit = 2
	h := New(WithMaxDegreeOfParallelism(limit))
	defer h.Shutdown(context.Background())

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		item := &testItem{priority: Normal}
		item.run = func(context.Context) Verdict {
			defer wg.Done()
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return Verdict{}
		}
		h.Enqueue(item)
	}
	wg.Wait()
	if got := peak.Load(); got > limit {
		t.Errorf("observed %d concurrent bodies, limit %d", got, limit)
	}
}

func TestPauseStopsDispatch(t *testing.T) {
	h := New()
	defer h.Shutdown(context.Background())
	h.Pause()
	item := &testItem{priority: Normal}
	h.Enqueue(item)
	time.Sleep(50 * time.Millisecond)
	if item.runs.Load() != 0 {
		t.Fatal("item dispatched while paused")
	}
	h.Resume()
	waitFor(t, func() bool { return item.runs.Load() == 1 }, "item not dispatched after Resume")
}

func TestCancelAndRearmKeepsQueuedItems(t *testing.T) {
	h := New()
	defer h.Shutdown(context.Background())
	h.Cancel()
	time.Sleep(20 * time.Millisecond)

	item := &testItem{priority: Normal}
	h.Enqueue(item)
	time.Sleep(50 * time.Millisecond)
	if item.runs.Load() != 0 {
		t.Fatal("item ran under a cancelled handler")
	}
	h.CreateNewCancellationSource()
	waitFor(t, func() bool { return item.runs.Load() == 1 }, "queued item lost across re-arm")
}

func TestAutoParallelismBounds(t *testing.T) {
	h := New()
	defer h.Shutdown(context.Background())
	cpus := runtime.NumCPU()
	upper := int(math.Floor(float64(cpus) * 1.7))
	if upper < 2 {
		upper = 2
	}

	// Below MinSamples the default 1 MB/s applies.
	got := h.MaxDegreeOfParallelism()
	if got < 2 || got > upper {
		t.Errorf("default degree %d outside [2,%d]", got, upper)
	}

	// Saturating samples pushes the degree to the upper clamp.
	for i := 0; i < 20; i++ {
		h.AddSpeed(100 << 20)
	}
	if got := h.MaxDegreeOfParallelism(); got != upper {
		t.Errorf("high-throughput degree = %d, want %d", got, upper)
	}

	// Slow transfers fall to the lower clamp.
	for i := 0; i < 20; i++ {
		h.AddSpeed(1024)
	}
	if got := h.MaxDegreeOfParallelism(); got != 2 {
		t.Errorf("low-throughput degree = %d, want 2", got)
	}
}

func TestExplicitParallelismOverridesAuto(t *testing.T) {
	h := New()
	defer h.Shutdown(context.Background())
	h.SetMaxDegreeOfParallelism(7)
	if got := h.MaxDegreeOfParallelism(); got != 7 {
		t.Errorf("explicit degree = %d, want 7", got)
	}
	h.ClearMaxDegreeOfParallelism()
	if got := h.MaxDegreeOfParallelism(); got == 7 {
		t.Error("auto degree not restored after clear")
	}
}

func TestStandardHandlersDistinct(t *testing.T) {
	if Lightweight() == Downloads() {
		t.Error("lightweight and download handlers must be distinct")
	}
	if Lightweight() != Lightweight() {
		t.Error("standard handlers must be stable")
	}
}

func TestShutdownRejectsEnqueue(t *testing.T) {
	h := New()
	h.Shutdown(context.Background())
	if err := h.Enqueue(&testItem{priority: Normal}); err == nil {
		t.Error("Enqueue after Shutdown should fail")
	}
}
