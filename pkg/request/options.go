package request

import (
	"context"
	"net/http"
	"time"

	"github.com/haulkit/haul/pkg/logging"
	"github.com/haulkit/haul/pkg/scheduler"
)

// DefaultTryCounter is the retry budget applied when Options.TryCounter is
// zero.
const DefaultTryCounter = 3

// Notifications carries the per-request callbacks. Each is invoked at most
// once; the three terminal callbacks are mutually exclusive.
type Notifications[T any] struct {
	// OnStarted fires when a worker first picks up the request.
	OnStarted func()
	// OnCompleted fires with the produced value on success.
	OnCompleted func(T)
	// OnFailed fires once the retry budget is exhausted, with the last HTTP
	// response observed (possibly nil) and the last error.
	OnFailed func(*http.Response, error)
	// OnCancelled fires when any linked cancellation reaches the request.
	OnCancelled func()
}

// Options configures a request. The zero value is usable: Normal priority,
// no auto start, a retry budget of DefaultTryCounter, and the process-wide
// lightweight handler.
type Options[T any] struct {
	Notifications[T]

	// Priority selects the channel level the request is queued at.
	Priority scheduler.Priority
	// AutoStart enqueues the request as soon as construction succeeds.
	AutoStart bool
	// DeployDelay postpones availability on each Start.
	DeployDelay time.Duration
	// TryCounter is the maximum number of worker invocations before the
	// request fails. Zero means DefaultTryCounter.
	TryCounter int
	// DelayBetweenAttempts is the back-off observed between retries.
	DelayBetweenAttempts time.Duration
	// CancelToken is an optional externally-owned cancellation context,
	// linked with the handler's.
	CancelToken context.Context
	// Handler is the scheduler the request belongs to. Nil selects the
	// process-wide lightweight handler.
	Handler *scheduler.Handler
	// Logger receives request lifecycle logging. Nil discards.
	Logger logging.Logger
}

// handlerOrDefault resolves the handler the request runs on.
func (o *Options[T]) handlerOrDefault() *scheduler.Handler {
	if o.Handler != nil {
		return o.Handler
	}
	return scheduler.Lightweight()
}

// tryCounterOrDefault resolves the retry budget.
func (o *Options[T]) tryCounterOrDefault() int {
	if o.TryCounter <= 0 {
		return DefaultTryCounter
	}
	return o.TryCounter
}

func (o *Options[T]) loggerOrDefault() logging.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.Discard()
}
