package request

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haulkit/haul/pkg/internal/testutil"
	"github.com/haulkit/haul/pkg/scheduler"
)

func testHandler(t *testing.T) *scheduler.Handler {
	t.Helper()
	h := scheduler.New()
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func TestOwnRequestCompletes(t *testing.T) {
	var completed atomic.Int32
	opts := &Options[bool]{
		Handler:   testHandler(t),
		AutoStart: true,
	}
	opts.OnCompleted = func(ok bool) {
		require.True(t, ok)
		completed.Add(1)
	}
	r, err := NewOwnRequest(func(context.Context) bool { return true }, opts)
	require.NoError(t, err)

	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, Completed, r.State())
	require.Equal(t, int32(1), completed.Load())
}

func TestRetryBudgetThenSuccess(t *testing.T) {
	var runs atomic.Int32
	opts := &Options[bool]{
		Handler:    testHandler(t),
		AutoStart:  true,
		TryCounter: 3,
	}
	r, err := NewOwnRequest(func(context.Context) bool {
		return runs.Add(1) == 3
	}, opts)
	require.NoError(t, err)

	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, Completed, r.State())
	require.Equal(t, int32(3), runs.Load())
}

func TestRetryBudgetExhaustedFails(t *testing.T) {
	var runs, failed atomic.Int32
	opts := &Options[bool]{
		Handler:    testHandler(t),
		AutoStart:  true,
		TryCounter: 2,
	}
	opts.OnFailed = func(*http.Response, error) { failed.Add(1) }
	r, err := NewOwnRequest(func(context.Context) bool {
		runs.Add(1)
		return false
	}, opts)
	require.NoError(t, err)

	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, Failed, r.State())
	require.Equal(t, int32(2), runs.Load())
	require.Equal(t, int32(1), failed.Load())
}

func TestCallbacksMutuallyExclusive(t *testing.T) {
	var completed, failed, cancelled atomic.Int32
	opts := &Options[bool]{
		Handler:   testHandler(t),
		AutoStart: true,
	}
	opts.OnCompleted = func(bool) { completed.Add(1) }
	opts.OnFailed = func(*http.Response, error) { failed.Add(1) }
	opts.OnCancelled = func() { cancelled.Add(1) }
	r, err := NewOwnRequest(func(context.Context) bool { return true }, opts)
	require.NoError(t, err)
	require.NoError(t, r.Wait(context.Background()))

	// Terminal state is absorbing; later cancels change nothing.
	r.Cancel()
	r.Cancel()
	require.Equal(t, Completed, r.State())
	require.Equal(t, int32(1), completed.Load())
	require.Zero(t, failed.Load())
	require.Zero(t, cancelled.Load())
}

func TestCancelBeforeStart(t *testing.T) {
	var cancelled atomic.Int32
	opts := &Options[bool]{Handler: testHandler(t)}
	opts.OnCancelled = func() { cancelled.Add(1) }
	r, err := NewOwnRequest(func(context.Context) bool { return true }, opts)
	require.NoError(t, err)

	r.Cancel()
	require.Equal(t, Cancelled, r.State())
	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, int32(1), cancelled.Load())

	// A cancelled request cannot be restarted.
	r.Start()
	require.Equal(t, Cancelled, r.State())
}

func TestExternalTokenCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	opts := &Options[bool]{
		Handler:     testHandler(t),
		AutoStart:   true,
		CancelToken: ctx,
	}
	r, err := NewOwnRequest(func(runCtx context.Context) bool {
		close(release)
		<-runCtx.Done()
		return false
	}, opts)
	require.NoError(t, err)

	<-release
	cancel()
	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, Cancelled, r.State())
}

func TestDeployDelay(t *testing.T) {
	opts := &Options[bool]{
		Handler:     testHandler(t),
		AutoStart:   true,
		DeployDelay: 60 * time.Millisecond,
	}
	r, err := NewOwnRequest(func(context.Context) bool { return true }, opts)
	require.NoError(t, err)
	require.Equal(t, Waiting, r.State())

	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, Completed, r.State())
}

func TestPauseThenRestart(t *testing.T) {
	h := testHandler(t)
	h.Pause()
	opts := &Options[bool]{Handler: h, AutoStart: true}
	r, err := NewOwnRequest(func(context.Context) bool { return true }, opts)
	require.NoError(t, err)
	require.Equal(t, Available, r.State())

	r.Pause()
	require.Equal(t, OnHold, r.State())

	h.Resume()
	r.Start()
	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, Completed, r.State())
}

func TestStatusRequestSuccess(t *testing.T) {
	ft := testutil.NewTransport()
	ft.AddBytes("https://example.com/resource", []byte("ok"), false)

	var got atomic.Pointer[http.Response]
	opts := &StatusOptions{Client: &http.Client{Transport: ft}}
	opts.Handler = testHandler(t)
	opts.AutoStart = true
	opts.OnCompleted = func(resp *http.Response) { got.Store(resp) }
	r, err := NewStatusRequest("https://example.com/resource", opts)
	require.NoError(t, err)

	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, Completed, r.State())
	require.NotNil(t, got.Load())
	require.Equal(t, http.StatusOK, got.Load().StatusCode)
	require.Equal(t, 1, ft.CountRequests(http.MethodHead))
}

func TestStatusRequestNon2xxFails(t *testing.T) {
	ft := testutil.NewTransport()
	// No resource registered: every probe sees 404.
	var lastErr atomic.Pointer[error]
	opts := &StatusOptions{Client: &http.Client{Transport: ft}}
	opts.Handler = testHandler(t)
	opts.AutoStart = true
	opts.TryCounter = 2
	opts.OnFailed = func(_ *http.Response, err error) { lastErr.Store(&err) }
	r, err := NewStatusRequest("https://example.com/missing", opts)
	require.NoError(t, err)

	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, Failed, r.State())
	require.Equal(t, 2, ft.CountRequests(http.MethodHead))
	require.NotNil(t, lastErr.Load())
	var statusErr *StatusError
	require.ErrorAs(t, *lastErr.Load(), &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestEmptyURLRejected(t *testing.T) {
	_, err := NewStatusRequest("", nil)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
