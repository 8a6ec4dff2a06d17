package request

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// timeoutError mimics a transport error carrying a Timeout flag, the way
// net.Error implementations do.
type timeoutError struct{ timeout bool }

func (e *timeoutError) Error() string { return "dial timed out" }

func (e *timeoutError) Timeout() bool { return e.timeout }

func TestIsCancelled(t *testing.T) {
	require.False(t, IsCancelled(nil))
	require.True(t, IsCancelled(context.Canceled))
	require.True(t, IsCancelled(fmt.Errorf("send: %w", context.Canceled)))
	require.False(t, IsCancelled(context.DeadlineExceeded))
	require.False(t, IsCancelled(errors.New("boom")))
}

func TestIsTimeout(t *testing.T) {
	require.False(t, IsTimeout(nil))
	require.True(t, IsTimeout(context.DeadlineExceeded))
	require.True(t, IsTimeout(fmt.Errorf("send: %w", context.DeadlineExceeded)))
	require.True(t, IsTimeout(fmt.Errorf("get: %w", &timeoutError{timeout: true})))
	require.False(t, IsTimeout(&timeoutError{timeout: false}))
	require.False(t, IsTimeout(context.Canceled))
}
