package request

import "context"

// OwnFunc is a user-supplied request body. It reports success; returning
// false consumes one retry attempt.
type OwnFunc func(ctx context.Context) bool

// OwnRequest wraps an arbitrary user function in the request lifecycle so
// it can be scheduled, retried, paused and cancelled like any other
// request.
type OwnRequest struct {
	*Base[bool]
}

// NewOwnRequest creates a request around fn.
func NewOwnRequest(fn OwnFunc, opts *Options[bool]) (*OwnRequest, error) {
	if fn == nil {
		return nil, &ValidationError{Reason: "nil function"}
	}
	var o Options[bool]
	if opts != nil {
		o = *opts
	}
	r := &OwnRequest{}
	r.Base = NewBase(o, func(ctx context.Context) Result[bool] {
		ok := fn(ctx)
		return Result[bool]{Successful: ok, Value: ok}
	})
	if o.AutoStart {
		r.Start()
	}
	return r, nil
}
