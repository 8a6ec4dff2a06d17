package request

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/haulkit/haul/pkg/flowcontrol"
	"github.com/haulkit/haul/pkg/internal/httputil"
)

// DefaultStatusTimeout bounds a status probe unless overridden.
const DefaultStatusTimeout = 10 * time.Second

// StatusOptions configures a StatusRequest.
type StatusOptions struct {
	Options[*http.Response]

	// Timeout bounds each probe attempt. Zero means DefaultStatusTimeout.
	Timeout time.Duration
	// UserAgent overrides the default User-Agent header.
	UserAgent string
	// Client overrides the shared HTTP client.
	Client Client
}

// StatusRequest probes a URL with a HEAD request. It succeeds iff the
// response status is 2xx; redirects are followed by the shared client.
type StatusRequest struct {
	*Base[*http.Response]

	url    string
	client Client
	opts   StatusOptions
}

// NewStatusRequest creates a status probe for url.
func NewStatusRequest(url string, opts *StatusOptions) (*StatusRequest, error) {
	if url == "" {
		return nil, &ValidationError{Reason: "empty URL"}
	}
	o := StatusOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultStatusTimeout
	}
	r := &StatusRequest{
		url:    url,
		client: o.Client,
		opts:   o,
	}
	if r.client == nil {
		r.client = DefaultClient()
	}
	r.Base = NewBase(o.Options, r.runRequest)
	if o.AutoStart {
		r.Start()
	}
	return r, nil
}

// runRequest issues one HEAD probe under the per-attempt timeout.
func (r *StatusRequest) runRequest(ctx context.Context) Result[*http.Response] {
	timeout := flowcontrol.NewLinkedSource(ctx)
	timeout.CancelAfter(r.opts.Timeout)
	defer timeout.Dispose()

	req, err := http.NewRequestWithContext(timeout.Context(), http.MethodHead, r.url, nil)
	if err != nil {
		return Result[*http.Response]{Err: &ValidationError{Reason: "invalid URL", Err: err}, Fatal: true}
	}
	ua := r.opts.UserAgent
	if ua == "" {
		ua = httputil.DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := r.client.Do(req)
	if err != nil {
		if timeout.Cancelled() && ctx.Err() == nil {
			err = fmt.Errorf("status probe timed out after %s: %w",
				r.opts.Timeout, context.DeadlineExceeded)
		}
		return Result[*http.Response]{Err: err}
	}
	resp.Body.Close()
	if !httputil.Is2xx(resp.StatusCode) {
		return Result[*http.Response]{
			Response: resp,
			Err:      &StatusError{Code: resp.StatusCode},
		}
	}
	return Result[*http.Response]{Successful: true, Value: resp, Response: resp}
}
