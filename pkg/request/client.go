package request

import (
	"net/http"
	"sync"
	"time"
)

// Client is the abstract HTTP transport surface the engine depends on.
// *http.Client satisfies it.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	clientOnce sync.Once
	client     *http.Client
)

// DefaultClient returns the process-wide HTTP client shared by all
// requests. Timeouts are enforced per request through linked cancellation,
// so the client itself carries none.
func DefaultClient() *http.Client {
	clientOnce.Do(func() {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return client
}
