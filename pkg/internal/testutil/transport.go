// Package testutil provides HTTP test doubles for the download engine: an
// in-memory transport with byte-range emulation and fault injection.
package testutil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/haulkit/haul/pkg/internal/httputil"
)

// Resource is a fake HTTP resource served by Transport.
type Resource struct {
	// Data provides random access to the resource content.
	Data io.ReaderAt
	// Length is the total number of bytes in the resource content.
	Length int64
	// SupportsRange enables 206 responses to Range requests. When false,
	// ranged requests are answered with the full body and status 200, the
	// way range-oblivious servers behave.
	SupportsRange bool
	// ContentType is the Content-Type header value (optional).
	ContentType string
	// ContentDisposition is the Content-Disposition header value (optional).
	ContentDisposition string
	// Headers are additional headers included in every response.
	Headers http.Header
	// FailBodyAfter injects a mid-stream read failure after this many bytes
	// of the body, FailBodyTimes times. Zero disables injection.
	FailBodyAfter int
	// FailBodyTimes bounds the number of injected failures.
	FailBodyTimes int
	// FailConnect injects this many transport-level errors before any
	// response is produced.
	FailConnect int
	// DelayPerRead slows body reads down, giving tests a window to pause
	// or cancel mid-stream.
	DelayPerRead time.Duration
}

// delayedReader wraps a body with a fixed delay per Read call.
type delayedReader struct {
	rc    io.ReadCloser
	delay time.Duration
}

func (d *delayedReader) Read(p []byte) (int, error) {
	time.Sleep(d.delay)
	// Small reads keep the pause/cancel window fine-grained.
	if len(p) > 1024 {
		p = p[:1024]
	}
	return d.rc.Read(p)
}

func (d *delayedReader) Close() error { return d.rc.Close() }

// maybeDelay wraps body according to the resource configuration.
func maybeDelay(res *Resource, body io.ReadCloser) io.ReadCloser {
	if res != nil && res.DelayPerRead > 0 {
		return &delayedReader{rc: body, delay: res.DelayPerRead}
	}
	return body
}

// Transport is an in-memory http.RoundTripper serving fake resources.
type Transport struct {
	mu        sync.Mutex
	resources map[string]*Resource
	requests  []*http.Request
	bodyFails map[string]int
	connFails map[string]int
}

// NewTransport creates an empty fake transport.
func NewTransport() *Transport {
	return &Transport{
		resources: make(map[string]*Resource),
		bodyFails: make(map[string]int),
		connFails: make(map[string]int),
	}
}

// Add registers a resource under url.
func (t *Transport) Add(url string, res *Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources[url] = res
}

// AddBytes registers a simple resource with the given payload.
func (t *Transport) AddBytes(url string, payload []byte, supportsRange bool) {
	t.Add(url, &Resource{
		Data:          bytes.NewReader(payload),
		Length:        int64(len(payload)),
		SupportsRange: supportsRange,
	})
}

// Requests returns all requests seen so far.
func (t *Transport) Requests() []*http.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*http.Request, len(t.requests))
	copy(out, t.requests)
	return out
}

// CountRequests returns the number of requests with the given method; an
// empty method counts everything.
func (t *Transport) CountRequests(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, req := range t.requests {
		if method == "" || req.Method == method {
			n++
		}
	}
	return n
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	t.mu.Lock()
	clone := req.Clone(req.Context())
	t.requests = append(t.requests, clone)
	res, ok := t.resources[url]
	if ok && res.FailConnect > t.connFails[url] {
		t.connFails[url]++
		t.mu.Unlock()
		return nil, fmt.Errorf("testutil: simulated connection failure for %s", url)
	}
	injectBodyFail := ok && res.FailBodyAfter > 0 && t.bodyFails[url] < res.FailBodyTimes
	if injectBodyFail {
		t.bodyFails[url]++
	}
	t.mu.Unlock()

	if !ok {
		return t.newResponse(req, nil, http.StatusNotFound, nil), nil
	}

	if req.Method == http.MethodHead {
		resp := t.newResponse(req, res, http.StatusOK, nil)
		resp.ContentLength = res.Length
		resp.Header.Set("Content-Length", strconv.FormatInt(res.Length, 10))
		return resp, nil
	}

	rangeHeader := req.Header.Get("Range")
	if rangeHeader != "" && res.SupportsRange {
		return t.serveRange(req, res, rangeHeader, injectBodyFail)
	}

	// Full body, optionally flaky.
	var body io.ReadCloser
	if injectBodyFail {
		body = NewFlakyReader(res.Data, res.Length, res.FailBodyAfter)
	} else {
		body = io.NopCloser(io.NewSectionReader(res.Data, 0, res.Length))
	}
	resp := t.newResponse(req, res, http.StatusOK, maybeDelay(res, body))
	resp.ContentLength = res.Length
	resp.Header.Set("Content-Length", strconv.FormatInt(res.Length, 10))
	return resp, nil
}

// serveRange answers a single byte-range request with 206, or 416 when the
// range is not satisfiable.
func (t *Transport) serveRange(req *http.Request, res *Resource, rangeHeader string, flaky bool) (*http.Response, error) {
	start, end, ok := httputil.ParseSingleRange(rangeHeader)
	if !ok {
		return t.newResponse(req, res, http.StatusBadRequest, nil), nil
	}
	if end < 0 || end >= res.Length {
		end = res.Length - 1
	}
	if start >= res.Length || start > end {
		resp := t.newResponse(req, res, http.StatusRequestedRangeNotSatisfiable, nil)
		resp.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", res.Length))
		return resp, nil
	}

	length := end - start + 1
	var body io.ReadCloser
	if flaky {
		body = NewFlakyReader(io.NewSectionReader(res.Data, start, length), length, res.FailBodyAfter)
	} else {
		body = io.NopCloser(io.NewSectionReader(res.Data, start, length))
	}
	resp := t.newResponse(req, res, http.StatusPartialContent, maybeDelay(res, body))
	resp.ContentLength = length
	resp.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	resp.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, res.Length))
	return resp, nil
}

// newResponse builds a response skeleton with the resource's headers.
func (t *Transport) newResponse(req *http.Request, res *Resource, statusCode int, body io.ReadCloser) *http.Response {
	if body == nil {
		body = io.NopCloser(bytes.NewReader(nil))
	}
	resp := &http.Response{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       body,
		Request:    req,
	}
	if res == nil {
		return resp
	}
	if res.SupportsRange {
		resp.Header.Set("Accept-Ranges", "bytes")
	}
	if res.ContentType != "" {
		resp.Header.Set("Content-Type", res.ContentType)
	}
	if res.ContentDisposition != "" {
		resp.Header.Set("Content-Disposition", res.ContentDisposition)
	}
	for k, v := range res.Headers {
		resp.Header[k] = v
	}
	return resp
}
