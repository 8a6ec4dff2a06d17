// Package download implements resumable, optionally chunked HTTP file
// downloads on top of the request scheduler.
//
// A LoadRequest negotiates the resource length with a HEAD probe, splits
// the byte range into chunks when configured, streams each chunk into a
// part file, and merges the parts into the destination with an atomic
// rename. Partial part files on disk are the authoritative resume state:
// an Append-mode request picks up exactly where a previous process left
// off by re-issuing a Range request from the on-disk length.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/time/rate"

	"github.com/haulkit/haul/pkg/flowcontrol"
	"github.com/haulkit/haul/pkg/internal/fsutil"
	"github.com/haulkit/haul/pkg/internal/httputil"
	"github.com/haulkit/haul/pkg/logging"
	"github.com/haulkit/haul/pkg/request"
	"github.com/haulkit/haul/pkg/scheduler"
)

// streamBufferSize is the read buffer for response streaming.
const streamBufferSize = 32 * 1024

// errServerNoRanges reports that a ranged request was answered without
// partial content, so the chunked plan cannot proceed.
var errServerNoRanges = errors.New("download: server does not support byte ranges")

// errShortBody reports a response stream that ended before the expected
// byte count; the next attempt resumes from the on-disk offset.
var errShortBody = errors.New("download: response body ended early")

// LoadRequest downloads a URL to a file through the request lifecycle.
// A chunked download is a family of sibling LoadRequests sharing one
// coordinator; index 0 is the root the caller holds.
type LoadRequest struct {
	*request.Base[string]

	opts   Options
	rawURL string
	url    *url.URL
	client request.Client
	log    logging.Logger

	// coord is the shared family state; nil for single-stream downloads.
	coord *coordinator
	// index is this request's chunk index within the family.
	index int

	// limiter caps single-stream transfers; chunked families share the
	// coordinator's limiter instead.
	limiter *rate.Limiter
	// progressTick throttles single-stream progress updates.
	progressTick *progressThrottle
	// userOnFailed is the caller's failure callback, held aside while the
	// family wrapper is installed so a fallback can restore it.
	userOnFailed func(*http.Response, error)

	// mu guards the mutable fields below.
	mu sync.Mutex
	// fileName is the resolved filename; empty until resolution.
	fileName string
	// nameResolved is set once fileName and the on-disk mode handling are
	// final.
	nameResolved bool
	// bytesWritten is the number of bytes this request has written to its
	// part file.
	bytesWritten int64
	// contentLength is the total resource length; 0 while unknown.
	contentLength int64
	// probed is set after the HEAD probe has been attempted.
	probed bool
	// rng is the byte range assigned to this request: the caller's range
	// for single streams, the planned chunk range for family members.
	rng Range
}

// New creates a LoadRequest for rawURL. With opts.Chunks >= 2 the request
// becomes the root of a chunked family whose siblings are created and
// scheduled alongside it.
func New(rawURL string, opts *Options) (*LoadRequest, error) {
	if rawURL == "" {
		return nil, &request.ValidationError{Reason: "empty URL"}
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &request.ValidationError{Reason: "invalid URL " + rawURL, Err: err}
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if err := o.Range.validate(); err != nil {
		return nil, err
	}
	// A partial range cannot be appended to an existing prefix; promote to
	// Create so the ranged bytes land in a fresh file.
	if o.Mode == Append && o.Range.Start != nil {
		o.Mode = Create
	}
	if o.DestinationPath == "" {
		o.DestinationPath = fsutil.DownloadFolder()
		if o.DestinationPath == "" {
			o.DestinationPath = "."
		}
	}
	if o.TemporaryPath == "" {
		o.TemporaryPath = o.DestinationPath
	}
	if err := fsutil.EnsureDir(o.DestinationPath); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}
	if err := fsutil.EnsureDir(o.TemporaryPath); err != nil {
		return nil, fmt.Errorf("create temporary directory: %w", err)
	}
	if o.FileName != "" {
		o.FileName = fsutil.RemoveInvalidChars(o.FileName)
		if err := validateExcluded(o.FileName, o.ExcludedExtensions); err != nil {
			return nil, err
		}
	}
	if o.Handler == nil {
		o.Handler = scheduler.Downloads()
	}

	var limiter *rate.Limiter
	if o.MaxBytesPerSec > 0 {
		burst := int(o.MaxBytesPerSec)
		if burst < 2*streamBufferSize {
			burst = 2 * streamBufferSize
		}
		limiter = rate.NewLimiter(rate.Limit(o.MaxBytesPerSec), burst)
	}

	chunked := o.Chunks >= 2
	r := &LoadRequest{
		rawURL:       rawURL,
		url:          u,
		client:       o.Client,
		log:          o.Logger,
		limiter:      limiter,
		progressTick: newProgressThrottle(),
		rng:          o.Range,
	}
	if r.client == nil {
		r.client = request.DefaultClient()
	}
	if r.log == nil {
		r.log = logging.Discard()
	}

	if chunked {
		coord := newCoordinator(o.Chunks, o.OnCompleted, o.Progress, limiter)
		r.coord = coord
		r.index = 0
		// The coordinator owns the caller-facing completion; the root's own
		// terminal callback must not fire it a second time.
		o.OnCompleted = nil
		userFailed := o.OnFailed
		r.userOnFailed = userFailed
		o.OnFailed = func(resp *http.Response, err error) {
			coord.fail()
			r.cancelOthers(0)
			if userFailed != nil {
				userFailed(resp, err)
			}
		}
		r.opts = o
		r.Base = request.NewBase(o.Options, r.runRequest)
		coord.requests[0] = r
		for i := 1; i < o.Chunks; i++ {
			coord.requests[i] = newSibling(r, i)
		}
	} else {
		r.opts = o
		r.Base = request.NewBase(o.Options, r.runRequest)
	}

	if o.FileName != "" {
		r.fileName = o.FileName
		if o.Mode == Append {
			if err := r.adoptExisting(); err != nil {
				return nil, err
			}
		}
	}

	if o.AutoStart {
		r.Start()
	}
	return r, nil
}

// newSibling creates family member i sharing the root's coordinator. The
// sibling carries no caller-facing callbacks; its failures propagate
// through the family instead.
func newSibling(root *LoadRequest, i int) *LoadRequest {
	o := root.opts
	coord := root.coord
	o.AutoStart = false
	o.Notifications = request.Notifications[string]{
		OnFailed: func(resp *http.Response, err error) {
			coord.fail()
			root.cancelOthers(i)
			root.Fail(err)
		},
	}
	o.Progress = nil
	s := &LoadRequest{
		opts:         o,
		rawURL:       root.rawURL,
		url:          root.url,
		client:       root.client,
		log:          root.log,
		coord:        root.coord,
		index:        i,
		progressTick: newProgressThrottle(),
	}
	s.Base = request.NewBase(o.Options, s.runRequest)
	if o.FileName != "" {
		s.fileName = o.FileName
		if o.Mode == Append {
			if n, err := fsutil.FileLength(s.partPath(s.fileName)); err == nil {
				s.bytesWritten = n
				s.coord.bytesWritten.Add(n)
			}
		}
	}
	return s
}

// adoptExisting initializes Append-mode resume state from disk: an existing
// part file provides bytesWritten; for single-stream downloads an existing
// destination file is moved into the part position and extended.
func (r *LoadRequest) adoptExisting() error {
	part := r.partPath(r.fileName)
	if n, err := fsutil.FileLength(part); err != nil {
		return fmt.Errorf("inspect part file: %w", err)
	} else if n > 0 {
		r.addBytes(n)
		return nil
	}
	if r.coord != nil {
		return nil
	}
	dest := filepath.Join(r.opts.DestinationPath, r.fileName)
	if fsutil.Exists(dest) {
		if err := fsutil.AtomicMove(dest, part); err != nil {
			return fmt.Errorf("adopt existing file: %w", err)
		}
		n, err := fsutil.FileLength(part)
		if err != nil {
			return err
		}
		r.addBytes(n)
	}
	return nil
}

// familyFromRoot returns the sibling requests other than r itself; nil
// outside a chunked family root.
func (r *LoadRequest) familyFromRoot() []*LoadRequest {
	if r.coord == nil || r.index != 0 {
		return nil
	}
	return r.coord.requests[1:]
}

// Start makes the request available. On a chunked root it starts the whole
// family.
func (r *LoadRequest) Start() {
	r.Base.Start()
	for _, sib := range r.familyFromRoot() {
		sib.Base.Start()
	}
}

// Pause suspends the request; a chunked root propagates to all siblings.
func (r *LoadRequest) Pause() {
	r.Base.Pause()
	for _, sib := range r.familyFromRoot() {
		sib.Base.Pause()
	}
}

// Cancel cancels the request; a chunked root propagates to all siblings.
func (r *LoadRequest) Cancel() {
	if r.coord != nil && r.index == 0 {
		r.coord.fail()
	}
	r.Base.Cancel()
	for _, sib := range r.familyFromRoot() {
		sib.Base.Cancel()
	}
}

// Wait blocks until the download is terminal. On a chunked root it also
// waits for the family merge or a family failure; a nil return therefore
// does not by itself mean the destination file exists.
func (r *LoadRequest) Wait(ctx context.Context) error {
	if err := r.Base.Wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	coord := r.coord
	r.mu.Unlock()
	if coord == nil || r.index != 0 || r.State() != request.Completed {
		return nil
	}
	select {
	case <-coord.done:
		return nil
	case <-coord.failed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelOthers cancels every family member except index keep.
func (r *LoadRequest) cancelOthers(keep int) {
	if r.coord == nil {
		return
	}
	for i, sib := range r.coord.requests {
		if i != keep && sib != nil {
			sib.Base.Cancel()
		}
	}
}

// FileName returns the resolved filename, or the configured one before
// resolution.
func (r *LoadRequest) FileName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileName
}

// BytesWritten returns the number of bytes this request has written. For a
// chunked root, TotalBytesWritten covers the family.
func (r *LoadRequest) BytesWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesWritten
}

// TotalBytesWritten returns the bytes written across the whole family.
func (r *LoadRequest) TotalBytesWritten() int64 {
	if r.coord != nil {
		return r.coord.bytesWritten.Load()
	}
	return r.BytesWritten()
}

// ContentLength returns the probed total resource length; 0 while unknown.
func (r *LoadRequest) ContentLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentLength
}

// runRequest is the request body invoked by a scheduler worker.
func (r *LoadRequest) runRequest(ctx context.Context) request.Result[string] {
	attemptCtx := ctx
	var timeout *flowcontrol.LinkedSource
	if r.opts.Timeout > 0 {
		timeout = flowcontrol.NewLinkedSource(ctx)
		timeout.CancelAfter(r.opts.Timeout)
		defer timeout.Dispose()
		attemptCtx = timeout.Context()
	}
	var res request.Result[string]
	if r.coord != nil {
		var ok bool
		if res, ok = r.ensurePlanned(attemptCtx); ok {
			res = r.fetch(attemptCtx)
		}
	} else {
		r.probeLength(attemptCtx)
		res = r.fetch(attemptCtx)
	}
	// A fired attempt timer surfaces as a cancellation; relabel it so the
	// failure classifies as a timeout rather than a caller cancel.
	if timeout != nil && timeout.Cancelled() && ctx.Err() == nil &&
		res.Err != nil && request.IsCancelled(res.Err) {
		res.Err = fmt.Errorf("attempt timed out after %s: %w",
			r.opts.Timeout, context.DeadlineExceeded)
	}
	return res
}

// ensurePlanned makes sure the family's chunk ranges exist, probing the
// resource length if needed, and assigns this request its chunk range. A
// false return carries the result to report instead of fetching.
func (r *LoadRequest) ensurePlanned(ctx context.Context) (request.Result[string], bool) {
	coord := r.coord
	if coord.noRanges.Load() {
		return r.handleNoRangeSupport()
	}
	if rng, _, ok := coord.chunkRange(r.index); ok {
		r.setAssignedRange(rng)
		return request.Result[string]{}, true
	}
	total := coord.contentLength.Load()
	if total <= 0 {
		length, rangeSupport := r.headProbe(ctx)
		if length > 0 {
			coord.contentLength.CompareAndSwap(0, length)
		}
		if !rangeSupport {
			// The server does not advertise byte ranges; chunking cannot
			// work, so degrade before issuing any ranged requests.
			return r.handleNoRangeSupport()
		}
		total = coord.contentLength.Load()
	}
	if total <= 0 {
		// Without a known length the range plan cannot exist; degrade to a
		// single stream.
		return r.handleNoRangeSupport()
	}
	r.setContentLength(total)
	start, effLen := effectiveSpan(r.opts.Range, total)
	coord.plan(start, effLen)
	rng, _, _ := coord.chunkRange(r.index)
	r.setAssignedRange(rng)
	return request.Result[string]{}, true
}

// probeLength performs the single-stream HEAD probe once, memoizing the
// resource length. Probe failures are not fatal; the GET may still succeed.
func (r *LoadRequest) probeLength(ctx context.Context) {
	r.mu.Lock()
	probed := r.probed
	r.probed = true
	r.mu.Unlock()
	if probed {
		return
	}
	if total, _ := r.headProbe(ctx); total > 0 {
		r.setContentLength(total)
	}
}

// headProbe issues the HEAD probe, returning the advertised length (or 0)
// and whether the server advertises byte-range support. Probe failures
// report no range support, so chunked plans fail closed.
func (r *LoadRequest) headProbe(ctx context.Context) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.rawURL, nil)
	if err != nil {
		return 0, false
	}
	r.applyHeaders(req)
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debugf("length probe failed: %v", err)
		return 0, false
	}
	resp.Body.Close()
	if !httputil.Is2xx(resp.StatusCode) {
		return 0, false
	}
	return resp.ContentLength, httputil.SupportsRange(resp.Header)
}

// fetch performs one GET attempt: send, validate, resolve the filename,
// stream the body into the part file, and finalize.
func (r *LoadRequest) fetch(ctx context.Context) request.Result[string] {
	// A part file resumed from a previous session may already be complete;
	// asking the server for the byte after its end would be unsatisfiable.
	if expected := r.expectedLength(); expected > 0 && r.FileName() != "" {
		written := r.BytesWritten()
		if written == expected {
			if r.coord != nil {
				r.coord.setFileName(r.FileName())
			}
			r.mu.Lock()
			r.nameResolved = true
			r.mu.Unlock()
			return r.finalize()
		}
		if written > expected && r.coord != nil {
			return request.Result[string]{
				Err:   fmt.Errorf("download: part file longer than chunk (%d bytes)", written),
				Fatal: true,
			}
		}
	}

	start := r.rangeStart() + r.BytesWritten()
	end := r.rangeEnd()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.rawURL, nil)
	if err != nil {
		return request.Result[string]{Err: err, Fatal: true}
	}
	r.applyHeaders(req)
	if start > 0 || end != nil {
		req.Header.Set("Range", httputil.BuildRangeHeader(start, end))
		httputil.ScrubConditionalHeaders(req.Header)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return request.Result[string]{Err: err}
	}
	defer resp.Body.Close()

	if r.coord != nil && resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK ||
			resp.StatusCode == http.StatusRequestedRangeNotSatisfiable ||
			httputil.Is2xx(resp.StatusCode) {
			// The plan assumed range support; the server disagreed.
			res, _ := r.handleNoRangeSupport()
			return res
		}
		return request.Result[string]{
			Response: resp,
			Err:      &request.StatusError{Code: resp.StatusCode},
		}
	}
	if r.coord == nil && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// A resume offset at the end of the resource is not an error: the
		// part file already holds every byte.
		if expected := r.expectedLength(); expected > 0 && r.BytesWritten() >= expected {
			if res, ok := r.finishNameResolution(resp); !ok {
				return res
			}
			return r.finalize()
		}
	}
	if !httputil.Is2xx(resp.StatusCode) {
		return request.Result[string]{
			Response: resp,
			Err:      &request.StatusError{Code: resp.StatusCode},
		}
	}
	if r.coord == nil && start > 0 && resp.StatusCode == http.StatusOK {
		// The server ignored the resume offset and is sending the full
		// body; restart the part file from scratch.
		r.log.Warnf("server ignored resume offset %d for %s; restarting", start, r.rawURL)
		if err := r.resetPart(); err != nil {
			return request.Result[string]{Err: err}
		}
	}

	r.recordLength(resp)

	if res, ok := r.finishNameResolution(resp); !ok {
		return res
	}

	return r.stream(ctx, resp)
}

// recordLength extracts the total resource length from the response when it
// is still unknown, and clamps the assigned range against it.
func (r *LoadRequest) recordLength(resp *http.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contentLength <= 0 {
		if resp.StatusCode == http.StatusPartialContent {
			if _, _, total, ok := httputil.ParseContentRange(resp.Header.Get("Content-Range")); ok && total > 0 {
				r.contentLength = total
			}
		} else if resp.ContentLength > 0 {
			r.contentLength = resp.ContentLength
		}
		if r.coord != nil && r.contentLength > 0 {
			r.coord.contentLength.CompareAndSwap(0, r.contentLength)
		}
	}
	if r.contentLength > 0 && r.rng.End != nil && *r.rng.End >= r.contentLength {
		r.rng.End = nil
	}
}

// finishNameResolution resolves the filename from the response on the first
// successful attempt and applies the on-disk mode handling. A false return
// carries the result to report.
func (r *LoadRequest) finishNameResolution(resp *http.Response) (request.Result[string], bool) {
	r.mu.Lock()
	resolved := r.nameResolved
	r.mu.Unlock()
	if resolved {
		return request.Result[string]{}, true
	}

	name := resolveFileName(r.opts.FileName, resp, r.url)
	if r.coord != nil {
		if shared, ok := r.coord.resolvedFileName(); ok {
			name = shared
		}
	}
	if err := validateExcluded(name, r.opts.ExcludedExtensions); err != nil {
		return request.Result[string]{Err: err, Fatal: true}, false
	}

	switch r.opts.Mode {
	case Overwrite:
		if r.coord == nil || r.index == 0 {
			os.Remove(filepath.Join(r.opts.DestinationPath, name))
		}
		if err := r.resetPartNamed(name); err != nil {
			return request.Result[string]{Err: err}, false
		}
	case Create:
		if r.coord != nil {
			if shared, ok := r.coord.resolvedFileName(); ok {
				name = shared
				break
			}
		}
		claimed, err := claimCreateName(name, r.opts.DestinationPath, r.partPath)
		if err != nil {
			return request.Result[string]{Err: err}, false
		}
		name = claimed
	case Append:
		n, err := fsutil.FileLength(r.partPathNamed(name))
		if err != nil {
			return request.Result[string]{Err: err}, false
		}
		requestedOffset := r.BytesWritten()
		if n != requestedOffset {
			// The part on disk does not match the offset this attempt
			// requested; only a from-zero stream can repair it.
			if requestedOffset == 0 {
				if err := r.resetPartNamed(name); err != nil {
					return request.Result[string]{Err: err}, false
				}
			} else {
				return request.Result[string]{Err: errShortBody}, false
			}
		}
		if total := r.ContentLength(); total > 0 && n > r.expectedLength() {
			if r.coord != nil {
				return request.Result[string]{
					Err:   fmt.Errorf("download: part file longer than chunk (%d bytes)", n),
					Fatal: true,
				}, false
			}
			if err := r.resetPartNamed(name); err != nil {
				return request.Result[string]{Err: err}, false
			}
		}
	}

	if r.coord != nil {
		name = r.coord.setFileName(name)
	}
	r.mu.Lock()
	r.fileName = name
	r.nameResolved = true
	r.mu.Unlock()
	return request.Result[string]{}, true
}

// stream copies the response body into the part file, maintaining progress,
// throughput feedback and cooperative pause/cancel checkpoints.
func (r *LoadRequest) stream(ctx context.Context, resp *http.Response) request.Result[string] {
	part := r.partPath(r.FileName())
	f, err := fsutil.OpenAppend(part)
	if err != nil {
		return request.Result[string]{Err: err}
	}

	buf := make([]byte, streamBufferSize)
	segmentStart := time.Now()
	segmentBytes := int64(0)
	var streamErr error
	eof := false

	for !eof {
		if r.State() != request.Running {
			break
		}
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
		default:
		}
		if streamErr != nil {
			break
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := r.waitQuota(ctx, n); err != nil {
				streamErr = err
				break
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				streamErr = fmt.Errorf("write part file: %w", werr)
				break
			}
			r.addBytes(int64(n))
			segmentBytes += int64(n)
			r.reportProgress()
			if elapsed := time.Since(segmentStart); elapsed >= time.Second {
				r.Handler().AddSpeed(float64(segmentBytes) / elapsed.Seconds())
				segmentStart = time.Now()
				segmentBytes = 0
			}
		}
		if rerr == io.EOF {
			eof = true
		} else if rerr != nil {
			streamErr = rerr
		}
	}
	if cerr := f.Close(); cerr != nil && streamErr == nil {
		streamErr = cerr
	}
	if segmentBytes > 0 {
		if elapsed := time.Since(segmentStart); elapsed > 0 {
			r.Handler().AddSpeed(float64(segmentBytes) / elapsed.Seconds())
		}
	}

	if streamErr != nil {
		if request.IsCancelled(streamErr) {
			// The response is meaningless to a cancelled request.
			return request.Result[string]{Err: streamErr}
		}
		return request.Result[string]{Response: resp, Err: streamErr}
	}
	if r.State() != request.Running {
		// Paused; the part file length carries the resume point.
		return request.Result[string]{Err: context.Canceled}
	}
	if expected := r.expectedLength(); expected > 0 && r.BytesWritten() < expected {
		return request.Result[string]{Response: resp, Err: errShortBody}
	}

	r.log.Debugf("finished streaming %s (%s)",
		r.FileName(), units.HumanSize(float64(r.BytesWritten())))
	return r.finalize()
}

// finalize turns a fully streamed part file into the terminal result:
// single streams verify and rename; family members mark their chunk
// finished and run the merge when eligible.
func (r *LoadRequest) finalize() request.Result[string] {
	name := r.FileName()
	if r.coord == nil {
		part := r.partPath(name)
		if err := r.verifyDigest(part); err != nil {
			return request.Result[string]{Err: err, Fatal: true}
		}
		dest := filepath.Join(r.opts.DestinationPath, name)
		if err := fsutil.AtomicMove(part, dest); err != nil {
			return request.Result[string]{Err: fmt.Errorf("move into destination: %w", err)}
		}
		if r.opts.Progress != nil {
			r.opts.Progress(1)
		}
		return request.Result[string]{Successful: true, Value: dest}
	}

	all := r.coord.markFinished(r.index)
	if r.opts.MergeWhileProgress || all {
		if err := r.mergeChunks(); err != nil {
			return request.Result[string]{Err: err, Fatal: true}
		}
	}
	return request.Result[string]{Successful: true, Value: r.partPath(name)}
}

// mergeChunks appends finished chunk files onto the leading part file in
// index order and, once every chunk is merged, renames it into the
// destination. The isCopying latch guarantees a single merger; the loop
// re-checks after releasing the latch so a chunk finishing mid-merge is not
// stranded.
func (r *LoadRequest) mergeChunks() error {
	coord := r.coord
	name := r.FileName()
	base := r.chunkPath(name, 0)
	for {
		if !coord.isCopying.CompareAndSwap(false, true) {
			return nil
		}
		var mergeErr error
		for mergeErr == nil {
			idx, done := coord.nextToCopy()
			if done {
				mergeErr = r.completeMerge(base, name)
				break
			}
			if idx < 0 {
				break
			}
			if idx == 0 {
				coord.markCopied(0)
				continue
			}
			src := r.chunkPath(name, idx)
			mergeErr = appendFile(base, src)
			if mergeErr == nil {
				coord.markCopied(idx)
			}
		}
		coord.isCopying.Store(false)
		if mergeErr != nil {
			return mergeErr
		}
		// Another chunk may have finished while we held the latch.
		if idx, done := coord.nextToCopy(); idx < 0 && !done {
			return nil
		} else if done && coord.merged() {
			return nil
		}
	}
}

// completeMerge verifies and renames the fully merged leading part file.
func (r *LoadRequest) completeMerge(base, name string) error {
	if r.coord.merged() {
		return nil
	}
	if err := r.verifyDigest(base); err != nil {
		return err
	}
	dest := filepath.Join(r.opts.DestinationPath, name)
	if err := fsutil.AtomicMove(base, dest); err != nil {
		return fmt.Errorf("move into destination: %w", err)
	}
	r.coord.setMerged()
	r.coord.complete(dest)
	return nil
}

// appendFile appends the contents of src onto dst and removes src.
func appendFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	out, err := fsutil.OpenAppend(dst)
	if err != nil {
		in.Close()
		return fmt.Errorf("open merge target: %w", err)
	}
	_, err = io.Copy(out, in)
	in.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("merge chunk: %w", err)
	}
	return os.Remove(src)
}

// handleNoRangeSupport degrades a chunked family to a single stream: the
// siblings are cancelled and the root is recycled as an unchunked request
// with its callbacks restored and its retry counter reset.
func (r *LoadRequest) handleNoRangeSupport() (request.Result[string], bool) {
	coord := r.coord
	if coord == nil {
		return request.Result[string]{Err: errServerNoRanges}, false
	}
	if coord.noRanges.CompareAndSwap(false, true) {
		r.log.Warnf("no byte-range support for %s; falling back to a single stream", r.rawURL)
		for i, sib := range coord.requests {
			if i != 0 && sib != nil {
				sib.Base.Cancel()
			}
		}
	}
	if r.index == 0 {
		// Only the root recycles itself, from its own worker, so the
		// conversion never races its request body.
		r.recycleAsSingle()
	}
	return request.Result[string]{Err: errServerNoRanges}, false
}

// recycleAsSingle converts the chunked root into a plain single-stream
// request. The caller-facing callbacks captured by the coordinator move
// back onto the request, the chunk part file is discarded, and the retry
// counter is reset. The attempt that discovered the missing range support
// still counts as one attempt against the reset budget.
func (r *LoadRequest) recycleAsSingle() {
	coord := r.coord
	r.mu.Lock()
	name := r.fileName
	resolved := r.nameResolved
	r.mu.Unlock()
	if resolved || name != "" {
		os.Remove(r.chunkPath(name, 0))
	}
	r.mu.Lock()
	r.coord = nil
	r.bytesWritten = 0
	r.rng = r.opts.Range
	r.nameResolved = false
	r.fileName = r.opts.FileName
	r.mu.Unlock()
	r.Options().OnCompleted = coord.onCompleted
	r.Options().OnFailed = r.userOnFailed
	r.opts.Progress = coord.onProgress
	r.limiter = coord.limiter
	r.ResetRetries()
}

// verifyDigest checks the assembled file against the expected digest.
func (r *LoadRequest) verifyDigest(path string) error {
	if r.opts.ExpectedDigest == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	actual, err := r.opts.ExpectedDigest.Algorithm().FromReader(f)
	if err != nil {
		return fmt.Errorf("digest file: %w", err)
	}
	if actual != r.opts.ExpectedDigest {
		return fmt.Errorf("download: digest mismatch: got %s, want %s",
			actual, r.opts.ExpectedDigest)
	}
	return nil
}

// waitQuota applies the bandwidth cap, if any.
func (r *LoadRequest) waitQuota(ctx context.Context, n int) error {
	if r.coord != nil {
		return r.coord.wait(ctx, n)
	}
	if r.limiter == nil {
		return nil
	}
	return r.limiter.WaitN(ctx, n)
}

// reportProgress forwards bytesWritten as a fraction of the expected
// length. The denominator is padded so the reporter only sees 1.0 from the
// finalization path.
func (r *LoadRequest) reportProgress() {
	expected := r.expectedLength()
	if expected <= 0 {
		return
	}
	p := float64(r.BytesWritten()) / float64(expected+10)
	if r.coord != nil {
		r.coord.reportChunkProgress(r.index, p)
		return
	}
	if r.opts.Progress != nil && r.progressTick.ready() {
		r.opts.Progress(p)
	}
}

// expectedLength returns the number of bytes this request is expected to
// produce: the chunk length for family members, the effective range length
// otherwise. 0 while unknown.
func (r *LoadRequest) expectedLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coord != nil {
		if length, ok := r.rng.Length(); ok {
			return length
		}
		return 0
	}
	if r.contentLength <= 0 {
		if length, ok := r.rng.Length(); ok {
			return length
		}
		return 0
	}
	_, effLen := effectiveSpan(r.rng, r.contentLength)
	return effLen
}

// effectiveSpan computes the absolute start offset and effective length of
// rng over a resource of the given total length:
//
//	only start set  ⇒ length = total - start
//	only end set    ⇒ length = end + 1
//	both set        ⇒ length = end - start + 1
//	neither         ⇒ length = total
//
// An end at or beyond the resource end is treated as unset.
func effectiveSpan(rng Range, total int64) (start, length int64) {
	start = rng.start()
	end := rng.End
	if end != nil && *end >= total {
		end = nil
	}
	switch {
	case end != nil:
		length = *end - start + 1
	default:
		length = total - start
	}
	if length < 0 {
		length = 0
	}
	return start, length
}

// applyHeaders sets the default and user headers on req.
func (r *LoadRequest) applyHeaders(req *http.Request) {
	ua := r.opts.UserAgent
	if ua == "" {
		ua = httputil.DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	for k, v := range r.opts.Headers {
		req.Header.Set(k, v)
	}
}

// partPath returns this request's part file path for the given base name.
func (r *LoadRequest) partPath(name string) string {
	if r.coord != nil {
		return r.chunkPath(name, r.index)
	}
	return r.partPathNamed(name)
}

func (r *LoadRequest) partPathNamed(name string) string {
	if r.coord != nil {
		return r.chunkPath(name, r.index)
	}
	return filepath.Join(r.opts.TemporaryPath, name+".part")
}

// chunkPath returns the part file path of chunk i.
func (r *LoadRequest) chunkPath(name string, i int) string {
	return filepath.Join(r.opts.TemporaryPath, fmt.Sprintf("%s_%d.chunk", name, i))
}

// resetPart truncates this request's part file and clears its written
// count.
func (r *LoadRequest) resetPart() error {
	return r.resetPartNamed(r.FileName())
}

func (r *LoadRequest) resetPartNamed(name string) error {
	if name == "" {
		return nil
	}
	f, err := fsutil.CreateTruncate(r.partPath(name))
	if err != nil {
		return err
	}
	f.Close()
	r.mu.Lock()
	delta := -r.bytesWritten
	r.bytesWritten = 0
	coord := r.coord
	r.mu.Unlock()
	if coord != nil {
		coord.bytesWritten.Add(delta)
	}
	return nil
}

// addBytes advances the written counters.
func (r *LoadRequest) addBytes(n int64) {
	r.mu.Lock()
	r.bytesWritten += n
	coord := r.coord
	r.mu.Unlock()
	if coord != nil {
		coord.bytesWritten.Add(n)
	}
}

// setAssignedRange installs the planned chunk range.
func (r *LoadRequest) setAssignedRange(rng Range) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng = rng
}

// setContentLength memoizes the probed resource length.
func (r *LoadRequest) setContentLength(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contentLength <= 0 {
		r.contentLength = total
	}
}

// rangeStart returns the absolute start of the assigned range.
func (r *LoadRequest) rangeStart() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.start()
}

// rangeEnd returns the absolute inclusive end of the assigned range, or nil
// when open.
func (r *LoadRequest) rangeEnd() *int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.End == nil {
		return nil
	}
	end := *r.rng.End
	return &end
}
