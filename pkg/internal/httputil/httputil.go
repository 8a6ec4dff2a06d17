// Package httputil provides shared HTTP helpers for the download engine:
// range header construction and parsing, header scrubbing, and filename
// extraction from response metadata.
package httputil

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// DefaultUserAgent is sent on probe and download requests unless the caller
// overrides it.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/105.0.0.0 Safari/537.36"

// SupportsRange determines whether an HTTP response indicates support for
// range requests.
func SupportsRange(h http.Header) bool {
	ar := strings.ToLower(h.Get("Accept-Ranges"))
	for _, part := range strings.Split(ar, ",") {
		if strings.TrimSpace(part) == "bytes" {
			return true
		}
	}
	return false
}

// ScrubConditionalHeaders removes conditional headers we do not want to
// forward on range requests, because they can alter semantics or conflict
// with If-Range logic.
func ScrubConditionalHeaders(h http.Header) {
	h.Del("If-None-Match")
	h.Del("If-Modified-Since")
	h.Del("If-Match")
	h.Del("If-Unmodified-Since")
	// Range/If-Range headers are set explicitly by the caller.
}

// BuildRangeHeader constructs a "Range" header value for a given start and
// optional inclusive end. A nil end produces an open-ended range.
func BuildRangeHeader(start int64, end *int64) string {
	if end == nil {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, *end)
}

// ParseSingleRange parses a single "Range: bytes=start-end" header.
// It returns (start, end, ok). When end is omitted, end == -1.
//
// Notes:
//   - Only absolute-start forms are supported (no suffix ranges "-N").
//   - Multi-range specifications (comma separated) return ok == false.
func ParseSingleRange(h string) (int64, int64, bool) {
	if h == "" {
		return 0, -1, false
	}
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(strings.ToLower(h), "bytes=") {
		return 0, -1, false
	}
	spec := strings.TrimSpace(h[len("bytes="):])
	if strings.Contains(spec, ",") {
		return 0, -1, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, -1, false
	}
	if parts[0] == "" {
		// Suffix form is not supported here.
		return 0, -1, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return 0, -1, false
	}
	end := int64(-1)
	if strings.TrimSpace(parts[1]) != "" {
		e, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || e < start {
			return 0, -1, false
		}
		end = e
	}
	return start, end, true
}

// ParseContentRange parses "Content-Range: bytes start-end/total". It
// returns (start, end, total, ok). When total is unknown, total == -1.
func ParseContentRange(h string) (int64, int64, int64, bool) {
	if h == "" {
		return 0, -1, -1, false
	}
	h = strings.ToLower(strings.TrimSpace(h))
	if !strings.HasPrefix(h, "bytes ") {
		return 0, -1, -1, false
	}
	body := strings.TrimSpace(h[len("bytes "):])
	seTotal := strings.SplitN(body, "/", 2)
	if len(seTotal) != 2 {
		return 0, -1, -1, false
	}
	se := strings.SplitN(strings.TrimSpace(seTotal[0]), "-", 2)
	if len(se) != 2 {
		return 0, -1, -1, false
	}
	start, err1 := strconv.ParseInt(strings.TrimSpace(se[0]), 10, 64)
	end, err2 := strconv.ParseInt(strings.TrimSpace(se[1]), 10, 64)
	totalStr := strings.TrimSpace(seTotal[1])
	var total int64 = -1
	var err3 error
	if totalStr != "*" {
		total, err3 = strconv.ParseInt(totalStr, 10, 64)
	}
	if err1 != nil || err2 != nil || (err3 != nil && totalStr != "*") {
		return 0, -1, -1, false
	}
	return start, end, total, true
}

// FilenameFromDisposition extracts the filename parameter from a
// Content-Disposition header. The extended filename* form takes precedence
// over the plain form. Returns "" when no usable filename is present.
func FilenameFromDisposition(h string) string {
	if h == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(h)
	if err != nil {
		return ""
	}
	// mime.ParseMediaType decodes filename* into the "filename" key per
	// RFC 6266, so a single lookup covers both forms.
	name := params["filename"]
	// Strip any path components a hostile server might send.
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// FilenameFromURL derives a filename from the final path segment of a URL.
// Returns "" when the URL has no usable segment.
func FilenameFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	seg := path.Base(u.Path)
	if seg == "." || seg == "/" || seg == "" {
		return ""
	}
	return seg
}

// MediaType returns the bare media type of a Content-Type header, without
// parameters. Returns "" when the header is absent or malformed.
func MediaType(h string) string {
	if h == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(h)
	if err != nil {
		return ""
	}
	return mt
}

// Is2xx reports whether code is a success status.
func Is2xx(code int) bool {
	return code >= 200 && code < 300
}
