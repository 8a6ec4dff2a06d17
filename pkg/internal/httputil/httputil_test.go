package httputil

import (
	"net/http"
	"net/url"
	"testing"
)

func TestSupportsRange(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"bytes", true},
		{"Bytes", true},
		{"none, bytes", true},
		{"none", false},
		{"", false},
	}
	for _, tc := range cases {
		h := http.Header{}
		if tc.value != "" {
			h.Set("Accept-Ranges", tc.value)
		}
		if got := SupportsRange(h); got != tc.want {
			t.Errorf("SupportsRange(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestBuildRangeHeader(t *testing.T) {
	if got := BuildRangeHeader(100, nil); got != "bytes=100-" {
		t.Errorf("open range: got %q", got)
	}
	end := int64(199)
	if got := BuildRangeHeader(100, &end); got != "bytes=100-199" {
		t.Errorf("closed range: got %q", got)
	}
}

func TestParseSingleRange(t *testing.T) {
	cases := []struct {
		header string
		start  int64
		end    int64
		ok     bool
	}{
		{"bytes=0-99", 0, 99, true},
		{"bytes=100-", 100, -1, true},
		{"bytes=5-3", 0, -1, false},
		{"bytes=-500", 0, -1, false},
		{"bytes=0-99,200-299", 0, -1, false},
		{"items=0-99", 0, -1, false},
		{"", 0, -1, false},
	}
	for _, tc := range cases {
		start, end, ok := ParseSingleRange(tc.header)
		if start != tc.start || end != tc.end || ok != tc.ok {
			t.Errorf("ParseSingleRange(%q) = (%d,%d,%v), want (%d,%d,%v)",
				tc.header, start, end, ok, tc.start, tc.end, tc.ok)
		}
	}
}

func TestParseContentRange(t *testing.T) {
	cases := []struct {
		header string
		start  int64
		end    int64
		total  int64
		ok     bool
	}{
		{"bytes 0-99/1000", 0, 99, 1000, true},
		{"bytes 100-199/*", 100, 199, -1, true},
		{"bytes 0-99", 0, -1, -1, false},
		{"chunks 0-99/1000", 0, -1, -1, false},
		{"", 0, -1, -1, false},
	}
	for _, tc := range cases {
		start, end, total, ok := ParseContentRange(tc.header)
		if start != tc.start || end != tc.end || total != tc.total || ok != tc.ok {
			t.Errorf("ParseContentRange(%q) = (%d,%d,%d,%v), want (%d,%d,%d,%v)",
				tc.header, start, end, total, ok, tc.start, tc.end, tc.total, tc.ok)
		}
	}
}

func TestFilenameFromDisposition(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{`attachment; filename="report.pdf"`, "report.pdf"},
		{`attachment; filename*=UTF-8''na%C3%AFve.txt`, "naïve.txt"},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
		{`inline`, ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := FilenameFromDisposition(tc.header); got != tc.want {
			t.Errorf("FilenameFromDisposition(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestFilenameFromURL(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"https://example.com/files/data.bin", "data.bin"},
		{"https://example.com/files/", "files"},
		{"https://example.com/", ""},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got := FilenameFromURL(u); got != tc.want {
			t.Errorf("FilenameFromURL(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestMediaType(t *testing.T) {
	if got := MediaType("text/html; charset=utf-8"); got != "text/html" {
		t.Errorf("MediaType: got %q", got)
	}
	if got := MediaType(""); got != "" {
		t.Errorf("MediaType empty: got %q", got)
	}
}
