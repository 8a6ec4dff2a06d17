package download

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/haulkit/haul/pkg/request"
)

// Mode controls how a download interacts with files already on disk.
type Mode int

const (
	// Append resumes a partial download: bytes already present in the part
	// file count as written and the server is asked for the remainder.
	Append Mode = iota
	// Create never touches existing files; a taken filename is
	// deduplicated as "name (i).ext".
	Create
	// Overwrite truncates existing destination and part files.
	Overwrite
)

func (m Mode) String() string {
	switch m {
	case Append:
		return "append"
	case Create:
		return "create"
	case Overwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// Range restricts a download to a byte range of the resource. Both bounds
// are inclusive; a nil bound is open.
type Range struct {
	Start *int64
	End   *int64
}

// Length returns 1+End-Start when both bounds are set.
func (r Range) Length() (int64, bool) {
	if r.Start == nil || r.End == nil {
		return 0, false
	}
	return 1 + *r.End - *r.Start, true
}

func (r Range) validate() error {
	if r.Start != nil && *r.Start < 0 {
		return &request.ValidationError{Reason: "range start is negative"}
	}
	if r.End != nil && *r.End < 0 {
		return &request.ValidationError{Reason: "range end is negative"}
	}
	if r.Start != nil && r.End != nil && *r.Start >= *r.End {
		return &request.ValidationError{
			Reason: fmt.Sprintf("range start %d not below end %d", *r.Start, *r.End),
		}
	}
	return nil
}

// start returns the lower bound, defaulting to 0.
func (r Range) start() int64 {
	if r.Start == nil {
		return 0
	}
	return *r.Start
}

// Options configures a LoadRequest. The embedded request options' completed
// value is the final destination path.
type Options struct {
	request.Options[string]

	// Mode selects the on-disk behavior. The default is Append.
	Mode Mode
	// FileName fixes the destination filename. When empty, the name is
	// resolved from response metadata and the URL.
	FileName string
	// DestinationPath is the directory the finished file is moved to.
	// Empty selects the user's download folder, falling back to the
	// working directory.
	DestinationPath string
	// TemporaryPath is the directory part files are written to. Empty
	// selects DestinationPath.
	TemporaryPath string
	// ExcludedExtensions rejects downloads whose resolved filename carries
	// one of these extensions (with or without leading dot).
	ExcludedExtensions []string
	// Progress receives download progress in [0,1]. Calls are throttled.
	Progress func(float64)
	// Timeout bounds each download attempt with a single timer: a length
	// probe run in that attempt, the GET and the body transfer all share
	// it, so the probe and the GET are not timed separately. Zero means no
	// timeout.
	Timeout time.Duration
	// Range restricts the download to a byte range of the resource.
	Range Range
	// Chunks splits the download into n byte-range sub-requests. Values
	// below 2 download in a single stream.
	Chunks int
	// MergeWhileProgress merges finished chunks into the leading part file
	// as soon as they complete instead of waiting for all of them.
	MergeWhileProgress bool
	// Headers are merged into every request sent for this download.
	Headers map[string]string
	// UserAgent overrides the default User-Agent header.
	UserAgent string
	// MaxBytesPerSec caps the aggregate transfer rate of this download,
	// including all of its chunks. Zero means unlimited.
	MaxBytesPerSec float64
	// ExpectedDigest verifies the assembled file before the final rename.
	// A mismatch fails the download without retry.
	ExpectedDigest digest.Digest
	// Client overrides the shared HTTP client.
	Client request.Client
}
