// Command haul downloads URLs through the engine: priority scheduling,
// chunked transfers, resume, and retry come from the library; this binary
// only wires flags to options and renders progress.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/opencontainers/go-digest"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/haulkit/haul/pkg/download"
	"github.com/haulkit/haul/pkg/request"
	"github.com/haulkit/haul/pkg/scheduler"
)

var log = logrus.New()

type flags struct {
	output     string
	fileName   string
	chunks     int
	threads    int
	headers    []string
	userAgent  string
	timeout    time.Duration
	limit      string
	digest     string
	quiet      bool
	overwrite  bool
	keepUnique bool
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:   "haul <url> [url...]",
		Short: "Parallel HTTP download tool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context(), f, args)
		},
	}
	root.Flags().StringVarP(&f.output, "output", "o", "", "destination directory (default: download folder)")
	root.Flags().StringVar(&f.fileName, "name", "", "fixed destination filename")
	root.Flags().IntVarP(&f.chunks, "chunks", "c", 0, "split each download into n byte-range chunks")
	root.Flags().IntVarP(&f.threads, "threads", "t", 0, "pin the scheduler parallelism degree")
	root.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "extra request header, 'Key: value' (repeatable)")
	root.Flags().StringVar(&f.userAgent, "user-agent", "", "override the User-Agent header")
	root.Flags().DurationVar(&f.timeout, "timeout", 0, "per-attempt timeout")
	root.Flags().StringVar(&f.limit, "limit", "", "bandwidth cap per download, e.g. 2MB")
	root.Flags().StringVar(&f.digest, "digest", "", "expected digest, e.g. sha256:...")
	root.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "suppress progress output")
	root.Flags().BoolVar(&f.overwrite, "overwrite", false, "overwrite existing files")
	root.Flags().BoolVar(&f.keepUnique, "keep-unique", false, "never touch existing files; number duplicates")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags, urls []string) error {
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return err
	}
	var limit float64
	if f.limit != "" {
		n, err := units.FromHumanSize(f.limit)
		if err != nil {
			return fmt.Errorf("invalid --limit: %w", err)
		}
		limit = float64(n)
	}
	var expected digest.Digest
	if f.digest != "" {
		expected, err = digest.Parse(f.digest)
		if err != nil {
			return fmt.Errorf("invalid --digest: %w", err)
		}
	}
	if f.threads > 0 {
		scheduler.Downloads().SetMaxDegreeOfParallelism(f.threads)
	}
	mode := download.Append
	if f.overwrite {
		mode = download.Overwrite
	} else if f.keepUnique {
		mode = download.Create
	}

	requests := make([]*download.LoadRequest, 0, len(urls))
	failures := 0
	for _, u := range urls {
		opts := &download.Options{
			Mode:            mode,
			FileName:        f.fileName,
			DestinationPath: f.output,
			Timeout:         f.timeout,
			Chunks:          f.chunks,
			Headers:         headers,
			UserAgent:       f.userAgent,
			MaxBytesPerSec:  limit,
			ExpectedDigest:  expected,
		}
		opts.AutoStart = true
		if !f.quiet {
			bar := progressbar.NewOptions(1000,
				progressbar.OptionSetDescription(u),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowBytes(false),
				progressbar.OptionClearOnFinish(),
			)
			opts.Progress = func(p float64) {
				bar.Set(int(p * 1000)) //nolint:errcheck
			}
		}
		u := u
		opts.OnCompleted = func(dest string) {
			log.Infof("downloaded %s -> %s", u, dest)
		}
		opts.OnFailed = func(_ *http.Response, err error) {
			switch {
			case request.IsTimeout(err):
				log.Errorf("download timed out for %s: %v", u, err)
			case request.IsCancelled(err):
				log.Warnf("download cancelled for %s", u)
			default:
				log.Errorf("download failed for %s: %v", u, err)
			}
		}
		req, err := download.New(u, opts)
		if err != nil {
			log.Errorf("invalid download %s: %v", u, err)
			failures++
			continue
		}
		requests = append(requests, req)
	}

	for _, req := range requests {
		if err := req.Wait(ctx); err != nil {
			return err
		}
		if req.State() != request.Completed {
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d download(s) failed", failures)
	}
	return nil
}

// parseHeaders splits repeatable --header flags into a header map. Values
// go through shellwords so quoted flag files survive shells and scripts.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		parts, err := shellwords.Parse(h)
		if err != nil {
			return nil, fmt.Errorf("invalid --header %q: %w", h, err)
		}
		joined := strings.Join(parts, " ")
		k, v, ok := strings.Cut(joined, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --header %q: missing ':'", h)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers, nil
}
