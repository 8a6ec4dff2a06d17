// Package fsutil provides the filesystem capabilities used by the download
// engine: atomic moves, append streams, filename sanitization and
// deduplication, download-folder discovery, and MIME-to-extension lookup.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// invalidFilenameChars are characters rejected by at least one supported
// platform. They are stripped rather than escaped.
const invalidFilenameChars = `<>:"/\|?*`

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// CreateTruncate creates path, truncating it to zero length if it already
// exists.
func CreateTruncate(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// OpenAppend opens path for appending, creating it if absent.
func OpenAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

// CreateExclusive creates path, failing if it already exists. Used to claim
// a deduplicated filename without racing concurrent downloads.
func CreateExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// FileLength returns the length of the file at path, or 0 if it does not
// exist.
func FileLength(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AtomicMove moves src to dst, overwriting dst if present. A plain rename is
// attempted first; when src and dst live on different filesystems the move
// degrades to copy-then-delete.
func AtomicMove(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	out, err := CreateTruncate(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close destination: %w", err)
	}
	return os.Remove(src)
}

// RemoveInvalidChars strips characters that are not legal in filenames on
// all supported platforms, along with control characters and trailing dots
// and spaces.
func RemoveInvalidChars(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidFilenameChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), ". ")
}

// SplitNameExt splits a filename into its stem and extension (including the
// leading dot). "archive.tar.gz" splits as ("archive.tar", ".gz").
func SplitNameExt(name string) (string, string) {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// NumberedName returns the i-th deduplication candidate for name:
// NumberedName("file.txt", 0) == "file.txt",
// NumberedName("file.txt", 2) == "file (2).txt".
func NumberedName(name string, i int) string {
	if i == 0 {
		return name
	}
	stem, ext := SplitNameExt(name)
	return fmt.Sprintf("%s (%d)%s", stem, i, ext)
}

// ExtensionForMIME returns a filename extension (with leading dot) for the
// given media type, or "" when the platform MIME database has no mapping.
func ExtensionForMIME(mediaType string) string {
	if mediaType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	// ExtensionsByType ordering is platform dependent; pick deterministically.
	sort.Strings(exts)
	// Prefer common short extensions over oddities like ".jpe".
	for _, preferred := range []string{".jpg", ".txt", ".htm", ".html"} {
		for _, e := range exts {
			if e == preferred {
				return e
			}
		}
	}
	return exts[0]
}

// DownloadFolder returns the user's download directory, or "" when it cannot
// be resolved on this platform.
func DownloadFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, "Downloads")
	if Exists(dir) {
		return dir
	}
	return ""
}
