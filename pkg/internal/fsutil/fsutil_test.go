package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoveInvalidChars(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain.txt", "plain.txt"},
		{`a<b>c:d"e/f\g|h?i*j.txt`, "abcdefghij.txt"},
		{"trailing. ", "trailing"},
		{"tab\tname", "tabname"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, RemoveInvalidChars(tc.in))
	}
}

func TestNumberedName(t *testing.T) {
	require.Equal(t, "file.txt", NumberedName("file.txt", 0))
	require.Equal(t, "file (1).txt", NumberedName("file.txt", 1))
	require.Equal(t, "archive.tar (3).gz", NumberedName("archive.tar.gz", 3))
	require.Equal(t, "noext (2)", NumberedName("noext", 2))
}

func TestSplitNameExt(t *testing.T) {
	stem, ext := SplitNameExt("report.pdf")
	require.Equal(t, "report", stem)
	require.Equal(t, ".pdf", ext)
	stem, ext = SplitNameExt("noext")
	require.Equal(t, "noext", stem)
	require.Equal(t, "", ext)
}

func TestAtomicMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	require.NoError(t, AtomicMove(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
	require.False(t, Exists(src))
}

func TestFileLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	n, err := FileLength(path)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, os.WriteFile(path, make([]byte, 123), 0o644))
	n, err = FileLength(path)
	require.NoError(t, err)
	require.Equal(t, int64(123), n)
}

func TestCreateExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claim")
	f, err := CreateExclusive(path)
	require.NoError(t, err)
	f.Close()
	_, err = CreateExclusive(path)
	require.Error(t, err)
}

func TestOpenAppendExtends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	f, err := OpenAppend(path)
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = OpenAppend(path)
	require.NoError(t, err)
	_, err = f.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(got))
}

func TestExtensionForMIME(t *testing.T) {
	// The platform MIME table may be missing entries; absent is allowed.
	if ext := ExtensionForMIME("text/html"); ext != "" {
		require.Contains(t, []string{".htm", ".html"}, ext)
	}
	require.Equal(t, "", ExtensionForMIME(""))
	require.Equal(t, "", ExtensionForMIME("application/x-does-not-exist"))
}
