package download

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haulkit/haul/pkg/internal/fsutil"
	"github.com/haulkit/haul/pkg/internal/httputil"
	"github.com/haulkit/haul/pkg/request"
)

// fallbackFileName is used when neither the response nor the URL yields a
// usable name.
const fallbackFileName = "requested_download"

// nameClaims serializes Create-mode filename selection across concurrent
// downloads in this process. Cross-process races are handled by the
// exclusive-create claim on the part file.
var nameClaims sync.Mutex

// resolveFileName derives the download's filename from the user option, the
// response metadata, and the URL, in that order of preference.
func resolveFileName(userName string, resp *http.Response, u *url.URL) string {
	name := userName
	if name == "" {
		name = httputil.FilenameFromDisposition(resp.Header.Get("Content-Disposition"))
	}
	if name == "" {
		name = httputil.FilenameFromURL(u)
	}
	if name == "" && u != nil {
		name = filepath.Base(u.String())
	}
	if name == "" {
		name = fallbackFileName
	}
	if filepath.Ext(name) == "" {
		if ext := fsutil.ExtensionForMIME(httputil.MediaType(resp.Header.Get("Content-Type"))); ext != "" {
			name += ext
		} else if u != nil {
			name += filepath.Ext(u.Path)
		}
	}
	name = fsutil.RemoveInvalidChars(name)
	if name == "" {
		name = fallbackFileName
	}
	return name
}

// extensionExcluded reports whether name carries one of the excluded
// extensions. Entries match with or without a leading dot, case
// insensitively.
func extensionExcluded(name string, excluded []string) bool {
	ext := filepath.Ext(name)
	for _, e := range excluded {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// claimCreateName finds the first "name (i).ext" candidate whose
// destination and part paths are both free, and claims the part path with
// an exclusive create so concurrent downloads cannot pick the same name.
func claimCreateName(name, destDir string, partPathFor func(string) string) (string, error) {
	nameClaims.Lock()
	defer nameClaims.Unlock()
	for i := 0; ; i++ {
		cand := fsutil.NumberedName(name, i)
		dest := filepath.Join(destDir, cand)
		part := partPathFor(cand)
		if fsutil.Exists(dest) || fsutil.Exists(part) {
			continue
		}
		f, err := fsutil.CreateExclusive(part)
		if err != nil {
			// Lost a cross-process race for this candidate; probe the next.
			continue
		}
		f.Close()
		return cand, nil
	}
}

// validateExcluded rejects names carrying a reserved extension.
func validateExcluded(name string, excluded []string) error {
	if extensionExcluded(name, excluded) {
		return &request.ValidationError{Reason: "filename extension is excluded: " + name}
	}
	return nil
}
