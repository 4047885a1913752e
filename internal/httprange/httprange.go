// Package httprange implements the single-range subset of RFC 7233 used for
// progressive playback.
package httprange

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"streamgate/internal/torrentx"
)

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Length() int64 { return r.End - r.Start + 1 }

// Parse returns the range requested by header for a resource of size bytes.
// It returns nil when the header is absent, malformed, multi-range or not
// satisfiable; callers then serve the full content.
func Parse(header string, size int64) *Range {
	h := strings.TrimSpace(strings.ToLower(header))
	if size <= 0 || !strings.HasPrefix(h, "bytes=") {
		return nil
	}
	set := strings.TrimPrefix(h, "bytes=")
	if strings.Contains(set, ",") {
		return nil
	}
	se := strings.SplitN(strings.TrimSpace(set), "-", 2)
	if len(se) != 2 {
		return nil
	}
	if se[0] == "" {
		// suffix form: last n bytes
		n, err := strconv.ParseInt(se[1], 10, 64)
		if err != nil || n <= 0 {
			return nil
		}
		if n > size {
			n = size
		}
		return &Range{Start: size - n, End: size - 1}
	}
	s, err := strconv.ParseInt(se[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return nil
	}
	e := size - 1
	if se[1] != "" {
		e, err = strconv.ParseInt(se[1], 10, 64)
		if err != nil || e < s || e >= size {
			return nil
		}
	}
	return &Range{Start: s, End: e}
}

// GenerateHeaders builds the status and headers for serving filename. With a
// range the response is 206 with an exact Content-Length and Content-Range;
// without one it is 200 with the full length.
func GenerateHeaders(filename string, size int64, r *Range) (int, http.Header) {
	h := make(http.Header)
	h.Set("Content-Type", torrentx.ContentTypeForName(filename))
	h.Set("Accept-Ranges", "bytes")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Content-Security-Policy", "frame-ancestors 'self'")
	h.Set("Cache-Control", "no-store")
	if filename != "" {
		h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", torrentx.SafeDownloadName(filepath.Base(filename))))
	}
	if r == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		return http.StatusOK, h
	}
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
	h.Set("Content-Length", strconv.FormatInt(r.Length(), 10))
	return http.StatusPartialContent, h
}
