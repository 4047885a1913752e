package torrentx

import (
	"mime"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// FileInfo is the part of a torrent file the selection heuristic needs.
type FileInfo struct {
	Index  int
	Path   string
	Length int64
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
}

var (
	extrasRE  = regexp.MustCompile(`(?i)(^|[^a-z])(sample|trailer|preview)([^a-z]|$)`)
	featureRE = regexp.MustCompile(`(?i)(^|[^a-z])(movie|film|main|full)([^a-z]|$)`)
)

func IsVideo(name string) bool {
	_, ok := videoTypes[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ChooseBestFile picks the playable file of a torrent. Among video files a
// clear size winner (at least 1.5x the runner-up) is the feature. Otherwise
// extras are skipped and feature-looking names win, falling back to the
// largest file.
func ChooseBestFile(files []FileInfo) (FileInfo, bool) {
	var cands []FileInfo
	for _, f := range files {
		if IsVideo(f.Path) {
			cands = append(cands, f)
		}
	}
	switch len(cands) {
	case 0:
		return FileInfo{}, false
	case 1:
		return cands[0], true
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Length > cands[j].Length })
	largest := cands[0]
	if largest.Length*2 >= cands[1].Length*3 {
		return largest, true
	}

	var kept []FileInfo
	for _, f := range cands {
		if !extrasRE.MatchString(filepath.Base(f.Path)) {
			kept = append(kept, f)
		}
	}
	for _, f := range kept {
		if featureRE.MatchString(filepath.Base(f.Path)) {
			return f, true
		}
	}
	if len(kept) > 0 {
		return kept[0], true
	}
	return largest, true
}

func ContentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := videoTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func IsLikely4K(name string, size int64) bool {
	n := strings.ToLower(name)
	if strings.Contains(n, "2160p") || strings.Contains(n, "4k") || strings.Contains(n, "uhd") {
		return true
	}
	return size >= 8<<30
}

func SafeDownloadName(name string) string {
	repl := strings.NewReplacer("<", "", ">", "", ":", "", `"`, "", "/", "", `\`, "", "|", "", "?", "", "*", "")
	n := repl.Replace(name)
	n = strings.Trim(n, " .")
	if len(n) == 0 {
		n = "video"
	}
	if len(n) > 120 {
		n = n[:120]
	}
	return n
}
