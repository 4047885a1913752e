package hls

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"streamgate/internal/apperr"
	"streamgate/pkg/types"
)

var playlistExts = map[string]bool{".m3u8": true, ".m3u": true}

var segmentExts = map[string]bool{
	".ts": true, ".m4s": true, ".mp4": true, ".m4v": true, ".m4a": true,
	".aac": true, ".mp3": true, ".ac3": true, ".ec3": true, ".fmp4": true,
	".cmfv": true, ".cmfa": true, ".vtt": true, ".webvtt": true, ".key": true,
}

var (
	playlistHints = []string{"playlist", "manifest", "master", "index.m3u", "/hls/"}
	segmentHints  = []string{"/segment", "/seg-", "/seg_", "/chunk", "/fragment", "/frag"}
	streamHints   = []string{"/live/", "/vod/", "/stream", "/hls", "/dash"}
	authSuffixes  = []string{"_token", "-token", "_key", "-key", "_auth", "_session"}
)

var authParams = map[string]bool{
	"token": true, "auth": true, "key": true, "session": true,
	"sessionid": true, "session_id": true, "access_token": true, "auth_token": true, "api_key": true,
}

// Classify guesses what an upstream URL serves from its path.
func Classify(u *url.URL) types.ContentType {
	p := strings.ToLower(u.Path)
	ext := path.Ext(p)
	switch {
	case playlistExts[ext]:
		return types.ContentPlaylist
	case segmentExts[ext]:
		return types.ContentSegment
	}
	for _, h := range playlistHints {
		if strings.Contains(p, h) {
			return types.ContentPlaylist
		}
	}
	for _, h := range segmentHints {
		if strings.Contains(p, h) {
			return types.ContentSegment
		}
	}
	return types.ContentOther
}

// ParseStreamingURL parses raw and checks it has the shape of a streaming
// resource: http(s), a host, and a playlist/segment extension or a path that
// looks like a streaming endpoint.
func ParseStreamingURL(raw string) (*url.URL, types.ContentType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", apperr.Validation("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindValidation, err, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", apperr.Validation("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", apperr.Validation("url has no host")
	}
	ct := Classify(u)
	if ct != types.ContentOther {
		return u, ct, nil
	}
	p := strings.ToLower(u.Path)
	for _, h := range streamHints {
		if strings.Contains(p, h) {
			return u, ct, nil
		}
	}
	return nil, "", apperr.Validation("url does not look like a streaming resource")
}

// isAuthParam matches whole names so keyframe or monkey never count.
func isAuthParam(k string) bool {
	k = strings.ToLower(k)
	if authParams[k] {
		return true
	}
	for _, suf := range authSuffixes {
		if strings.HasSuffix(k, suf) {
			return true
		}
	}
	return false
}

// Normalize canonicalises u for use as an identity: lowercase scheme and
// host, no fragment, and only auth-relevant query parameters in sorted
// order. requiresAuth reports whether any such parameter was kept.
func Normalize(u *url.URL) (normalized string, requiresAuth bool) {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	kept := url.Values{}
	for k, vs := range u.Query() {
		if isAuthParam(k) {
			kept[k] = vs
		}
	}
	for _, vs := range kept {
		sort.Strings(vs)
	}
	n.RawQuery = kept.Encode()
	return n.String(), len(kept) > 0
}
