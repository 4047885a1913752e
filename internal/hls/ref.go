package hls

import (
	"encoding/base64"
	"net/url"
	"strings"
	"unicode/utf8"

	"streamgate/internal/apperr"
)

// EncodeRef turns an upstream URL into the opaque token used in rewritten
// playlists: unpadded base64url of its UTF-8 bytes.
func EncodeRef(rawURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rawURL))
}

// SegmentPath is the client-facing path for an upstream URL under base.
func SegmentPath(base, rawURL string) string {
	return strings.TrimRight(base, "/") + "/segment/" + EncodeRef(rawURL)
}

// DecodeRef reverses EncodeRef. Padded tokens are accepted too.
func DecodeRef(ref string) (string, error) {
	ref = strings.TrimRight(strings.TrimSpace(ref), "=")
	if ref == "" {
		return "", apperr.Validation("empty segment reference")
	}
	b, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "segment reference is not base64url")
	}
	if !utf8.Valid(b) {
		return "", apperr.Validation("segment reference is not valid UTF-8")
	}
	s := string(b)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", apperr.Validation("segment reference does not decode to an http(s) url")
	}
	return s, nil
}
