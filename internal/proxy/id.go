package proxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"streamgate/internal/apperr"
)

var contentIDRE = regexp.MustCompile(`^[A-Za-z0-9-]{1,128}$`)

// ValidContentID reports whether id can prefix a proxy id. Underscores are
// reserved as the separator so invalidation by prefix cannot spill over to
// another content id.
func ValidContentID(id string) error {
	if !contentIDRE.MatchString(id) {
		return apperr.Validation("contentId must be 1-128 letters, digits or dashes")
	}
	return nil
}

// ProxyID derives the public id of a proxied URL. Without secret a client
// cannot produce an id for a URL of its choosing.
func ProxyID(secret []byte, normalizedURL, contentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(normalizedURL))
	mac.Write([]byte{0})
	mac.Write([]byte(contentID))
	return contentID + "_" + hex.EncodeToString(mac.Sum(nil))[:16]
}
