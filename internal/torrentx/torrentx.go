package torrentx

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/anacrolix/torrent/metainfo"

	"streamgate/internal/apperr"
)

// trackers
var extraHTTP = []string{
	"http://tracker.opentrackr.org:1337/announce",
	"https://tracker.opentrackr.org:443/announce",
	"https://opentracker.i2p.rocks:443/announce",
	"https://tracker.zemoj.com/announce",
}
var extraUDP = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://open.demonii.com:1337/announce",
}

// TrackerTiers returns the default trackers announced in addition to the
// magnet's own, one per tier. mode is all|http|udp|none.
func TrackerTiers(mode string) [][]string {
	var tiers [][]string
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "none":
		return tiers
	case "http":
		for _, s := range extraHTTP {
			tiers = append(tiers, []string{s})
		}
	case "udp":
		for _, s := range extraUDP {
			tiers = append(tiers, []string{s})
		}
	default: // "all"
		for _, s := range extraHTTP {
			tiers = append(tiers, []string{s})
		}
		for _, s := range extraUDP {
			tiers = append(tiers, []string{s})
		}
	}
	return tiers
}

// SanitizeMagnet drops the magnet's trackers that the tracker mode does not
// allow. Anything that is not a parseable magnet is returned unchanged.
func SanitizeMagnet(raw, mode string) string {
	if !strings.HasPrefix(raw, "magnet:") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "udp"
	}
	orig := q["tr"]
	q.Del("tr")
	keep := func(tr string) bool {
		trL := strings.ToLower(tr)
		switch mode {
		case "udp":
			return strings.HasPrefix(trL, "udp://")
		case "http":
			return strings.HasPrefix(trL, "http://") || strings.HasPrefix(trL, "https://")
		case "none":
			return false
		default:
			return !strings.Contains(trL, "tracker.renfei.net") && !strings.Contains(trL, "renfei.eu.org")
		}
	}
	for _, tr := range orig {
		if keep(tr) {
			q.Add("tr", tr)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func CountTrackers(raw string) (udp, http, https, other int) {
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	for _, tr := range u.Query()["tr"] {
		switch trL := strings.ToLower(tr); {
		case strings.HasPrefix(trL, "udp://"):
			udp++
		case strings.HasPrefix(trL, "http://"):
			http++
		case strings.HasPrefix(trL, "https://"):
			https++
		default:
			other++
		}
	}
	return
}

// ParseMagnet validates raw as a magnet link carrying a v1 info-hash.
func ParseMagnet(raw string) (metainfo.Magnet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return metainfo.Magnet{}, apperr.Validation("magnet link is required")
	}
	if !strings.HasPrefix(strings.ToLower(raw), "magnet:?") {
		return metainfo.Magnet{}, apperr.Validation("not a magnet link")
	}
	m, err := metainfo.ParseMagnetURI(raw)
	if err != nil {
		return metainfo.Magnet{}, apperr.Wrap(apperr.KindProtocol, err, "malformed magnet link")
	}
	if m.InfoHash == (metainfo.Hash{}) {
		return metainfo.Magnet{}, apperr.Protocol("magnet link has no info-hash")
	}
	return m, nil
}

// StreamID is the lowercase hex info-hash of the magnet. Magnets that do not
// parse fall back to a SHA-1 of the trimmed, lowercased link so the mapping
// stays a pure function of the input. StartStream only admits magnets with a
// v1 info-hash, so sessions never carry a fallback id.
func StreamID(raw string) string {
	if m, err := ParseMagnet(raw); err == nil {
		return strings.ToLower(m.InfoHash.HexString())
	}
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(raw))))
	return hex.EncodeToString(sum[:])
}

// IsStreamID reports whether id looks like something StreamID produces.
func IsStreamID(id string) bool {
	if len(id) != 40 {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
	}) == -1
}

// ClientGone reports whether err means the HTTP client went away.
func ClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "reset by peer")
}
