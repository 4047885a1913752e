// Package hls parses, validates and rewrites M3U8 playlists so that every
// media reference points back at the gateway.
package hls

import (
	"net/url"
	"strconv"
	"strings"

	"streamgate/internal/apperr"
)

const (
	tagHeader         = "#EXTM3U"
	tagVersion        = "#EXT-X-VERSION"
	tagTargetDuration = "#EXT-X-TARGETDURATION"
	tagMediaSequence  = "#EXT-X-MEDIA-SEQUENCE"
	tagEndList        = "#EXT-X-ENDLIST"
	tagStreamInf      = "#EXT-X-STREAM-INF"
	tagInf            = "#EXTINF"
)

// Tags whose URI attribute names another resource.
var uriAttrTags = []string{
	"#EXT-X-KEY",
	"#EXT-X-SESSION-KEY",
	"#EXT-X-MAP",
	"#EXT-X-MEDIA",
	"#EXT-X-I-FRAME-STREAM-INF",
}

type Variant struct {
	Bandwidth  int64
	Resolution string
	Codecs     string
	FrameRate  float64
	URI        string
}

type Segment struct {
	Duration float64
	Title    string
	URI      string
}

type Playlist struct {
	Version        int
	TargetDuration int
	MediaSequence  int64
	EndList        bool
	Variants       []Variant
	Segments       []Segment
}

// IsMaster reports whether the playlist lists variant streams.
func (p *Playlist) IsMaster() bool { return len(p.Variants) > 0 }

func splitLines(text string) []string {
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

func tagName(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[:i]
	}
	return line
}

func tagValue(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[i+1:]
	}
	return ""
}

func isRecognizedTag(name string) bool {
	return name == tagInf || strings.HasPrefix(name, "#EXT-X-")
}

// IsValid reports whether text is an M3U8 playlist: it starts with #EXTM3U
// and has at least one recognised tag or URI line after it.
func IsValid(text string) bool {
	lines := splitLines(text)
	first := 0
	for first < len(lines) && strings.TrimSpace(lines[first]) == "" {
		first++
	}
	if first == len(lines) || strings.TrimSpace(lines[first]) != tagHeader {
		return false
	}
	for _, l := range lines[first+1:] {
		l = strings.TrimSpace(l)
		switch {
		case l == "":
		case strings.HasPrefix(l, "#"):
			if isRecognizedTag(tagName(l)) {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// Parse reads the subset of tags the gateway understands. Unknown tags are
// ignored here; Rewrite keeps them verbatim.
func Parse(text string) (*Playlist, error) {
	if !IsValid(text) {
		return nil, apperr.Protocol("not an M3U8 playlist")
	}
	p := &Playlist{}
	var pendingVariant *Variant
	var pendingSegment *Segment
	for _, raw := range splitLines(text) {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			switch {
			case pendingVariant != nil:
				pendingVariant.URI = line
				p.Variants = append(p.Variants, *pendingVariant)
				pendingVariant = nil
			case pendingSegment != nil:
				pendingSegment.URI = line
				p.Segments = append(p.Segments, *pendingSegment)
				pendingSegment = nil
			default:
				p.Segments = append(p.Segments, Segment{URI: line})
			}
			continue
		}
		val := tagValue(line)
		switch tagName(line) {
		case tagVersion:
			p.Version, _ = strconv.Atoi(strings.TrimSpace(val))
		case tagTargetDuration:
			p.TargetDuration, _ = strconv.Atoi(strings.TrimSpace(val))
		case tagMediaSequence:
			p.MediaSequence, _ = strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		case tagEndList:
			p.EndList = true
		case tagStreamInf:
			attrs := ParseAttributes(val)
			v := Variant{
				Resolution: attrs["RESOLUTION"],
				Codecs:     attrs["CODECS"],
			}
			v.Bandwidth, _ = strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)
			v.FrameRate, _ = strconv.ParseFloat(attrs["FRAME-RATE"], 64)
			pendingVariant = &v
		case tagInf:
			dur, title, _ := strings.Cut(val, ",")
			s := Segment{Title: strings.TrimSpace(title)}
			s.Duration, _ = strconv.ParseFloat(strings.TrimSpace(dur), 64)
			pendingSegment = &s
		}
	}
	return p, nil
}

// ParseAttributes splits an attribute list (KEY=VALUE,KEY="a,b") into a map.
// Quoted values are returned without their quotes.
func ParseAttributes(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
			if i := strings.IndexByte(s, ','); i >= 0 {
				s = s[i+1:]
			} else {
				s = ""
			}
		} else if i := strings.IndexByte(s, ','); i >= 0 {
			val, s = s[:i], s[i+1:]
		} else {
			val, s = s, ""
		}
		if key != "" {
			out[strings.ToUpper(key)] = strings.TrimSpace(val)
		}
	}
	return out
}

// Rewrite replaces every media reference in text, URI lines and URI="..."
// attributes alike, with an opaque gateway path under base. Relative
// references are resolved against playlistURL first. Everything else is
// kept as is.
func Rewrite(text string, playlistURL *url.URL, base string) (string, error) {
	if !IsValid(text) {
		return "", apperr.Protocol("not an M3U8 playlist")
	}
	lines := splitLines(text)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			lines[i] = rewriteURIAttr(trimmed, playlistURL, base)
		default:
			ref, err := url.Parse(trimmed)
			if err != nil {
				return "", apperr.Wrap(apperr.KindProtocol, err, "bad media reference on line %d", i+1)
			}
			lines[i] = SegmentPath(base, playlistURL.ResolveReference(ref).String())
		}
	}
	return strings.Join(lines, "\n"), nil
}

func rewriteURIAttr(line string, playlistURL *url.URL, base string) string {
	name := tagName(line)
	hit := false
	for _, t := range uriAttrTags {
		if name == t {
			hit = true
			break
		}
	}
	if !hit {
		return line
	}
	const marker = `URI="`
	start := strings.Index(line, marker)
	if start < 0 {
		return line
	}
	start += len(marker)
	end := strings.IndexByte(line[start:], '"')
	if end < 0 {
		return line
	}
	ref, err := url.Parse(line[start : start+end])
	if err != nil || (ref.Scheme != "" && ref.Scheme != "http" && ref.Scheme != "https") {
		// data: and skd: style URIs are not fetchable through the gateway.
		return line
	}
	resolved := SegmentPath(base, playlistURL.ResolveReference(ref).String())
	return line[:start] + resolved + line[start+end:]
}
