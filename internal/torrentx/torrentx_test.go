package torrentx

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/internal/apperr"
)

const sampleHash = "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c"

func TestStreamIDIsStableForSameInfoHash(t *testing.T) {
	t.Parallel()

	a := "magnet:?xt=urn:btih:" + strings.ToUpper(sampleHash) + "&dn=Big+Buck+Bunny"
	b := "magnet:?xt=urn:btih:" + sampleHash + "&tr=udp%3A%2F%2Fexplodie.org%3A6969"

	assert.Equal(t, sampleHash, StreamID(a))
	assert.Equal(t, StreamID(a), StreamID(b))
	assert.True(t, IsStreamID(StreamID(a)))
}

func TestStreamIDFallbackIsDeterministic(t *testing.T) {
	t.Parallel()

	id := StreamID("magnet:?dn=nothing-here")
	assert.Len(t, id, 40)
	assert.Equal(t, id, StreamID("  MAGNET:?dn=nothing-here "))
	assert.NotEqual(t, id, StreamID("magnet:?dn=something-else"))
}

func TestParseMagnet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		kind apperr.Kind
	}{
		{"empty", "", apperr.KindValidation},
		{"http url", "http://example.com/file.torrent", apperr.KindValidation},
		{"no info-hash", "magnet:?dn=foo", apperr.KindProtocol},
		{"valid", "magnet:?xt=urn:btih:" + sampleHash, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := ParseMagnet(tc.raw)
			if tc.kind == "" {
				require.NoError(t, err)
				assert.Equal(t, sampleHash, strings.ToLower(m.InfoHash.HexString()))
				return
			}
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
}

func TestSanitizeMagnet(t *testing.T) {
	t.Parallel()

	raw := "magnet:?xt=urn:btih:" + sampleHash +
		"&tr=udp%3A%2F%2Fa.example%3A80" +
		"&tr=http%3A%2F%2Fb.example%2Fannounce" +
		"&tr=https%3A%2F%2Ftracker.renfei.net%2Fannounce"

	udp, http, https, _ := CountTrackers(SanitizeMagnet(raw, "udp"))
	assert.Equal(t, [3]int{1, 0, 0}, [3]int{udp, http, https})

	udp, http, https, _ = CountTrackers(SanitizeMagnet(raw, "all"))
	assert.Equal(t, [3]int{1, 1, 0}, [3]int{udp, http, https})

	udp, http, https, _ = CountTrackers(SanitizeMagnet(raw, "none"))
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{udp, http, https})

	assert.Equal(t, "not-a-magnet", SanitizeMagnet("not-a-magnet", "udp"))
}

func TestTrackerTiers(t *testing.T) {
	t.Parallel()

	assert.Empty(t, TrackerTiers("none"))
	assert.Len(t, TrackerTiers("udp"), len(extraUDP))
	assert.Len(t, TrackerTiers("http"), len(extraHTTP))
	assert.Len(t, TrackerTiers(""), len(extraUDP)+len(extraHTTP))
}

func TestChooseBestFile(t *testing.T) {
	t.Parallel()

	const gb = int64(1 << 30)
	tests := []struct {
		name  string
		files []FileInfo
		want  string
		ok    bool
	}{
		{
			name:  "no video",
			files: []FileInfo{{Path: "readme.txt", Length: 10}, {Path: "cover.jpg", Length: 20}},
		},
		{
			name:  "single candidate",
			files: []FileInfo{{Path: "a.nfo", Length: 9 * gb}, {Path: "Film.mkv", Length: gb}},
			want:  "Film.mkv", ok: true,
		},
		{
			name: "clear size winner",
			files: []FileInfo{
				{Path: "Extras/behind the scenes.mkv", Length: gb},
				{Path: "Feature.mkv", Length: 3 * gb},
			},
			want: "Feature.mkv", ok: true,
		},
		{
			name: "close sizes skip sample and prefer feature names",
			files: []FileInfo{
				{Path: "x.sample.mkv", Length: 12 * gb / 10},
				{Path: "disc/bonus.mkv", Length: 11 * gb / 10},
				{Path: "disc/main feature.mkv", Length: gb},
			},
			want: "disc/main feature.mkv", ok: true,
		},
		{
			name: "close sizes without hints keeps largest non-extra",
			files: []FileInfo{
				{Path: "trailer.mp4", Length: 12 * gb / 10},
				{Path: "part1.mp4", Length: 11 * gb / 10},
				{Path: "part2.mp4", Length: gb},
			},
			want: "part1.mp4", ok: true,
		},
		{
			name: "only extras falls back to largest",
			files: []FileInfo{
				{Path: "sample.mp4", Length: gb},
				{Path: "preview.mp4", Length: 9 * gb / 10},
			},
			want: "sample.mp4", ok: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ChooseBestFile(tc.files)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got.Path)
		})
	}
}

func TestContentTypeForName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "video/mp4", ContentTypeForName("x/Movie.MP4"))
	assert.Equal(t, "video/x-matroska", ContentTypeForName("a.mkv"))
	assert.Equal(t, "application/octet-stream", ContentTypeForName("blob.unknownext"))
}

func TestClientGone(t *testing.T) {
	t.Parallel()

	assert.False(t, ClientGone(nil))
	assert.True(t, ClientGone(fmt.Errorf("write: %w", syscall.EPIPE)))
	assert.True(t, ClientGone(errors.New("read tcp: connection reset by peer")))
	assert.False(t, ClientGone(errors.New("disk full")))
}
