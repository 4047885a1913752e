// Package proxycache keeps the three cache tiers of the HLS proxy: proxy
// descriptors, rewritten playlists and segment bodies.
package proxycache

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"streamgate/pkg/types"
)

const (
	DefaultInfoTTL         = 30 * time.Minute
	DefaultInfoSweep       = 5 * time.Minute
	DefaultPlaylistTTL     = 5 * time.Minute
	DefaultPlaylistSweep   = time.Minute
	DefaultSegmentTTL      = time.Hour
	DefaultSegmentSweep    = 10 * time.Minute
	DefaultSegmentIdle     = 2 * time.Hour
	DefaultSegmentIdleScan = 30 * time.Minute
)

type Options struct {
	InfoTTL         time.Duration
	InfoSweep       time.Duration
	PlaylistTTL     time.Duration
	PlaylistSweep   time.Duration
	SegmentTTL      time.Duration
	SegmentSweep    time.Duration
	SegmentIdle     time.Duration
	SegmentIdleScan time.Duration
}

func (o *Options) setDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.InfoTTL, DefaultInfoTTL)
	def(&o.InfoSweep, DefaultInfoSweep)
	def(&o.PlaylistTTL, DefaultPlaylistTTL)
	def(&o.PlaylistSweep, DefaultPlaylistSweep)
	def(&o.SegmentTTL, DefaultSegmentTTL)
	def(&o.SegmentSweep, DefaultSegmentSweep)
	def(&o.SegmentIdle, DefaultSegmentIdle)
	def(&o.SegmentIdleScan, DefaultSegmentIdleScan)
}

type PlaylistEntry struct {
	Text      string
	Header    http.Header
	FetchedAt time.Time
}

type SegmentEntry struct {
	Body      []byte
	Header    http.Header
	Status    int
	FetchedAt time.Time
}

type Stats struct {
	Info     TierStats `json:"info"`
	Playlist TierStats `json:"playlist"`
	Segment  TierStats `json:"segment"`
}

type Cache struct {
	Opts     Options
	Info     *Tier[types.ProxyDescriptor]
	Playlist *Tier[PlaylistEntry]
	Segment  *Tier[SegmentEntry]
}

func New(opts Options) *Cache {
	opts.setDefaults()
	return &Cache{
		Opts:     opts,
		Info:     NewTier[types.ProxyDescriptor](opts.InfoTTL, nil),
		Playlist: NewTier(opts.PlaylistTTL, func(e PlaylistEntry) int64 { return int64(len(e.Text)) }),
		Segment:  NewTier(opts.SegmentTTL, func(e SegmentEntry) int64 { return int64(len(e.Body)) }),
	}
}

// Key hashes an upstream URL into a cache key.
func Key(rawURL string) string {
	return strconv.FormatUint(xxhash.Sum64String(rawURL), 16)
}

// SetClock replaces the time source of every tier.
func (c *Cache) SetClock(now func() time.Time) {
	c.Info.now = now
	c.Playlist.now = now
	c.Segment.now = now
}

// InvalidateContent drops every descriptor issued for contentID.
func (c *Cache) InvalidateContent(contentID string) int {
	return c.Info.DeletePrefix(contentID + "_")
}

func (c *Cache) FlushAll() int {
	return c.Info.Flush() + c.Playlist.Flush() + c.Segment.Flush()
}

// Close stops every tier. The cache must not be used afterwards.
func (c *Cache) Close() {
	c.Info.Close()
	c.Playlist.Close()
	c.Segment.Close()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Info:     c.Info.Stats(),
		Playlist: c.Playlist.Stats(),
		Segment:  c.Segment.Stats(),
	}
}
