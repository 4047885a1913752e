// Package proxy fronts upstream HLS origins. Playlists are fetched,
// validated and rewritten so every media reference points back at the
// gateway; segments are streamed through and small ones cached.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"streamgate/internal/apperr"
	"streamgate/internal/hls"
	"streamgate/internal/pool"
	"streamgate/internal/proxycache"
	"streamgate/pkg/types"
)

const (
	DefaultBasePath        = "/proxy"
	DefaultMaxConnections  = 100
	DefaultPlaylistTimeout = 10 * time.Second
	DefaultDeadline        = 5 * time.Minute
	DefaultSegmentCacheMax = 10 << 20

	mpegURL         = "application/vnd.apple.mpegurl"
	maxPlaylistSize = 4 << 20
	segmentPoolKey  = "segment"
)

// ContentLookup resolves a content id to its canonical upstream URL.
type ContentLookup interface {
	LookupContent(ctx context.Context, contentID string) (types.Content, error)
}

type Auditor interface {
	Record(kind, subject, detail string)
}

type Options struct {
	Secret          []byte
	BasePath        string
	MaxConnections  int
	PlaylistTimeout time.Duration
	// Deadline bounds a whole proxied request, body included.
	Deadline        time.Duration
	SegmentCacheMax int64
	// Inactivity expires a client that stopped reading.
	Inactivity time.Duration
	Heartbeat  time.Duration

	Client *http.Client
	Cache  *proxycache.Cache
	Lookup ContentLookup
	Audit  Auditor
	Logger zerolog.Logger
}

type Gateway struct {
	opts   Options
	cache  *proxycache.Cache
	conns  *pool.Pool
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
}

// Request carries what the gateway needs from an inbound request.
type Request struct {
	Range      string
	RemoteAddr string
	UserAgent  string
}

// Response is ready to be copied to the client. Body must be closed; closing
// it gives the connection slot back.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

type Stats struct {
	Cache       proxycache.Stats `json:"cache"`
	Connections pool.Stats       `json:"connections"`
}

func New(opts Options) *Gateway {
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.PlaylistTimeout <= 0 {
		opts.PlaylistTimeout = DefaultPlaylistTimeout
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.SegmentCacheMax <= 0 {
		opts.SegmentCacheMax = DefaultSegmentCacheMax
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = proxycache.New(proxycache.Options{})
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Gateway{
		opts:   opts,
		cache:  opts.Cache,
		client: opts.Client,
		conns: pool.New(pool.Options{
			MaxTotal:   opts.MaxConnections,
			Inactivity: opts.Inactivity,
		}),
		log: opts.Logger.With().Str("component", "proxy").Logger(),
		now: time.Now,
	}
}

func (g *Gateway) Cache() *proxycache.Cache { return g.cache }
func (g *Gateway) Pool() *pool.Pool         { return g.conns }
func (g *Gateway) BasePath() string         { return g.opts.BasePath }

func (g *Gateway) record(kind, subject, detail string) {
	if g.opts.Audit != nil {
		g.opts.Audit.Record(kind, subject, detail)
	}
}

// CreateProxy issues a descriptor for rawURL under contentID.
func (g *Gateway) CreateProxy(contentID, rawURL string) (types.ProxyDescriptor, error) {
	if err := ValidContentID(contentID); err != nil {
		return types.ProxyDescriptor{}, err
	}
	u, ct, err := hls.ParseStreamingURL(rawURL)
	if err != nil {
		return types.ProxyDescriptor{}, err
	}
	normalized, auth := hls.Normalize(u)
	d := types.ProxyDescriptor{
		ProxyID:      ProxyID(g.opts.Secret, normalized, contentID),
		ContentID:    contentID,
		URL:          normalized,
		ContentType:  ct,
		RequiresAuth: auth,
		CreatedAt:    g.now(),
	}
	g.cache.Info.Set(d.ProxyID, d)
	g.record("proxy_created", d.ProxyID, contentID)
	return d, nil
}

// CreateProxyForContent looks up the canonical URL of contentID and proxies
// it. Unknown and inactive content are both not found.
func (g *Gateway) CreateProxyForContent(ctx context.Context, contentID string) (types.ProxyDescriptor, error) {
	if err := ValidContentID(contentID); err != nil {
		return types.ProxyDescriptor{}, err
	}
	if g.opts.Lookup == nil {
		return types.ProxyDescriptor{}, apperr.Validation("url is required")
	}
	c, err := g.opts.Lookup.LookupContent(ctx, contentID)
	if err != nil {
		return types.ProxyDescriptor{}, err
	}
	if !c.Active {
		return types.ProxyDescriptor{}, apperr.NotFound("content %s is not active", contentID)
	}
	return g.CreateProxy(contentID, c.UpstreamURL)
}

// Descriptor returns a live descriptor.
func (g *Gateway) Descriptor(proxyID string) (types.ProxyDescriptor, error) {
	d, ok := g.cache.Info.Get(proxyID)
	if !ok {
		return types.ProxyDescriptor{}, apperr.NotFound("proxy %s not found or expired", proxyID)
	}
	return d, nil
}

// ProxyStreamRequest serves the upstream behind proxyID.
func (g *Gateway) ProxyStreamRequest(ctx context.Context, proxyID string, req Request) (*Response, error) {
	d, err := g.Descriptor(proxyID)
	if err != nil {
		return nil, err
	}
	return g.serve(ctx, proxyID, d.URL, d.ContentType, req)
}

// ProxyEncodedURL serves an opaque reference minted by playlist rewriting.
// No descriptor is needed, so players can fan out over segments freely.
func (g *Gateway) ProxyEncodedURL(ctx context.Context, encoded string, req Request) (*Response, error) {
	raw, err := hls.DecodeRef(encoded)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "bad segment reference")
	}
	return g.serve(ctx, segmentPoolKey, raw, hls.Classify(u), req)
}

func (g *Gateway) serve(ctx context.Context, key, upstream string, ct types.ContentType, req Request) (*Response, error) {
	dctx, cancel := context.WithTimeout(ctx, g.opts.Deadline)
	connID := uuid.NewString()
	if err := g.conns.Register(key, connID, pool.Meta{
		RemoteAddr: req.RemoteAddr,
		UserAgent:  req.UserAgent,
		Cancel:     cancel,
	}); err != nil {
		cancel()
		return nil, err
	}
	release := func() {
		g.conns.Remove(key, connID)
		cancel()
	}

	var (
		resp *Response
		err  error
	)
	if ct == types.ContentPlaylist {
		resp, err = g.playlist(dctx, upstream)
	} else {
		resp, err = g.segment(dctx, upstream, ct, req.Range)
	}
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &leaseBody{
		ReadCloser: resp.Body,
		beat:       g.opts.Heartbeat,
		last:       time.Now(),
		touch:      func() { g.conns.UpdateActivity(key, connID) },
		release:    release,
	}
	return resp, nil
}

func (g *Gateway) playlist(ctx context.Context, upstream string) (*Response, error) {
	key := proxycache.Key(upstream)
	if e, ok := g.cache.Playlist.Get(key); ok {
		return playlistResponse(e.Text, "HIT"), nil
	}

	fctx, cancel := context.WithTimeout(ctx, g.opts.PlaylistTimeout)
	defer cancel()
	resp, err := g.fetch(fctx, ctx, upstream, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return g.rewrite(fctx, ctx, upstream, resp)
}

// rewrite reads an upstream playlist, rewrites it and caches the result.
func (g *Gateway) rewrite(fctx, ctx context.Context, upstream string, resp *http.Response) (*Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize+1))
	if err != nil {
		return nil, g.upstreamErr(fctx, ctx, err, upstream)
	}
	if len(body) > maxPlaylistSize {
		return nil, apperr.Protocol("playlist from %s exceeds %d bytes", upstream, maxPlaylistSize)
	}
	base, err := url.Parse(upstream)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "bad upstream url")
	}
	text, err := hls.Rewrite(string(body), base, g.opts.BasePath)
	if err != nil {
		return nil, err
	}
	if p, perr := hls.Parse(string(body)); perr == nil {
		g.log.Debug().
			Str("upstream", redact(upstream)).
			Bool("master", p.IsMaster()).
			Int("variants", len(p.Variants)).
			Int("segments", len(p.Segments)).
			Bool("endList", p.EndList).
			Msg("playlist rewritten")
	}
	g.cache.Playlist.Set(proxycache.Key(upstream), proxycache.PlaylistEntry{
		Text:      text,
		Header:    resp.Header.Clone(),
		FetchedAt: g.now(),
	})
	return playlistResponse(text, "MISS"), nil
}

func playlistResponse(text, cache string) *Response {
	h := http.Header{}
	h.Set("Content-Type", mpegURL)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Cache", cache)
	h.Set("Content-Length", itoa(int64(len(text))))
	return &Response{Status: http.StatusOK, Header: h, Body: io.NopCloser(strings.NewReader(text))}
}

var passHeaders = []string{
	"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges",
	"ETag", "Last-Modified", "Cache-Control",
}

func (g *Gateway) segment(ctx context.Context, upstream string, ct types.ContentType, rng string) (*Response, error) {
	key := proxycache.Key(upstream)
	if rng == "" {
		if e, ok := g.cache.Segment.Get(key); ok {
			h := e.Header.Clone()
			h.Set("X-Cache", "HIT")
			h.Set("Content-Length", itoa(int64(len(e.Body))))
			return &Response{Status: e.Status, Header: h, Body: io.NopCloser(bytes.NewReader(e.Body))}, nil
		}
	}

	resp, err := g.fetch(ctx, ctx, upstream, rng)
	if err != nil {
		return nil, err
	}
	if ct == types.ContentOther && strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "mpegurl") {
		defer resp.Body.Close()
		return g.rewrite(ctx, ctx, upstream, resp)
	}

	h := http.Header{}
	for _, k := range passHeaders {
		if v := resp.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	if h.Get("Accept-Ranges") == "" {
		h.Set("Accept-Ranges", "bytes")
	}

	// unknown lengths are tried; the tee gives up past the limit
	cacheable := rng == "" && resp.StatusCode == http.StatusOK && resp.ContentLength <= g.opts.SegmentCacheMax
	if !cacheable {
		h.Set("X-Cache", "BYPASS")
		return &Response{Status: resp.StatusCode, Header: h, Body: resp.Body}, nil
	}
	h.Set("X-Cache", "MISS")
	stored := h.Clone()
	stored.Del("X-Cache")
	body := newTeeBody(resp.Body, g.opts.SegmentCacheMax, func(b []byte) {
		g.cache.Segment.Set(key, proxycache.SegmentEntry{
			Body:      append([]byte(nil), b...),
			Header:    stored,
			Status:    http.StatusOK,
			FetchedAt: g.now(),
		})
	})
	return &Response{Status: resp.StatusCode, Header: h, Body: body}, nil
}

// fetch issues one GET with no retry. fctx bounds the round trip, ctx is the
// end-to-end budget it runs under.
func (g *Gateway) fetch(fctx, ctx context.Context, upstream, rng string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, upstream, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "build upstream request")
	}
	if rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, g.upstreamErr(fctx, ctx, err, upstream)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, apperr.NotFound("upstream has no %s", redact(upstream))
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, apperr.Validation("upstream rejected range %q", rng)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, apperr.Protocol("upstream answered %d for %s", resp.StatusCode, redact(upstream))
	}
	return resp, nil
}

func (g *Gateway) upstreamErr(fctx, ctx context.Context, err error, upstream string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Deadline("proxy request exceeded %s", g.opts.Deadline)
	}
	var ne net.Error
	if errors.Is(fctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperr.Wrap(apperr.KindTimeout, err, "upstream %s timed out", redact(upstream))
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindTimeout, err, "request cancelled")
	}
	return apperr.Wrap(apperr.KindProtocol, err, "fetch %s", redact(upstream))
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// redact drops the query so auth tokens stay out of errors and logs.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// InvalidateContent drops every descriptor issued for contentID.
func (g *Gateway) InvalidateContent(contentID string) int {
	n := g.cache.InvalidateContent(contentID)
	g.record("cache_cleared", contentID, itoa(int64(n))+" descriptors")
	return n
}

func (g *Gateway) FlushAll() int {
	n := g.cache.FlushAll()
	g.record("cache_cleared", "*", itoa(int64(n))+" entries")
	return n
}

func (g *Gateway) Stats() Stats {
	return Stats{Cache: g.cache.Stats(), Connections: g.conns.Stats()}
}

// Close cancels every in-flight proxied request.
// Close drops every proxied connection and stops the cache tiers.
func (g *Gateway) Close() {
	g.conns.Close()
	g.cache.Close()
}
