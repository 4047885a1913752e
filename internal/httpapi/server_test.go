package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/internal/apperr"
	"streamgate/internal/engine"
	"streamgate/internal/proxy"
	"streamgate/pkg/types"
)

const (
	hash   = "cccccccccccccccccccccccccccccccccccccccc"
	magnet = "magnet:?xt=urn:btih:" + hash + "&dn=Movie"
	index  = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXTINF:6,\nseg1.ts\n#EXT-X-ENDLIST\n"
)

type fixture struct {
	srv     *httptest.Server
	swarm   *swarm
	catalog *catalog
	origin  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	content := make([]byte, 32<<10)
	for i := range content {
		content[i] = byte(i % 253)
	}
	sw := &swarm{content: content}
	eng := engine.New(engine.Options{
		NewSwarm:       func() (engine.Swarm, error) { return sw, nil },
		RequestTimeout: 2 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, index)
	})
	mux.HandleFunc("/live/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		http.ServeContent(w, r, "seg1.ts", time.Time{}, strings.NewReader("segment-bytes"))
	})
	origin := httptest.NewServer(mux)
	t.Cleanup(origin.Close)

	cat := newCatalog()
	gw := proxy.New(proxy.Options{Secret: []byte("k"), Lookup: cat})
	t.Cleanup(gw.Close)

	s := NewServer(Deps{
		Streams:        eng,
		Proxies:        gw,
		Catalog:        cat,
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "metrics") }),
		Logger:         zerolog.Nop(),
		StatusInterval: 10 * time.Millisecond,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, swarm: sw, catalog: cat, origin: origin}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr ...string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) startReady(t *testing.T) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/streams", startReq{Magnet: magnet})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		resp := f.do(t, http.MethodGet, "/streams/"+hash, nil)
		return decode[streamResp](t, resp).State == types.StreamReady
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/streams", startReq{Magnet: magnet})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[streamResp](t, resp)
	assert.Equal(t, hash, started.StreamID)
	assert.Equal(t, "/streams/"+hash+"/video", started.VideoURL)
	assert.Equal(t, "/streams/"+hash, resp.Header.Get("Location"))

	f.startReady(t)

	resp = f.do(t, http.MethodGet, "/streams/"+hash+"/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[engine.TorrentInfo](t, resp)
	assert.Equal(t, hash, info.InfoHash)
	assert.Equal(t, "Movie/Movie.2019.1080p.mp4", info.Filename)
	assert.Equal(t, int64(32<<10), info.FileSize)

	// HEAD answers from the session without opening a reader
	resp = f.do(t, http.MethodHead, "/streams/"+hash+"/video", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "32768", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Zero(t, f.swarm.readers.Load())

	resp = f.do(t, http.MethodGet, "/streams/"+hash+"/video", nil, "Range", "bytes=100-199")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 100-199/32768", resp.Header.Get("Content-Range"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.swarm.content[100:200], body)

	// unsatisfiable ranges get the whole file
	resp = f.do(t, http.MethodGet, "/streams/"+hash+"/video", nil, "Range", "bytes=0-99999999")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, 32<<10)

	require.Eventually(t, func() bool { return f.swarm.readers.Load() == 0 }, time.Second, 5*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/stats/engine", nil)
	st := decode[engine.Stats](t, resp)
	assert.True(t, st.Initialized)
	assert.Equal(t, 1, st.Sessions)

	// refused until the last range handler has released its connection
	require.Eventually(t, func() bool {
		return f.do(t, http.MethodDelete, "/streams/"+hash, nil).StatusCode == http.StatusNoContent
	}, time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/streams/"+hash+"/info", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/streams/"+hash, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	eb := decode[errorBody](t, resp)
	assert.Equal(t, "not_found", eb.Error)
	assert.Equal(t, "recreate", eb.Hint)
}

func TestStartStreamErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"not json", "nope", http.StatusBadRequest, "validation_error"},
		{"empty magnet", startReq{}, http.StatusBadRequest, "validation_error"},
		{"not a magnet", startReq{Magnet: "http://example.com/x.torrent"}, http.StatusBadRequest, "validation_error"},
		{"no info hash", startReq{Magnet: "magnet:?dn=Movie"}, http.StatusBadGateway, "protocol_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/streams", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, decode[errorBody](t, resp).Error)
		})
	}
}

func TestMalformedStreamID(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/streams/short", "/streams/" + strings.Repeat("z", 40) + "/video"} {
		resp := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.Equal(t, "validation_error", decode[errorBody](t, resp).Error, path)
	}
	resp := f.do(t, http.MethodDelete, "/streams/"+strings.Repeat("a", 40), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEvents(t *testing.T) {
	f := newFixture(t)
	f.startReady(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/streams/"+hash+"?sse=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var events int
	for sc.Scan() && events < 2 {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var s streamResp
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s))
		assert.Equal(t, types.StreamReady, s.State)
		events++
	}
	assert.Equal(t, 2, events)
}

func TestProxyRoutes(t *testing.T) {
	f := newFixture(t)
	upstream := f.origin.URL + "/live/index.m3u8"

	resp := f.do(t, http.MethodPut, "/content/movie-1", upsertContentReq{UpstreamURL: upstream})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// no url: read from the catalogue
	resp = f.do(t, http.MethodPost, "/proxy", createProxyReq{ContentID: "movie-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[proxyResp](t, resp)
	assert.True(t, strings.HasPrefix(created.ProxyID, "movie-1_"))
	assert.Equal(t, "/proxy/"+created.ProxyID, created.Path)
	assert.Equal(t, types.ContentPlaylist, created.ContentType)

	resp = f.do(t, http.MethodGet, created.Path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(text), f.origin.URL)

	var segPath string
	for _, line := range strings.Split(string(text), "\n") {
		if strings.HasPrefix(line, "/proxy/segment/") {
			segPath = line
		}
	}
	require.NotEmpty(t, segPath)

	resp = f.do(t, http.MethodGet, segPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	seg, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(seg))

	resp = f.do(t, http.MethodGet, segPath, nil, "Range", "bytes=0-6")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "BYPASS", resp.Header.Get("X-Cache"))

	resp = f.do(t, http.MethodGet, "/stats/proxy", nil)
	st := decode[proxy.Stats](t, resp)
	assert.Equal(t, 1, st.Cache.Info.Keys)
	assert.Equal(t, 1, st.Cache.Playlist.Keys)

	resp = f.do(t, http.MethodDelete, "/proxy/cache/movie-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[map[string]int](t, resp)["removed"])

	resp = f.do(t, http.MethodGet, created.Path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "recreate", decode[errorBody](t, resp).Hint)

	resp = f.do(t, http.MethodDelete, "/proxy/cache", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxyErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown content", http.MethodPost, "/proxy", createProxyReq{ContentID: "nope"}, http.StatusNotFound},
		{"not streaming", http.MethodPost, "/proxy", createProxyReq{ContentID: "m", URL: "https://example.com/a.html"}, http.StatusBadRequest},
		{"bad content id", http.MethodPost, "/proxy", createProxyReq{ContentID: "a b", URL: "https://example.com/a.m3u8"}, http.StatusBadRequest},
		{"unknown proxy", http.MethodGet, "/proxy/movie-1_0123456789abcdef", nil, http.StatusNotFound},
		{"bad reference", http.MethodGet, "/proxy/segment/not*base64", nil, http.StatusBadRequest},
		{"bad invalidate id", http.MethodDelete, "/proxy/cache/a_b", nil, http.StatusBadRequest},
		{"missing upstream url", http.MethodPut, "/content/m", upsertContentReq{}, http.StatusBadRequest},
		{"bad audit limit", http.MethodGet, "/audit?limit=0", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.catalog.setDown(errors.New("connection refused"))
	resp = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", nil)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "metrics", string(b))
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
		message    string
	}{
		{"capacity", apperr.Capacity(1500*time.Millisecond, "too many connections"), http.StatusTooManyRequests, "2", "too many connections"},
		{"not ready", apperr.Unavailable(2*time.Second, "initializing"), http.StatusServiceUnavailable, "2", "initializing"},
		{"deadline", apperr.Deadline("gave up"), http.StatusRequestTimeout, "", "gave up"},
		{"upstream timeout", apperr.Timeout("slow"), http.StatusGatewayTimeout, "", "slow"},
		{"untyped", errors.New("secret detail"), http.StatusInternalServerError, "", "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			writeError(rec, zerolog.Nop(), tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			var body errorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.message, body.Message)
			assert.Empty(t, body.Hint)
		})
	}
}
