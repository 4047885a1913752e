// Package httpapi maps the gateway's operations onto HTTP. It is the only
// place errors become status codes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"streamgate/internal/engine"
	"streamgate/internal/middleware"
	"streamgate/internal/proxy"
	"streamgate/pkg/types"
)

// Streams is the torrent side of the gateway.
type Streams interface {
	StartStream(ctx context.Context, magnet string) (types.StreamSession, error)
	GetStreamStatus(streamID string) (types.StreamSession, error)
	GetInfo(ctx context.Context, streamID string) (engine.TorrentInfo, error)
	ListStreams() []types.StreamSession
	OpenByteRange(ctx context.Context, streamID string, start, end int64, meta engine.OpenMeta) (*engine.ByteStream, error)
	StopStream(streamID string) error
	Stats() engine.Stats
}

// Proxies is the HLS side of the gateway.
type Proxies interface {
	BasePath() string
	CreateProxy(contentID, rawURL string) (types.ProxyDescriptor, error)
	CreateProxyForContent(ctx context.Context, contentID string) (types.ProxyDescriptor, error)
	ProxyStreamRequest(ctx context.Context, proxyID string, req proxy.Request) (*proxy.Response, error)
	ProxyEncodedURL(ctx context.Context, encoded string, req proxy.Request) (*proxy.Response, error)
	InvalidateContent(contentID string) int
	FlushAll() int
	Stats() proxy.Stats
}

// Catalog manages the content records proxies can be created from.
type Catalog interface {
	LookupContent(ctx context.Context, id string) (types.Content, error)
	UpsertContent(ctx context.Context, c types.Content) error
	ListContent(ctx context.Context) ([]types.Content, error)
	RecentAuditEvents(ctx context.Context, limit int) ([]types.AuditEvent, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Streams Streams
	Proxies Proxies
	Catalog Catalog
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
	// StatusInterval spaces status events on the SSE endpoint.
	StatusInterval time.Duration
}

type Server struct {
	deps Deps
	log  zerolog.Logger
}

func NewServer(deps Deps) *Server {
	if deps.StatusInterval <= 0 {
		deps.StatusInterval = time.Second
	}
	return &Server{deps: deps, log: deps.Logger.With().Str("component", "http").Logger()}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(s.log))
	r.Use(middleware.Logger(s.log))
	r.Use(middleware.CORS())

	r.Get("/healthz", s.handleHealth)

	r.Route("/streams", func(r chi.Router) {
		r.Get("/", s.handleListStreams)
		r.Post("/", s.handleStartStream)
		r.Get("/{id}", s.handleStreamStatus)
		r.Delete("/{id}", s.handleStopStream)
		r.Get("/{id}/info", s.handleStreamInfo)
		r.Get("/{id}/video", s.handleVideo)
		r.Head("/{id}/video", s.handleVideo)
	})

	r.Route(s.deps.Proxies.BasePath(), func(r chi.Router) {
		r.Post("/", s.handleCreateProxy)
		r.Get("/segment/{ref}", s.handleSegment)
		r.Delete("/cache", s.handleFlushCache)
		r.Delete("/cache/{contentId}", s.handleInvalidateContent)
		r.Get("/{proxyId}", s.handleProxy)
	})

	if s.deps.Catalog != nil {
		r.Get("/content", s.handleListContent)
		r.Put("/content/{id}", s.handleUpsertContent)
		r.Get("/audit", s.handleAudit)
	}

	r.Get("/stats/engine", s.handleEngineStats)
	r.Get("/stats/proxy", s.handleProxyStats)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Catalog.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("health check: store unreachable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEngineStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Streams.Stats())
}

func (s *Server) handleProxyStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Proxies.Stats())
}
