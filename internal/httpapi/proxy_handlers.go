package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamgate/internal/apperr"
	"streamgate/internal/proxy"
	"streamgate/internal/torrentx"
	"streamgate/pkg/types"
)

type createProxyReq struct {
	ContentID string `json:"contentId"`
	URL       string `json:"url,omitempty"`
}

type proxyResp struct {
	types.ProxyDescriptor
	Path string `json:"path"`
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var req createProxyReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, s.log, apperr.Validation("body must be JSON with contentId and url"))
		return
	}
	var (
		d   types.ProxyDescriptor
		err error
	)
	if strings.TrimSpace(req.URL) == "" {
		d, err = s.deps.Proxies.CreateProxyForContent(r.Context(), req.ContentID)
	} else {
		d, err = s.deps.Proxies.CreateProxy(req.ContentID, req.URL)
	}
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	path := strings.TrimSuffix(s.deps.Proxies.BasePath(), "/") + "/" + d.ProxyID
	w.Header().Set("Location", path)
	writeJSON(w, http.StatusCreated, proxyResp{ProxyDescriptor: d, Path: path})
}

func proxyRequest(r *http.Request) proxy.Request {
	return proxy.Request{
		Range:      r.Header.Get("Range"),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "proxyId")
	resp, err := s.deps.Proxies.ProxyStreamRequest(r.Context(), id, proxyRequest(r))
	s.relay(w, resp, err, "proxyId", id)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	resp, err := s.deps.Proxies.ProxyEncodedURL(r.Context(), ref, proxyRequest(r))
	s.relay(w, resp, err, "ref", ref)
}

// relay copies an upstream response to the client. Errors before the first
// byte map to a status; errors after it can only cut the response short.
func (s *Server) relay(w http.ResponseWriter, resp *proxy.Response, err error, key, val string) {
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	written, err := pump(w, resp.Body)
	if err != nil && !torrentx.ClientGone(err) {
		s.log.Warn().Err(err).Str(key, val).Int64("written", written).Msg("proxy response cut short")
	}
}

func (s *Server) handleFlushCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.deps.Proxies.FlushAll()})
}

func (s *Server) handleInvalidateContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contentId")
	if err := proxy.ValidContentID(id); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.deps.Proxies.InvalidateContent(id)})
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Catalog.ListContent(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if list == nil {
		list = []types.Content{}
	}
	writeJSON(w, http.StatusOK, list)
}

type upsertContentReq struct {
	UpstreamURL string `json:"upstreamUrl"`
	Active      *bool  `json:"active,omitempty"`
}

// handleUpsertContent stores a catalogue record. Changing a record drops the
// proxies issued for it so the next createProxy picks up the new URL.
func (s *Server) handleUpsertContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := proxy.ValidContentID(id); err != nil {
		writeError(w, s.log, err)
		return
	}
	var req upsertContentReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, s.log, apperr.Validation("body must be JSON with upstreamUrl"))
		return
	}
	if strings.TrimSpace(req.UpstreamURL) == "" {
		writeError(w, s.log, apperr.Validation("upstreamUrl is required"))
		return
	}
	c := types.Content{ID: id, UpstreamURL: strings.TrimSpace(req.UpstreamURL), Active: true}
	if req.Active != nil {
		c.Active = *req.Active
	}
	if err := s.deps.Catalog.UpsertContent(r.Context(), c); err != nil {
		writeError(w, s.log, err)
		return
	}
	s.deps.Proxies.InvalidateContent(id)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, s.log, apperr.Validation("limit must be 1-1000"))
			return
		}
		limit = n
	}
	evs, err := s.deps.Catalog.RecentAuditEvents(r.Context(), limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if evs == nil {
		evs = []types.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}
