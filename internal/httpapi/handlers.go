package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"streamgate/internal/apperr"
	"streamgate/internal/engine"
	"streamgate/internal/httprange"
	"streamgate/internal/torrentx"
	"streamgate/pkg/types"
)

type startReq struct {
	Magnet string `json:"magnet"`
}

type streamResp struct {
	types.StreamSession
	VideoURL string `json:"videoUrl"`
}

func videoURL(id string) string { return "/streams/" + id + "/video" }

// streamParam reads {id}, answering 400 itself when it cannot be a stream id.
func (s *Server) streamParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.ToLower(chi.URLParam(r, "id"))
	if !torrentx.IsStreamID(id) {
		writeError(w, s.log, apperr.Validation("%q is not a stream id", id))
		return "", false
	}
	return id, true
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req startReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, s.log, apperr.Validation("body must be JSON with a magnet field"))
		return
	}
	sess, err := s.deps.Streams.StartStream(r.Context(), strings.TrimSpace(req.Magnet))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	w.Header().Set("Location", "/streams/"+sess.StreamID)
	writeJSON(w, http.StatusAccepted, streamResp{StreamSession: sess, VideoURL: videoURL(sess.StreamID)})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Streams.ListStreams()
	out := make([]streamResp, 0, len(list))
	for _, sess := range list {
		out = append(out, streamResp{StreamSession: sess, VideoURL: videoURL(sess.StreamID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamParam(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Streams.GetStreamStatus(id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if wantsSSE(r) {
		s.streamStatusEvents(w, r, id)
		return
	}
	writeJSON(w, http.StatusOK, streamResp{StreamSession: sess, VideoURL: videoURL(id)})
}

// handleStreamInfo reports the file the worker serves for a ready stream.
func (s *Server) handleStreamInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamParam(w, r)
	if !ok {
		return
	}
	info, err := s.deps.Streams.GetInfo(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// streamStatusEvents pushes the session snapshot every StatusInterval until
// the client leaves or the session disappears.
func (s *Server) streamStatusEvents(w http.ResponseWriter, r *http.Request, id string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_, _ = io.WriteString(w, "retry: 2000\n\n")

	write := func() bool {
		sess, err := s.deps.Streams.GetStreamStatus(id)
		if err != nil {
			b, _ := json.Marshal(errorBody{Error: string(apperr.KindOf(err)), Message: err.Error(), Hint: "recreate"})
			_, _ = fmt.Fprintf(w, "event: gone\ndata: %s\n\n", b)
			_ = rc.Flush()
			return false
		}
		b, _ := json.Marshal(streamResp{StreamSession: sess, VideoURL: videoURL(id)})
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	if !write() {
		return
	}
	tick := time.NewTicker(s.deps.StatusInterval)
	defer tick.Stop()
	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if !write() {
				return
			}
		case <-ping.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			_ = rc.Flush()
		}
	}
}

func wantsSSE(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("sse"), "1") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Streams.StopStream(id); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVideo serves GET and HEAD for the stream's file. HEAD answers from
// the session alone and never opens a reader.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamParam(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Streams.GetStreamStatus(id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	switch sess.State {
	case types.StreamInitializing:
		writeError(w, s.log, apperr.Unavailable(2*time.Second, "stream %s is still initializing", id))
		return
	case types.StreamFailed:
		writeError(w, s.log, apperr.NotFound("stream %s failed: %s", id, sess.Error))
		return
	}

	rng := httprange.Parse(r.Header.Get("Range"), sess.FileSize)
	status, hdr := httprange.GenerateHeaders(sess.Filename, sess.FileSize, rng)
	start, end := int64(0), sess.FileSize-1
	if rng != nil {
		start, end = rng.Start, rng.End
	}

	if r.Method == http.MethodHead {
		copyHeader(w.Header(), hdr)
		w.WriteHeader(status)
		return
	}

	bs, err := s.deps.Streams.OpenByteRange(r.Context(), id, start, end, engine.OpenMeta{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer bs.Close()

	copyHeader(w.Header(), hdr)
	if sess.ReadaheadBytes > 0 {
		w.Header().Set("X-Readahead-Bytes", strconv.FormatInt(sess.ReadaheadBytes, 10))
	}
	w.WriteHeader(status)

	written, err := pump(w, bs)
	log := s.log.With().
		Str("streamId", id).
		Str("connectionId", bs.ConnectionID()).
		Int64("start", start).
		Int64("end", end).
		Int64("written", written).
		Logger()
	switch {
	case err == nil:
		log.Debug().Msg("range served")
	case torrentx.ClientGone(err):
		log.Debug().Msg("client left mid-range")
	default:
		log.Warn().Err(err).Msg("range aborted")
	}
}

// pump copies src to w, flushing after every chunk so players see bytes as
// soon as pieces arrive.
func pump(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 256<<10)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append(dst[k][:0], vs...)
	}
}
