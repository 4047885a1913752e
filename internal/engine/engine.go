// Package engine turns magnet links into playable byte ranges. The torrent
// client lives in a single worker goroutine; the Engine talks to it only
// through correlated envelopes and folds its events into the session
// registry.
package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"streamgate/internal/apperr"
	"streamgate/internal/buffer"
	"streamgate/internal/pool"
	"streamgate/internal/registry"
	"streamgate/internal/torrentx"
	"streamgate/pkg/types"
)

// Auditor receives fire-and-forget notices about lifecycle transitions.
type Auditor interface {
	Record(kind, subject, detail string)
}

type nopAuditor struct{}

func (nopAuditor) Record(string, string, string) {}

type Options struct {
	// NewSwarm builds the torrent client. It is called again after the
	// worker crashes.
	NewSwarm func() (Swarm, error)

	Registry registry.Options
	Pool     pool.Options

	RequestTimeout   time.Duration
	MetadataTimeout  time.Duration
	ProgressInterval time.Duration
	// TorrentIdle is how long a loaded torrent may go unread before
	// CleanupInactive drops it.
	TorrentIdle time.Duration
	// StreamGrace delays parking a torrent after its last connection goes,
	// so seeks and quick reconnects find it still downloading.
	StreamGrace time.Duration
	// ReadaheadSeconds of media the reader tries to keep buffered.
	ReadaheadSeconds int64
	// Heartbeat is the minimum spacing of pool activity reports from reads.
	Heartbeat time.Duration

	Audit  Auditor
	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MetadataTimeout <= 0 {
		o.MetadataTimeout = 30 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 2 * time.Second
	}
	if o.TorrentIdle <= 0 {
		o.TorrentIdle = 30 * time.Minute
	}
	if o.StreamGrace <= 0 {
		o.StreamGrace = 30 * time.Second
	}
	if o.ReadaheadSeconds <= 0 {
		o.ReadaheadSeconds = 90
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.Audit == nil {
		o.Audit = nopAuditor{}
	}
}

type Engine struct {
	opts     Options
	log      zerolog.Logger
	sessions *registry.Registry
	conns    *pool.Pool
	pending  *pendingTable
	starting singleflight.Group

	mu     sync.Mutex
	w      *worker
	closed bool

	graceMu sync.Mutex
	grace   map[string]*time.Timer

	ctlMu sync.Mutex
	ctls  map[string]*buffer.Controller
}

// Stats is the engine snapshot served to operators.
type Stats struct {
	Initialized     bool         `json:"initialized"`
	Sessions        int          `json:"sessions"`
	Capacity        int          `json:"capacity"`
	PendingRequests int          `json:"pendingRequests"`
	Worker          *WorkerStats `json:"worker,omitempty"`
	Pool            pool.Stats   `json:"pool"`
}

// New builds an engine. The worker starts lazily on first use.
func New(opts Options) *Engine {
	opts.setDefaults()
	e := &Engine{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "engine").Logger(),
		pending: newPendingTable(),
		grace:   make(map[string]*time.Timer),
		ctls:    make(map[string]*buffer.Controller),
	}
	ropts := opts.Registry
	ropts.Teardown = e.teardown
	e.sessions = registry.New(ropts)
	e.conns = pool.New(opts.Pool)
	e.conns.OnIdle(e.onStreamIdle)
	return e
}

func (e *Engine) Registry() *registry.Registry { return e.sessions }
func (e *Engine) Pool() *pool.Pool             { return e.conns }

func (e *Engine) current() *worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w
}

// ensureWorker returns the running worker, starting one if needed. Concurrent
// callers share a single start attempt.
func (e *Engine) ensureWorker(ctx context.Context) (*worker, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, apperr.Internal("torrent engine is shut down")
	}
	if w := e.w; w != nil {
		e.mu.Unlock()
		return w, nil
	}
	e.mu.Unlock()

	ch := e.starting.DoChan("init", func() (any, error) {
		if w := e.current(); w != nil {
			return w, nil
		}
		sw, err := e.opts.NewSwarm()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "start torrent client")
		}
		w := newWorker(sw, workerOptions{
			MetadataTimeout:  e.opts.MetadataTimeout,
			ProgressInterval: e.opts.ProgressInterval,
		})
		go w.run()
		go e.dispatch(w)

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_, _ = e.send(w, MsgShutdown, nil, e.opts.RequestTimeout)
			return nil, apperr.Internal("torrent engine is shut down")
		}
		e.w = w
		e.mu.Unlock()
		e.log.Info().Msg("torrent worker started")
		return w, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*worker), nil
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindTimeout, ctx.Err(), "waiting for torrent worker")
	}
}

// call performs one round trip, starting the worker if needed. Once sent,
// the request runs to completion or timeout regardless of ctx.
func (e *Engine) call(ctx context.Context, typ MsgType, payload any, timeout time.Duration) (any, error) {
	w, err := e.ensureWorker(ctx)
	if err != nil {
		return nil, err
	}
	return e.send(w, typ, payload, timeout)
}

func (e *Engine) send(w *worker, typ MsgType, payload any, timeout time.Duration) (any, error) {
	id := uuid.NewString()
	ch := e.pending.add(id, typ, w, timeout)
	select {
	case w.requests <- Envelope{RequestID: id, Type: typ, Payload: payload}:
	case <-w.done:
		e.pending.fail(id, apperr.Internal("torrent worker is not running"))
	case res := <-ch:
		// the worker is wedged and the queue full; the deadline still holds
		return res.payload, res.err
	}
	res := <-ch
	return res.payload, res.err
}

// dispatch routes everything w emits until its out channel closes.
func (e *Engine) dispatch(w *worker) {
	for env := range w.out {
		if !env.IsEvent() {
			if !e.pending.resolve(env) {
				e.discard(env)
			}
			continue
		}
		e.onEvent(w, env)
	}
}

// discard releases resources carried by a reply nobody waits for.
func (e *Engine) discard(env Envelope) {
	if res, ok := env.Payload.(OpenResult); ok && res.Reader != nil {
		_ = res.Reader.Close()
	}
	e.log.Debug().Str("type", string(env.Type)).Str("requestId", env.RequestID).Msg("late worker reply dropped")
}

func (e *Engine) onEvent(w *worker, env Envelope) {
	switch env.Type {
	case EventProgress:
		p := env.Payload.(Progress)
		e.sessions.Update(p.StreamID, func(s *types.StreamSession) {
			s.Progress = p.Progress
			s.DownloadSpeed = p.DownloadSpeed
			s.UploadSpeed = p.UploadSpeed
			s.PeerCount = p.Peers
		})
	case EventReady:
		e.markReady(env.Payload.(TorrentInfo))
	case EventFailed:
		f := env.Payload.(Failure)
		e.markFailed(f.StreamID, f.Err)
	case EventEvicted:
		e.log.Debug().Str("streamId", env.Payload.(string)).Msg("idle torrent evicted")
	case EventCrash:
		e.log.Error().Err(env.Err).Msg("torrent worker crashed")
		e.workerDown(w, apperr.Wrap(apperr.KindInternal, env.Err, "torrent worker crashed"))
	case EventExit:
		e.workerDown(w, apperr.Internal("torrent worker exited"))
	}
}

// workerDown marks the engine uninitialized and rejects calls in flight to w.
func (e *Engine) workerDown(w *worker, err error) {
	e.mu.Lock()
	if e.w == w {
		e.w = nil
	}
	e.mu.Unlock()
	if n := e.pending.failOwnedBy(w, err); n > 0 {
		e.log.Warn().Int("rejected", n).Msg("pending worker requests rejected")
	}
}

func (e *Engine) markReady(info TorrentInfo) {
	e.sessions.Update(info.StreamID, func(s *types.StreamSession) {
		s.State = types.StreamReady
		s.Error = ""
		s.Filename = info.Filename
		s.FileSize = info.FileSize
		if info.InfoHash != "" {
			s.InfoHash = info.InfoHash
		}
	})
}

func (e *Engine) markFailed(streamID string, err error) {
	e.sessions.Update(streamID, func(s *types.StreamSession) {
		if s.State == types.StreamReady {
			return
		}
		s.State = types.StreamFailed
		s.Error = err.Error()
	})
}

// StartStream registers a session for magnet and resolves its torrent in the
// background. Asking again for a live stream returns the existing session.
func (e *Engine) StartStream(ctx context.Context, magnet string) (types.StreamSession, error) {
	m, err := torrentx.ParseMagnet(magnet)
	if err != nil {
		return types.StreamSession{}, err
	}
	id := torrentx.StreamID(magnet)
	if s, ok := e.sessions.Peek(id); ok && s.State != types.StreamFailed {
		e.sessions.Touch(id)
		return e.decorate(s), nil
	}

	sess := types.StreamSession{
		StreamID:  id,
		Magnet:    magnet,
		InfoHash:  m.InfoHash.HexString(),
		State:     types.StreamInitializing,
		CreatedAt: time.Now(),
	}
	if err := e.sessions.Put(sess); err != nil {
		return types.StreamSession{}, err
	}
	e.opts.Audit.Record("stream_started", id, m.DisplayName)
	udp, plain, tls, other := torrentx.CountTrackers(magnet)
	e.log.Info().
		Str("streamId", id).
		Str("name", m.DisplayName).
		Int("udpTrackers", udp).
		Int("httpTrackers", plain+tls).
		Int("otherTrackers", other).
		Msg("stream started")

	go e.resolve(id, magnet)

	s, _ := e.sessions.Peek(id)
	return e.decorate(s), nil
}

func (e *Engine) resolve(streamID, magnet string) {
	res, err := e.call(context.Background(), MsgAdd, AddRequest{StreamID: streamID, Magnet: magnet},
		e.opts.MetadataTimeout+e.opts.RequestTimeout)
	if err != nil {
		e.log.Warn().Err(err).Str("streamId", streamID).Msg("torrent resolution failed")
		e.markFailed(streamID, err)
		return
	}
	e.markReady(res.(TorrentInfo))
}

// GetStreamStatus returns the session without counting a connection.
func (e *Engine) GetStreamStatus(streamID string) (types.StreamSession, error) {
	s, ok := e.sessions.Peek(streamID)
	if !ok {
		return types.StreamSession{}, apperr.NotFound("stream %s not found", streamID)
	}
	return e.decorate(s), nil
}

func (e *Engine) ListStreams() []types.StreamSession {
	list := e.sessions.List()
	for i := range list {
		list[i] = e.decorate(list[i])
	}
	return list
}

func (e *Engine) decorate(s types.StreamSession) types.StreamSession {
	e.ctlMu.Lock()
	ctl := e.ctls[s.StreamID]
	e.ctlMu.Unlock()
	if ctl != nil {
		s.ReadaheadBytes = ctl.TargetBytes()
	}
	return s
}

func (e *Engine) controller(s types.StreamSession) *buffer.Controller {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()
	ctl, ok := e.ctls[s.StreamID]
	if !ok {
		ctl = buffer.New(s.Filename, s.FileSize, e.opts.ReadaheadSeconds)
		e.ctls[s.StreamID] = ctl
	}
	return ctl
}

// OpenMeta identifies the consumer of a byte range.
type OpenMeta struct {
	RemoteAddr string
	UserAgent  string
}

// OpenByteRange opens [start, end] of the stream's file. The returned stream
// holds one pool connection and one registry reference until Close, which
// also happens automatically when ctx is done.
func (e *Engine) OpenByteRange(ctx context.Context, streamID string, start, end int64, meta OpenMeta) (*ByteStream, error) {
	s, ok := e.sessions.Get(streamID)
	if !ok {
		return nil, apperr.NotFound("stream %s not found", streamID)
	}
	release := func() { e.sessions.Release(streamID) }

	switch s.State {
	case types.StreamInitializing:
		release()
		return nil, apperr.Unavailable(2*time.Second, "stream %s is still initializing", streamID)
	case types.StreamFailed:
		release()
		return nil, apperr.NotFound("stream %s failed: %s", streamID, s.Error)
	}
	if start < 0 || end < start || end >= s.FileSize {
		release()
		return nil, apperr.Validation("range %d-%d is outside a %d byte file", start, end, s.FileSize)
	}

	sctx, cancel := context.WithCancel(ctx)
	connID := uuid.NewString()
	if err := e.conns.Register(streamID, connID, pool.Meta{
		RemoteAddr: meta.RemoteAddr,
		UserAgent:  meta.UserAgent,
		Cancel:     cancel,
	}); err != nil {
		cancel()
		release()
		return nil, err
	}
	e.cancelGrace(streamID)

	abort := func(err error) (*ByteStream, error) {
		e.conns.Remove(streamID, connID)
		cancel()
		release()
		return nil, err
	}

	rd, err := e.openReader(sctx, streamID, s.Magnet)
	if err != nil {
		return abort(err)
	}
	ctl := e.controller(s)
	rd.SetResponsive()
	rd.SetReadahead(ctl.Readahead(start, end))
	if _, err := rd.Seek(start, io.SeekStart); err != nil {
		_ = rd.Close()
		return abort(apperr.Wrap(apperr.KindInternal, err, "seek to %d", start))
	}

	bs := &ByteStream{
		e:         e,
		streamID:  streamID,
		connID:    connID,
		rd:        rd,
		ctl:       ctl,
		ctx:       sctx,
		cancel:    cancel,
		remaining: end - start + 1,
		length:    end - start + 1,
		lastBeat:  time.Now(),
	}
	context.AfterFunc(sctx, func() { _ = bs.Close() })
	return bs, nil
}

// openReader asks the worker for a reader, re-adding the torrent once if the
// worker lost it (idle cleanup or a restart).
func (e *Engine) openReader(ctx context.Context, streamID, magnet string) (FileReader, error) {
	res, err := e.call(ctx, MsgOpen, streamID, e.opts.RequestTimeout)
	if apperr.Is(err, apperr.KindNotFound) {
		if err := e.readd(ctx, streamID, magnet); err != nil {
			return nil, err
		}
		res, err = e.call(ctx, MsgOpen, streamID, e.opts.RequestTimeout)
	}
	if err != nil {
		return nil, err
	}
	or := res.(OpenResult)
	if ctx.Err() != nil {
		_ = or.Reader.Close()
		return nil, apperr.Wrap(apperr.KindTimeout, ctx.Err(), "client went away")
	}
	return or.Reader, nil
}

func (e *Engine) readd(ctx context.Context, streamID, magnet string) error {
	e.log.Debug().Str("streamId", streamID).Msg("torrent not loaded, adding again")
	info, err := e.call(ctx, MsgAdd, AddRequest{StreamID: streamID, Magnet: magnet},
		e.opts.MetadataTimeout+e.opts.RequestTimeout)
	if err != nil {
		return err
	}
	e.markReady(info.(TorrentInfo))
	return nil
}

// GetInfo asks the worker which file of a ready stream is served and
// refreshes the session from the answer.
func (e *Engine) GetInfo(ctx context.Context, streamID string) (TorrentInfo, error) {
	s, ok := e.sessions.Peek(streamID)
	if !ok {
		return TorrentInfo{}, apperr.NotFound("stream %s not found", streamID)
	}
	switch s.State {
	case types.StreamInitializing:
		return TorrentInfo{}, apperr.Unavailable(2*time.Second, "stream %s is still initializing", streamID)
	case types.StreamFailed:
		return TorrentInfo{}, apperr.NotFound("stream %s failed: %s", streamID, s.Error)
	}
	res, err := e.call(ctx, MsgInfo, streamID, e.opts.RequestTimeout)
	if apperr.Is(err, apperr.KindNotFound) {
		if err := e.readd(ctx, streamID, s.Magnet); err != nil {
			return TorrentInfo{}, err
		}
		res, err = e.call(ctx, MsgInfo, streamID, e.opts.RequestTimeout)
	}
	if err != nil {
		return TorrentInfo{}, err
	}
	info := res.(TorrentInfo)
	e.markReady(info)
	return info, nil
}

// StopStream removes a stream and drops its torrent. Streams with active
// connections are refused.
func (e *Engine) StopStream(streamID string) error {
	if err := e.sessions.Remove(streamID); err != nil {
		return err
	}
	e.opts.Audit.Record("stream_stopped", streamID, "")
	e.log.Info().Str("streamId", streamID).Msg("stream stopped")
	return nil
}

// teardown runs whenever a session leaves the registry.
func (e *Engine) teardown(streamID string) {
	e.cancelGrace(streamID)
	e.ctlMu.Lock()
	delete(e.ctls, streamID)
	e.ctlMu.Unlock()

	w := e.current()
	if w == nil {
		return
	}
	go func() {
		if _, err := e.send(w, MsgRemove, streamID, e.opts.RequestTimeout); err != nil {
			e.log.Warn().Err(err).Str("streamId", streamID).Msg("torrent removal failed")
		}
	}()
}

func (e *Engine) onStreamIdle(streamID string) {
	e.graceMu.Lock()
	defer e.graceMu.Unlock()
	if t, ok := e.grace[streamID]; ok {
		t.Stop()
	}
	e.grace[streamID] = time.AfterFunc(e.opts.StreamGrace, func() { e.graceExpired(streamID) })
}

func (e *Engine) cancelGrace(streamID string) {
	e.graceMu.Lock()
	defer e.graceMu.Unlock()
	if t, ok := e.grace[streamID]; ok {
		t.Stop()
		delete(e.grace, streamID)
	}
}

// graceExpired parks the torrent of a stream nobody came back to.
func (e *Engine) graceExpired(streamID string) {
	e.graceMu.Lock()
	delete(e.grace, streamID)
	e.graceMu.Unlock()
	if e.conns.Count(streamID) > 0 {
		return
	}
	w := e.current()
	if w == nil {
		return
	}
	if _, err := e.send(w, MsgPark, streamID, e.opts.RequestTimeout); err != nil {
		e.log.Debug().Err(err).Str("streamId", streamID).Msg("park failed")
		return
	}
	e.log.Debug().Str("streamId", streamID).Msg("idle stream parked")
}

// Stats does not start the worker.
func (e *Engine) Stats() Stats {
	st := Stats{
		Sessions:        e.sessions.Len(),
		Capacity:        e.sessions.Capacity(),
		PendingRequests: e.pending.len(),
		Pool:            e.conns.Stats(),
	}
	w := e.current()
	if w == nil {
		return st
	}
	st.Initialized = true
	if res, err := e.send(w, MsgStats, nil, e.opts.RequestTimeout); err == nil {
		ws := res.(WorkerStats)
		st.Worker = &ws
	}
	return st
}

// CleanupInactive drops torrents nobody read for TorrentIdle. Streams with
// live connections are kept.
func (e *Engine) CleanupInactive() (int, error) {
	w := e.current()
	if w == nil {
		return 0, nil
	}
	res, err := e.send(w, MsgCleanup, CleanupRequest{Keep: e.conns.Busy(), MaxIdle: e.opts.TorrentIdle}, e.opts.RequestTimeout)
	if err != nil {
		return 0, err
	}
	removed := res.(CleanupResult).Removed
	return len(removed), nil
}

func (e *Engine) SweepSessions() []string { return e.sessions.Sweep() }

func (e *Engine) SweepConnections() (expired, dropped int) { return e.conns.Sweep() }

// Shutdown stops accepting work, drains the worker and waits for it to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	w := e.w
	e.mu.Unlock()

	e.graceMu.Lock()
	for id, t := range e.grace {
		t.Stop()
		delete(e.grace, id)
	}
	e.graceMu.Unlock()
	e.conns.Close()

	if w == nil {
		return nil
	}
	errc := make(chan error, 1)
	go func() {
		_, err := e.send(w, MsgShutdown, nil, e.opts.RequestTimeout)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "torrent worker shutdown")
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "torrent worker exit")
	}
	e.log.Info().Msg("torrent worker stopped")
	return nil
}
