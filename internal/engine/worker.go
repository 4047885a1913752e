package engine

import (
	"fmt"
	"time"

	"streamgate/internal/apperr"
	"streamgate/internal/torrentx"
)

type workerOptions struct {
	MetadataTimeout  time.Duration
	ProgressInterval time.Duration
}

// worker owns the swarm. Everything it knows is reachable only through
// envelopes on requests; answers and events leave through out.
type worker struct {
	swarm    Swarm
	opts     workerOptions
	requests chan Envelope
	out      chan Envelope
	metadata chan metaResult
	done     chan struct{}
	torrents map[string]*entry
	now      func() time.Time
}

type entry struct {
	streamID   string
	t          Torrent
	ready      bool
	parked     bool
	info       TorrentInfo
	waiters    []string
	stop       chan struct{}
	lastAccess time.Time

	lastRead    int64
	lastWritten int64
	lastSample  time.Time
}

type metaResult struct {
	streamID string
	t        Torrent
	ok       bool
}

func newWorker(swarm Swarm, opts workerOptions) *worker {
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = 30 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 2 * time.Second
	}
	return &worker{
		swarm:    swarm,
		opts:     opts,
		requests: make(chan Envelope, 64),
		out:      make(chan Envelope, 256),
		metadata: make(chan metaResult, 16),
		done:     make(chan struct{}),
		torrents: make(map[string]*entry),
		now:      time.Now,
	}
}

func (w *worker) run() {
	defer close(w.out)
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.emit(Envelope{Type: EventCrash, Err: fmt.Errorf("torrent worker panic: %v", r)})
			w.abandon()
		}
		w.emit(Envelope{Type: EventExit})
	}()

	tick := time.NewTicker(w.opts.ProgressInterval)
	defer tick.Stop()

	for {
		select {
		case env := <-w.requests:
			if w.handle(env) {
				return
			}
		case m := <-w.metadata:
			w.onMetadata(m)
		case <-tick.C:
			w.emitProgress()
		}
	}
}

func (w *worker) emit(env Envelope) { w.out <- env }

func (w *worker) reply(req Envelope, payload any, err error) {
	w.emit(Envelope{RequestID: req.RequestID, Type: req.Type, Payload: payload, Err: err})
}

// handle processes one request and reports whether the worker should exit.
func (w *worker) handle(req Envelope) bool {
	switch req.Type {
	case MsgAdd:
		w.add(req)
	case MsgInfo:
		e, err := w.readyEntry(req.Payload.(string))
		if err != nil {
			w.reply(req, nil, err)
			return false
		}
		w.reply(req, e.info, nil)
	case MsgOpen:
		w.open(req)
	case MsgPark:
		if e, ok := w.torrents[req.Payload.(string)]; ok && e.ready && !e.parked {
			e.t.Park()
			e.parked = true
		}
		w.reply(req, nil, nil)
	case MsgRemove:
		w.reply(req, w.remove(req.Payload.(string)), nil)
	case MsgCleanup:
		w.reply(req, w.cleanup(req.Payload.(CleanupRequest)), nil)
	case MsgStats:
		w.reply(req, w.stats(), nil)
	case MsgShutdown:
		for id := range w.torrents {
			w.remove(id)
		}
		var err error
		if cerr := w.swarm.Close(); cerr != nil {
			err = apperr.Wrap(apperr.KindInternal, cerr, "close torrent client")
		}
		w.reply(req, nil, err)
		return true
	default:
		w.reply(req, nil, apperr.Internal("unknown worker message %q", req.Type))
	}
	return false
}

func (w *worker) add(req Envelope) {
	ar := req.Payload.(AddRequest)
	if e, ok := w.torrents[ar.StreamID]; ok {
		e.lastAccess = w.now()
		if e.ready {
			w.reply(req, e.info, nil)
		} else {
			e.waiters = append(e.waiters, req.RequestID)
		}
		return
	}
	t, err := w.swarm.AddMagnet(ar.Magnet)
	if err != nil {
		w.reply(req, nil, apperr.Wrap(apperr.KindProtocol, err, "add torrent"))
		return
	}
	e := &entry{
		streamID:   ar.StreamID,
		t:          t,
		waiters:    []string{req.RequestID},
		stop:       make(chan struct{}),
		lastAccess: w.now(),
	}
	w.torrents[ar.StreamID] = e
	go w.awaitMetadata(e.streamID, t, e.stop)
}

func (w *worker) awaitMetadata(streamID string, t Torrent, stop <-chan struct{}) {
	timer := time.NewTimer(w.opts.MetadataTimeout)
	defer timer.Stop()
	var ok bool
	select {
	case <-t.GotInfo():
		ok = true
	case <-timer.C:
	case <-stop:
		return
	}
	select {
	case w.metadata <- metaResult{streamID: streamID, t: t, ok: ok}:
	case <-w.done:
	}
}

func (w *worker) onMetadata(m metaResult) {
	e, ok := w.torrents[m.streamID]
	if !ok || e.t != m.t {
		return
	}
	if !m.ok {
		w.fail(e, apperr.Timeout("no torrent metadata within %s", w.opts.MetadataTimeout))
		return
	}
	best, ok := torrentx.ChooseBestFile(e.t.Files())
	if !ok {
		w.fail(e, apperr.Validation("torrent has no playable video file"))
		return
	}
	e.t.Stream(best.Index)
	e.ready = true
	e.info = TorrentInfo{
		StreamID:  e.streamID,
		InfoHash:  e.t.InfoHash(),
		Filename:  best.Path,
		FileSize:  best.Length,
		FileIndex: best.Index,
	}
	e.lastSample = w.now()
	for _, id := range e.waiters {
		w.emit(Envelope{RequestID: id, Type: MsgAdd, Payload: e.info})
	}
	e.waiters = nil
	w.emit(Envelope{Type: EventReady, Payload: e.info})
}

func (w *worker) fail(e *entry, err error) {
	for _, id := range e.waiters {
		w.emit(Envelope{RequestID: id, Type: MsgAdd, Err: err})
	}
	e.waiters = nil
	delete(w.torrents, e.streamID)
	e.t.Drop()
	w.emit(Envelope{Type: EventFailed, Payload: Failure{StreamID: e.streamID, Err: err}})
}

func (w *worker) readyEntry(streamID string) (*entry, error) {
	e, ok := w.torrents[streamID]
	if !ok {
		return nil, apperr.NotFound("torrent %s is not loaded", streamID)
	}
	if !e.ready {
		return nil, apperr.Unavailable(2*time.Second, "torrent %s is still fetching metadata", streamID)
	}
	e.lastAccess = w.now()
	return e, nil
}

func (w *worker) open(req Envelope) {
	e, err := w.readyEntry(req.Payload.(string))
	if err != nil {
		w.reply(req, nil, err)
		return
	}
	if e.parked {
		e.t.Stream(e.info.FileIndex)
		e.parked = false
	}
	rd := e.t.NewReader(e.info.FileIndex)
	if rd == nil {
		w.reply(req, nil, apperr.Internal("torrent %s has no file %d", e.streamID, e.info.FileIndex))
		return
	}
	w.reply(req, OpenResult{Info: e.info, Reader: rd}, nil)
}

func (w *worker) remove(streamID string) bool {
	e, ok := w.torrents[streamID]
	if !ok {
		return false
	}
	delete(w.torrents, streamID)
	close(e.stop)
	for _, id := range e.waiters {
		w.emit(Envelope{RequestID: id, Type: MsgAdd, Err: apperr.NotFound("torrent %s was removed", streamID)})
	}
	e.t.Drop()
	return true
}

func (w *worker) cleanup(req CleanupRequest) CleanupResult {
	keep := make(map[string]struct{}, len(req.Keep))
	for _, id := range req.Keep {
		keep[id] = struct{}{}
	}
	now := w.now()
	var res CleanupResult
	for id, e := range w.torrents {
		if _, busy := keep[id]; busy || !e.ready {
			continue
		}
		if now.Sub(e.lastAccess) < req.MaxIdle {
			continue
		}
		w.remove(id)
		res.Removed = append(res.Removed, id)
		w.emit(Envelope{Type: EventEvicted, Payload: id})
	}
	return res
}

func (w *worker) stats() WorkerStats {
	var s WorkerStats
	for _, e := range w.torrents {
		s.Torrents++
		if !e.ready {
			continue
		}
		s.Ready++
		p := w.sample(e, false)
		s.Peers += p.Peers
		s.DownloadSpeed += p.DownloadSpeed
		s.UploadSpeed += p.UploadSpeed
	}
	return s
}

func (w *worker) emitProgress() {
	for _, e := range w.torrents {
		if e.ready {
			w.emit(Envelope{Type: EventProgress, Payload: w.sample(e, true)})
		}
	}
}

// sample derives rates from the counters seen since the previous sample.
// Only the ticker advances the baseline.
func (w *worker) sample(e *entry, advance bool) Progress {
	st := e.t.Stats(e.info.FileIndex)
	now := w.now()
	p := Progress{StreamID: e.streamID, Peers: st.Peers}
	if st.FileLength > 0 {
		p.Progress = float64(st.FileCompleted) * 100 / float64(st.FileLength)
	}
	if ms := now.Sub(e.lastSample).Milliseconds(); ms > 0 {
		p.DownloadSpeed = max(0, (st.BytesRead-e.lastRead)*1000/ms)
		p.UploadSpeed = max(0, (st.BytesWritten-e.lastWritten)*1000/ms)
	}
	if advance {
		e.lastRead, e.lastWritten, e.lastSample = st.BytesRead, st.BytesWritten, now
	}
	return p
}

// abandon runs after a panic. The swarm may be in any state, so only a
// best-effort close is attempted.
func (w *worker) abandon() {
	defer func() { _ = recover() }()
	for _, e := range w.torrents {
		close(e.stop)
	}
	w.torrents = map[string]*entry{}
	_ = w.swarm.Close()
}
