package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"streamgate/internal/buffer"
)

// ByteStream reads one byte range of a stream's file. It owns a pool
// connection and a registry reference; both are released exactly once by
// Close.
type ByteStream struct {
	e        *Engine
	streamID string
	connID   string
	rd       FileReader
	ctl      *buffer.Controller

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	remaining int64
	length    int64
	lastBeat  time.Time

	once     sync.Once
	closeErr error
}

func (b *ByteStream) StreamID() string     { return b.streamID }
func (b *ByteStream) ConnectionID() string { return b.connID }
func (b *ByteStream) Length() int64        { return b.length }

// Context is done once the stream is closed, its client is gone or the pool
// expired its connection.
func (b *ByteStream) Context() context.Context { return b.ctx }

func (b *ByteStream) Read(p []byte) (int, error) {
	b.mu.Lock()
	remaining := b.remaining
	b.mu.Unlock()
	if remaining <= 0 {
		return 0, io.EOF
	}
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	began := time.Now()
	n, err := b.rd.Read(p)
	if n > 0 {
		b.ctl.UpdateThroughput(int64(n), time.Since(began))
		b.mu.Lock()
		b.remaining -= int64(n)
		remaining = b.remaining
		beat := time.Since(b.lastBeat) >= b.e.opts.Heartbeat
		if beat {
			b.lastBeat = time.Now()
		}
		b.mu.Unlock()
		if beat {
			b.e.conns.UpdateActivity(b.streamID, b.connID)
		}
	}
	if err != nil {
		if cerr := b.ctx.Err(); cerr != nil {
			return n, cerr
		}
		if err == io.EOF && remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, err
	}
	return n, nil
}

// Close releases the reader, the pool connection and the registry
// reference. It is safe to call more than once.
func (b *ByteStream) Close() error {
	b.once.Do(func() {
		b.cancel()
		b.closeErr = b.rd.Close()
		b.e.conns.Remove(b.streamID, b.connID)
		b.e.sessions.Release(b.streamID)
	})
	return b.closeErr
}
