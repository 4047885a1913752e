package proxy

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// teeBody streams src to the client and copies it into a side buffer. The
// client is the only sink that matters: once the buffer passes limit or
// anything goes wrong with it, buffering stops and reads carry on. commit
// sees the buffer only if src ended cleanly.
type teeBody struct {
	src    io.ReadCloser
	buf    *bytes.Buffer
	limit  int64
	commit func([]byte)
	done   bool
}

func newTeeBody(src io.ReadCloser, limit int64, commit func([]byte)) *teeBody {
	return &teeBody{src: src, buf: &bytes.Buffer{}, limit: limit, commit: commit}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && t.buf != nil {
		t.capture(p[:n])
	}
	if err == io.EOF && t.buf != nil && !t.done {
		t.done = true
		t.flush()
	}
	return n, err
}

func (t *teeBody) capture(b []byte) {
	defer func() {
		if recover() != nil {
			t.buf = nil
		}
	}()
	if int64(t.buf.Len()+len(b)) > t.limit {
		t.buf = nil
		return
	}
	t.buf.Write(b)
}

func (t *teeBody) flush() {
	defer func() { _ = recover() }()
	t.commit(t.buf.Bytes())
}

// Buffering reports whether the side buffer is still alive.
func (t *teeBody) Buffering() bool { return t.buf != nil }

func (t *teeBody) Close() error { return t.src.Close() }

// leaseBody ties a response body to its pool connection: reads report
// activity at most once per beat and Close releases the lease once.
type leaseBody struct {
	io.ReadCloser
	beat     time.Duration
	last     time.Time
	touch    func()
	release  func()
	closeOne sync.Once
}

func (l *leaseBody) Read(p []byte) (int, error) {
	n, err := l.ReadCloser.Read(p)
	if n > 0 && time.Since(l.last) >= l.beat {
		l.last = time.Now()
		l.touch()
	}
	return n, err
}

func (l *leaseBody) Close() error {
	err := l.ReadCloser.Close()
	l.closeOne.Do(l.release)
	return err
}
