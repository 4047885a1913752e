package logx

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Writer filters and de-duplicates log lines before they reach dst.
// - allow (optional): only lines matching it pass
// - deny (optional): lines matching it are dropped
// - window: identical lines seen within it are dropped
type Writer struct {
	dst         io.Writer
	allow, deny *regexp.Regexp
	window      time.Duration
	now         func() time.Time

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	lastPrune time.Time
}

func New(dst io.Writer, window time.Duration, allowPattern, denyPattern string) (*Writer, error) {
	w := &Writer{dst: dst, window: window, now: time.Now, lastSeen: make(map[string]time.Time)}
	var err error
	if strings.TrimSpace(allowPattern) != "" {
		if w.allow, err = regexp.Compile(allowPattern); err != nil {
			return nil, errors.Wrap(err, "LOG_ALLOW")
		}
	}
	if strings.TrimSpace(denyPattern) != "" {
		if w.deny, err = regexp.Compile(denyPattern); err != nil {
			return nil, errors.Wrap(err, "LOG_DENY")
		}
	}
	return w, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	line := string(p)

	if w.deny != nil && w.deny.MatchString(line) {
		return len(p), nil
	}
	if w.allow != nil && !w.allow.MatchString(line) {
		return len(p), nil
	}

	if w.window > 0 {
		key := stripTime(strings.TrimRight(line, "\r\n"))
		now := w.now()
		w.mu.Lock()
		if last, ok := w.lastSeen[key]; ok && now.Sub(last) < w.window {
			w.mu.Unlock()
			return len(p), nil
		}
		w.lastSeen[key] = now
		w.prune(now)
		w.mu.Unlock()
	}

	return w.dst.Write(p)
}

// prune drops keys older than the window; caller holds mu.
func (w *Writer) prune(now time.Time) {
	if now.Sub(w.lastPrune) < w.window {
		return
	}
	w.lastPrune = now
	for k, t := range w.lastSeen {
		if now.Sub(t) >= w.window {
			delete(w.lastSeen, k)
		}
	}
}

var timeField = regexp.MustCompile(`"time":"[^"]*",?`)

// stripTime removes the zerolog timestamp so repeats of one event compare
// equal.
func stripTime(line string) string {
	return timeField.ReplaceAllString(line, "")
}
