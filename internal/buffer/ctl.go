// Package buffer sizes the torrent reader readahead from observed
// throughput, so fast swarms prefetch further than slow ones.
package buffer

import (
	"sync"
	"time"

	"streamgate/internal/torrentx"
)

const (
	fallbackBps    = 24_000_000 / 8 // 3 MB/s
	minTargetBytes = 4 << 20
	maxTargetBytes = 512 << 20
	probeReadahead = 256 << 10
)

type Controller struct {
	mu         sync.Mutex
	rollingBps int64
	targetSec  int64
}

// New returns a controller targeting playSec seconds of media ahead of the
// reader; 4K releases get twice that.
func New(filename string, fileSize, playSec int64) *Controller {
	if playSec <= 0 {
		playSec = 90
	}
	if torrentx.IsLikely4K(filename, fileSize) {
		playSec *= 2
	}
	return &Controller{rollingBps: fallbackBps, targetSec: playSec}
}

// UpdateThroughput folds one read observation into the rolling rate.
func (c *Controller) UpdateThroughput(bytes int64, took time.Duration) {
	millis := took.Milliseconds()
	if millis <= 0 || bytes <= 0 {
		return
	}
	obs := (bytes * 1000) / millis
	if obs <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollingBps = (c.rollingBps*7 + obs*3) / 10
}

func (c *Controller) RollingBps() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingBps
}

// TargetBytes is the readahead for a regular read.
func (c *Controller) TargetBytes() int64 {
	c.mu.Lock()
	bps := c.rollingBps
	sec := c.targetSec
	c.mu.Unlock()
	if bps <= 0 {
		bps = fallbackBps
	}
	if bps < fallbackBps {
		sec = sec + sec/3 // +33% when slow swarm
	}
	t := bps * sec
	if t < minTargetBytes {
		t = minTargetBytes
	}
	if t > maxTargetBytes {
		t = maxTargetBytes
	}
	return t
}

// Readahead returns the readahead for a range request. Tiny probe ranges,
// as players issue when sniffing containers, only get a small window.
func (c *Controller) Readahead(start, end int64) int64 {
	if isProbeRange(start, end) {
		return probeReadahead
	}
	return c.TargetBytes()
}

func isProbeRange(start, end int64) bool {
	const maxProbe = 1 << 10
	if start < 0 || end < start {
		return false
	}
	return (end - start + 1) <= maxProbe
}
