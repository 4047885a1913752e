// Package janitor runs the periodic housekeeping of every component: idle
// sessions, stale connections, expired cache entries and unread torrents.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is one periodic sweep. Run reports how many things it cleaned up.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int, error)
}

// Run ticks every task on its own schedule until ctx is done. A failing or
// panicking task is logged and retried on its next tick.
func Run(ctx context.Context, log zerolog.Logger, tasks ...Task) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		if t.Every <= 0 || t.Run == nil {
			continue
		}
		g.Go(func() error {
			loop(ctx, log, t)
			return nil
		})
	}
	return g.Wait()
}

func loop(ctx context.Context, log zerolog.Logger, t Task) {
	tk := time.NewTicker(t.Every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			runOnce(ctx, log, t)
		}
	}
}

func runOnce(ctx context.Context, log zerolog.Logger, t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", t.Name).Err(fmt.Errorf("%v", r)).Msg("janitor task panicked")
		}
	}()
	n, err := t.Run(ctx)
	if err != nil {
		log.Warn().Str("task", t.Name).Err(err).Msg("janitor task failed")
		return
	}
	if n > 0 {
		log.Debug().Str("task", t.Name).Int("removed", n).Msg("janitor sweep")
	}
}

// Sweep adapts a plain counter to a Task body.
func Sweep(fn func() int) func(context.Context) (int, error) {
	return func(context.Context) (int, error) { return fn(), nil }
}
