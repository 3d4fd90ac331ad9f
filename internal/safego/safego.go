// Package safego launches background goroutines that survive panics.
package safego

import (
	"context"
	"log/slog"
	"time"
)

// Go runs fn on a new goroutine, recovering and logging any panic instead of
// crashing the process. name tags the log record so a recurring panic can be
// traced back to its launch site. Use this for every fire-and-forget
// goroutine; an unrecovered panic would otherwise kill it silently.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine",
					"goroutine", name, "panic", r)
			}
		}()
		fn()
	}()
}

// GoTimeout runs fn on a panic-guarded goroutine with a context that is
// cancelled after d. Callers shipping events or webhooks after a committed
// transaction use this so a stalled downstream cannot pin the goroutine
// forever.
func GoTimeout(name string, d time.Duration, fn func(ctx context.Context)) {
	Go(name, func() {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		fn(ctx)
	})
}
