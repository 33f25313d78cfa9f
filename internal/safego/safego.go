// Package safego launches background goroutines with panic recovery.
package safego

import "log/slog"

// Go runs fn in a new goroutine, recovering and logging any panic instead of
// taking the process down. The portal's long-lived loops (the backup
// scheduler, the retention sweeper, the webhook queue consumer) all start
// through here: a panic in one of them must not kill the API server, and the
// log entry is the only trace the loop died.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
