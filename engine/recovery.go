package engine

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Guard invokes fn and recovers any panic, logging it with logger
// instead of letting it unwind into the background reader goroutine
// that drives Dispatcher.Dispatch. A panicking untagged handler or
// on_error sink must not take down the connection's read loop.
func Guard(logger *slog.Logger, label string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("imap: recovered panic in handler",
				"handler", label,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
