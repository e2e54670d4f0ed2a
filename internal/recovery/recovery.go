// Package recovery keeps a panicking relay goroutine from taking down the process.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a recovered panic value.
type PanicError struct {
	Goroutine string
	Value     interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Goroutine, e.Value)
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Defer it first thing in a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay.Server.Run")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverToError recovers from a panic, logs it and stores a *PanicError in errp
// so the goroutine's owner sees the task as failed.
func RecoverToError(logger *slog.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if errp != nil {
			*errp = &PanicError{Goroutine: name, Value: r}
		}
	}
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
