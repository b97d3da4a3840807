// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected goroutine wrappers
// -----------------------------------------------------------------------

package common

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// goroutineCounter tracks goroutines spawned through the SafeGo wrappers.
var goroutineCounter int64

// GetGoroutineCount returns how many goroutines were spawned via SafeGo
// and SafeGoWithContext over the process lifetime.
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// recoverPanic is the shared deferred recovery for the SafeGo wrappers.
// The panic is logged, a crash report is written for post-mortem analysis,
// and the process keeps running.
func recoverPanic(logger arbor.ILogger, name string) {
	r := recover()
	if r == nil {
		return
	}

	stackTrace := GetStackTrace()
	if logger != nil {
		logger.Error().
			Str("goroutine", name).
			Str("panic", fmt.Sprintf("%v", r)).
			Str("stack", stackTrace).
			Msg("Recovered from panic in goroutine - continuing service operation")
	} else {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stackTrace)
	}

	WriteCrashFile(fmt.Sprintf("goroutine %s: %v", name, r), stackTrace)
}

// SafeGo runs fn on its own goroutine with panic recovery. A panic is
// logged and reported but never crashes the service. Use it for async work
// like event dispatch or job runs where one failure must not take down
// the rest.
//
//	common.SafeGo(logger, "job-run:"+job.ID, func() {
//	    s.run(job)
//	})
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer recoverPanic(logger, name)
		fn()
	}()
}

// SafeGoWithContext is SafeGo for context-scoped work: when ctx is already
// cancelled by the time the goroutine is scheduled, fn never runs.
func SafeGoWithContext(ctx context.Context, logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer recoverPanic(logger, name)

		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Debug().Str("goroutine", name).Msg("Goroutine cancelled before start")
			}
			return
		default:
		}

		fn()
	}()
}
