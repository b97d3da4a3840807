// -----------------------------------------------------------------------
// Crash Protection - Fatal error handling and crash file generation
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CrashLogDir is where crash reports land. InstallCrashHandler overrides it
// with the application's log directory.
var CrashLogDir = "./logs"

// InstallCrashHandler points crash reports at logDir and makes sure the
// directory exists. Call it at the top of main() together with a deferred
// RecoverWithCrashFile.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}

	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
}

// WriteCrashFile persists a crash report and returns its path. Reports
// carry the panic value, the panicking goroutine's stack, a full goroutine
// dump, and runtime statistics. Call it from panic recovery handlers.
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	crashPath := filepath.Join(CrashLogDir,
		fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	var report bytes.Buffer
	section := func(title, body string) {
		fmt.Fprintf(&report, "=== %s ===\n%s\n\n", title, body)
	}

	section("ARCA CRASH REPORT", fmt.Sprintf("Time: %s\nVersion: %s",
		time.Now().Format(time.RFC3339), GetFullVersion()))
	section("PANIC VALUE", fmt.Sprintf("%v", panicVal))
	section("STACK TRACE", stackTrace)
	section("ALL GOROUTINES", GetAllGoroutineStacks())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	section("SYSTEM INFO", fmt.Sprintf(
		"NumGoroutine: %d\nNumCPU: %d\nGOOS: %s\nGOARCH: %s\n"+
			"Alloc: %d MB\nTotalAlloc: %d MB\nSys: %d MB\nNumGC: %d",
		runtime.NumGoroutine(), runtime.NumCPU(), runtime.GOOS, runtime.GOARCH,
		memStats.Alloc/1024/1024, memStats.TotalAlloc/1024/1024,
		memStats.Sys/1024/1024, memStats.NumGC))

	report.WriteString("=== END CRASH REPORT ===\n")

	// Unbuffered writes; the process may be about to die.
	file, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create crash file: %v\n", err)
		fmt.Fprint(os.Stderr, report.String())
		return ""
	}
	if _, err := file.Write(report.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n", err)
		fmt.Fprint(os.Stderr, report.String())
	}
	file.Sync()
	file.Close()

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\n", crashPath)
	fmt.Fprintf(os.Stderr, "Panic: %v\n", panicVal)

	return crashPath
}

// GetAllGoroutineStacks dumps every goroutine's stack, growing the buffer
// until the dump fits (capped at 64MB).
func GetAllGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
		if len(buf) > 64*1024*1024 {
			return string(buf[:runtime.Stack(buf, true)])
		}
	}
}

// GetStackTrace returns the calling goroutine's stack.
func GetStackTrace() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// RecoverWithCrashFile recovers a panic, writes the crash report, and exits.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		WriteCrashFile(r, GetStackTrace())
		os.Exit(1)
	}
}
