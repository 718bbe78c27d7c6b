// Package logger provides the leveled, printf-style logging used throughout xdna.
//
// Messages are formatted with fmt semantics and forwarded to a logr.Logger sink.
// The default sink writes to stderr through stdr; commands may install another
// sink (for example klog's) with SetLogger before doing any work.
//
// Level mapping:
//   - Debug: V(1) info messages, hidden unless verbosity is raised
//   - Info:  V(0) info messages
//   - Warn:  V(0) info messages tagged with severity=warning
//   - Error: error messages
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// DebugLevel is the logr verbosity used for Debug messages.
const DebugLevel = 1

var (
	mu   sync.RWMutex
	sink = stdr.New(log.New(os.Stderr, "", log.LstdFlags))
)

// SetLogger replaces the sink all package-level functions write to.
func SetLogger(l logr.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sink = l
}

// Logger returns the current sink, for callers that want structured key/value
// logging instead of printf formatting.
func Logger() logr.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return sink
}

// SetVerbosity sets the verbosity of the default stderr sink. It has no
// effect on sinks installed with SetLogger.
func SetVerbosity(v int) {
	stdr.SetVerbosity(v)
}

// Debug logs a message that is only shown at raised verbosity.
func Debug(format string, args ...interface{}) {
	Logger().V(DebugLevel).Info(fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func Info(format string, args ...interface{}) {
	Logger().Info(fmt.Sprintf(format, args...))
}

// Warn logs a recoverable problem.
func Warn(format string, args ...interface{}) {
	Logger().Info(fmt.Sprintf(format, args...), "severity", "warning")
}

// Error logs a failure.
func Error(format string, args ...interface{}) {
	Logger().Error(nil, fmt.Sprintf(format, args...))
}
