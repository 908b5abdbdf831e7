package deferred

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// Package-level structured logging, configured once at startup. The logger
// is optional: the default (nil) disables all output, and every call site
// goes through logiface's nil-safe builder so the disabled path costs a
// single branch.
var globalLogger struct {
	sync.RWMutex
	logger *logiface.Logger[logiface.Event]
}

// SetLogger sets the package-level structured logger. Pass the result of
// logiface.New (or any backend's generic form, via Logger.Logger()).
// Passing nil disables logging.
func SetLogger(l *logiface.Logger[logiface.Event]) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = l
}

// logger returns the configured logger, possibly nil. logiface builders
// tolerate nil receivers, so call sites chain unconditionally.
func logger() *logiface.Logger[logiface.Event] {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}
