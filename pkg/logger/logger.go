// Package logger is the proxy's global logging sink: Log prints
// space-joined arguments, ErrorTrace dumps the current error's detail,
// both gated on verbose mode. Backed by logrus rather than the bare
// fmt.Println/traceback pairing of the original logger.py this package is
// grounded on, since the corpus's server-shaped repos (vulcand/oxy,
// awslabs/aws-sigv4-proxy) all reach for a structured logger instead of
// stdlib log for a long-running daemon.
package logger

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.RWMutex
	verbose bool
	base    = logrus.New()
)

// SetVerbose toggles whether Log/ErrorTrace emit anything. Absence of the
// verbose switch suppresses all informational logs (spec.md §6).
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

func isVerbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// Log prints its arguments space-joined, only when verbose mode is on.
func Log(args ...interface{}) {
	if !isVerbose() {
		return
	}
	base.Infoln(args...)
}

// ErrorTrace logs err's detail, only when verbose mode is on. Called at
// the worker's catch-all boundary where an unexpected failure is being
// converted into a 500.
func ErrorTrace(op string, err error) {
	if !isVerbose() {
		return
	}
	base.WithField("op", op).WithError(err).Error("unhandled error")
}
