// Package observability builds the structured logger and metrics registry
// shared by every collaborator in the composition root. No component
// reaches for a package-level logger singleton; each takes a logr.Logger
// via constructor injection (Design Notes §9).
package observability

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger builds a zap-backed logr.Logger. When debug is false, Debug-level
// (V(1)) log lines are dropped, mirroring the teacher's EnableDebugLogging gate.
func NewLogger(debug bool) (logr.Logger, func() error, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, func() error { return nil }, err
	}

	return zapr.NewLogger(zl), zl.Sync, nil
}

// DebugLogger gates V(1) logging the way the teacher's Plugin.logDebug gates
// on EnableDebugLogging, but expressed as a reusable wrapper instead of a
// method on a god-object.
type DebugLogger struct {
	Base    logr.Logger
	Enabled bool
}

func (d DebugLogger) Debug(msg string, keysAndValues ...any) {
	if !d.Enabled {
		return
	}
	d.Base.V(1).Info(msg, keysAndValues...)
}

func (d DebugLogger) Info(msg string, keysAndValues ...any) {
	d.Base.Info(msg, keysAndValues...)
}

func (d DebugLogger) Error(err error, msg string, keysAndValues ...any) {
	d.Base.Error(err, msg, keysAndValues...)
}
