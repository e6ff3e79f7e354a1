// Package logging centralizes the zap configuration every component
// builds its logger from, so the whole node shares one console encoder
// and log level regardless of which package is writing.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger tagged with "component" for a single
// long-lived node component (ledger, mempool, consensus, p2p, ...),
// mirroring the teacher's per-component log.New(os.Stdout, "COMPONENT: ", ...)
// convention but with real leveled methods (Infof/Warnf/Errorf/Debugf)
// backing it.
func New(component string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		// zap.NewProductionConfig().Build() only fails on a broken sink
		// or encoder configuration, neither of which applies here.
		panic(err)
	}
	return logger.Sugar().Named(component)
}

// NewDevelopment builds a human-readable console logger, for callers that
// want readable output rather than JSON.
func NewDevelopment(component string) *zap.SugaredLogger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger.Sugar().Named(component)
}
