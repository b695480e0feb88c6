// Package cliutil holds the bit of setup shared by all six winss
// executables: logger construction and verbosity-flag wiring, built the
// way cmd/bulk-delete and cmd/zmux-server/main.go build their zap loggers.
package cliutil

import (
	"flag"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity registers an integer `-v` flag (and returns the int it
// populates), given as `-v <n>` or `-v=<n>`: absent or 0 = WarnLevel
// (quiet daemon default), 1 = InfoLevel, 2+ = DebugLevel. A bare `-v`
// without a number and the joined form `-v2` are rejected by the flag
// parser.
func Verbosity() *int {
	return flag.Int("v", 0, "verbosity (0=warn, 1=info, 2=debug)")
}

// BuildLogger constructs the shared zap.Logger shape, named for the
// calling component, at the level verbosity selects.
func BuildLogger(component string, verbosity int) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true

	level := zapcore.WarnLevel
	switch {
	case verbosity >= 2:
		level = zapcore.DebugLevel
	case verbosity == 1:
		level = zapcore.InfoLevel
	}
	cfg.Level.SetLevel(level)

	log := zap.Must(cfg.Build())
	return log.Named(component)
}
