package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It discards everything until Init runs.
var Log = zap.NewNop()

// Init builds Log for the given level. Development mode prints console output.
func Init(level string, development bool) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level.SetLevel(lvl)
	l, err := cfg.Build()
	if err != nil {
		return
	}
	Log = l
	zap.ReplaceGlobals(l)
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}
