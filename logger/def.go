// Package logger holds the process-wide zap logger.
package logger

import (
	"MeterDetServer/config"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type handle struct {
	log   *zap.Logger
	sugar *zap.SugaredLogger
}

var current atomic.Pointer[handle]

// Init builds the logger from the log section of the config: JSON with an
// ISO8601 "timestamp" field, or the console encoder in development mode.
// An empty level means info.
func Init(cfg config.LogConfig) error {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return err
		}
		zc.Level = lvl
	}
	l, err := zc.Build()
	if err != nil {
		return err
	}
	Use(l)
	return nil
}

// Use installs l as the process logger and zap global, flushing the one it
// replaces.
func Use(l *zap.Logger) {
	prev := current.Swap(&handle{log: l, sugar: l.Sugar()})
	zap.ReplaceGlobals(l)
	if prev != nil {
		_ = prev.log.Sync()
	}
}

// Log falls back to zap's global (a no-op until Init or Use).
func Log() *zap.Logger {
	if h := current.Load(); h != nil {
		return h.log
	}
	return zap.L()
}

func S() *zap.SugaredLogger {
	if h := current.Load(); h != nil {
		return h.sugar
	}
	return zap.S()
}

func Sync() {
	if h := current.Load(); h != nil {
		_ = h.log.Sync()
	}
}
