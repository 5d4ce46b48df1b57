// Copyright 2025 Cirro Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls where and how the process logs.
type LogConfig struct {
	// Level log level, e.g. debug, info, warn, error
	Level string `toml:"level"`
	// Format log format, console or json
	Format string `toml:"format"`
	// Filename log file, stderr if empty
	Filename string `toml:"filename"`
	// MaxSize maximum size in MB of the log file before rotation
	MaxSize int `toml:"max-size"`
	// MaxDays maximum days to retain old log files
	MaxDays int `toml:"max-days"`
	// MaxBackups maximum number of old log files to retain
	MaxBackups int `toml:"max-backups"`
}

var globalLogger atomic.Pointer[zap.Logger]

func init() {
	SetupLogger(LogConfig{})
}

// SetupLogger builds the global logger from the config. Invalid levels fall
// back to info.
func SetupLogger(cfg LogConfig) *zap.Logger {
	level := zap.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zapcore.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if cfg.Filename != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxDays,
			MaxBackups: cfg.MaxBackups,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	logger := zap.New(zapcore.NewCore(enc, sink, level), zap.AddCaller())
	globalLogger.Store(logger)
	return logger
}

// GetGlobalLogger returns the process-wide logger.
func GetGlobalLogger() *zap.Logger {
	return globalLogger.Load()
}

// Adjust returns the global logger if the given logger is nil.
func Adjust(logger *zap.Logger, options ...zap.Option) *zap.Logger {
	if logger != nil {
		return logger
	}
	return GetGlobalLogger().WithOptions(options...)
}

// GetPanicLogger returns a logger which panics on error level logs. Used in
// tests to surface unexpected errors immediately.
func GetPanicLogger() *zap.Logger {
	return GetPanicLoggerWithLevel(zap.InfoLevel)
}

// GetPanicLoggerWithLevel is similar to GetPanicLogger with a special level.
func GetPanicLoggerWithLevel(level zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		level)
	return zap.New(core, zap.OnFatal(zapcore.WriteThenPanic))
}
