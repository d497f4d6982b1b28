// Package logging builds the process-wide zap logger. Local diagnostic
// logs rotate on disk via lumberjack; nothing in this package ships logs
// off the device, which keeps the no-logs posture enforceable at the
// compliance layer rather than here.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level, format and the rotating file sink.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	JSON       bool   `yaml:"json"`        // json output instead of console
	File       string `yaml:"file"`        // rotating log file, empty disables
	MaxSizeMB  int    `yaml:"max_size_mb"` // per file before rotation
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func (c *Config) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 10
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
}

// New builds the logger from config. Unknown levels fall back to info.
func New(cfg Config) *zap.SugaredLogger {
	cfg.applyDefaults()

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoder := newEncoder(cfg.JSON)

	consoleCore := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), atomicLevel)
	core := consoleCore
	if cfg.File != "" {
		fileCore := zapcore.NewCore(encoder, fileWriter(cfg), atomicLevel)
		core = zapcore.NewTee(consoleCore, fileCore)
	}

	return zap.New(core, zap.AddCaller()).Sugar()
}

func newEncoder(json bool) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
	}
	if json {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func fileWriter(cfg Config) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}
