// Package logging builds the zap logger used by ftpsession programs.
//
// Records go to a rotated JSON file and, optionally, to a console core. Both
// are independent: with neither configured the logger discards everything.
package logging

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes where and what to log.
type Config struct {
	// Dir receives ftp.log; empty disables file output.
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level"`
	// Stdout adds a console core writing to standard output.
	Stdout bool `mapstructure:"stdout"`

	// MaxSize is the size in megabytes at which ftp.log is rotated.
	MaxSize    int  `mapstructure:"max_size"`
	MaxAge     int  `mapstructure:"max_age"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// FileName is the log file created in Config.Dir.
const FileName = "ftp.log"

// GetLevel returns the configured level, info when unset or invalid.
func (c *Config) GetLevel() zapcore.Level {
	var level zapcore.Level
	if c == nil || c.Level == "" {
		return zapcore.InfoLevel
	}
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// GetMaxSize returns the rotation size in megabytes, 50 by default.
func (c *Config) GetMaxSize() int {
	if c == nil || c.MaxSize <= 0 {
		return 50
	}
	return c.MaxSize
}

// GetMaxBackups returns the number of rotated files kept, 10 by default.
func (c *Config) GetMaxBackups() int {
	if c == nil || c.MaxBackups <= 0 {
		return 10
	}
	return c.MaxBackups
}

// GetMaxAge returns the retention of rotated files in days, 7 by default.
func (c *Config) GetMaxAge() int {
	if c == nil || c.MaxAge <= 0 {
		return 7
	}
	return c.MaxAge
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	var console zapcore.WriteSyncer
	if cfg.Stdout {
		console = zapcore.Lock(os.Stdout)
	}
	return build(cfg, console)
}

func build(cfg Config, console zapcore.WriteSyncer) (*zap.Logger, error) {
	level := cfg.GetLevel()
	enabled := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level
	})

	var cores []zapcore.Core

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create log directory")
		}
		file := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, FileName),
			MaxSize:    cfg.GetMaxSize(),
			MaxBackups: cfg.GetMaxBackups(),
			MaxAge:     cfg.GetMaxAge(),
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(file),
			enabled,
		))
	}

	if console != nil {
		consoleConfig := encoderConfig()
		consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleConfig),
			console,
			enabled,
		))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
