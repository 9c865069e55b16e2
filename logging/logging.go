// Package logging builds the zap logger used by the gatekeeper daemon.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destinations.
type Config struct {
	Level string `yaml:"level"`
	// Encoding is "json" or "console".
	Encoding string `yaml:"encoding"`
	// Console also writes to stderr when a file is configured.
	Console bool `yaml:"console"`
	// File, when set, receives JSON logs rotated by Rotation.
	File     string   `yaml:"file"`
	Rotation Rotation `yaml:"rotation"`
	// Redact lists field keys whose values are replaced before encoding.
	Redact []string `yaml:"redact"`
}

// Rotation mirrors the lumberjack settings.
type Rotation struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// New builds a logger from cfg. With no file the logger writes to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var consoleEncoder zapcore.Encoder
	switch strings.ToLower(cfg.Encoding) {
	case "", "json":
		consoleEncoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEncoder = zapcore.NewConsoleEncoder(consoleCfg)
	default:
		return nil, fmt.Errorf("unknown log encoding %q", cfg.Encoding)
	}

	atomic := zap.NewAtomicLevelAt(level)
	var cores []zapcore.Core
	if cfg.File == "" || cfg.Console {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), atomic))
	}
	if cfg.File != "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotatingFile(cfg.File, cfg.Rotation)), atomic))
	}

	core := zapcore.NewTee(cores...)
	if len(cfg.Redact) > 0 {
		core = newRedactCore(core, cfg.Redact)
	}

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zap.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return l, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

func rotatingFile(path string, r Rotation) *lumberjack.Logger {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}
}
