package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelAliases = map[string]zapcore.Level{
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

// NewLogger returns a zap logger. Format "console" selects the human-readable
// development encoder; anything else logs structured JSON. Unknown levels
// fall back to info.
func NewLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	resolved, ok := levelAliases[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		resolved = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(resolved)

	return cfg.Build()
}
