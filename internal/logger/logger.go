package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"shelter-api/internal/config"
)

type Logger struct {
	*zap.Logger
}

// New creates a zap logger configured by environment. Production gets
// JSON with ISO8601 timestamps; everything else gets the coloured console
// encoder.
func New(cfg *config.Config) *Logger {
	var zapCfg zap.Config

	if cfg.Environment == "production" {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.InitialFields = map[string]any{
		"service": "shelter-api",
		"source":  cfg.ShelterSource,
	}

	l, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}

	return &Logger{l}
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync() // stderr sync fails on some terminals
}
