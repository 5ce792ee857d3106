package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/order-saga/internal/config"
)

// New builds the process logger and installs it as the zerolog global
func New(cfg config.LogConfig, app config.AppConfig) zerolog.Logger {
	return newLogger(os.Stdout, cfg, app)
}

func newLogger(out io.Writer, cfg config.LogConfig, app config.AppConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("service", app.Name).
		Str("env", app.Environment).
		Logger()
	log.Logger = logger
	return logger
}
