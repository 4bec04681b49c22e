package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfiguration configures console verbosity and file rotation.
type LoggingConfiguration struct {
	Level      string `json:"level" yaml:"level"`
	FileLoggingEnabled bool   `json:"file_logging" yaml:"file_logging"`
	Directory  string `json:"directory" yaml:"directory"`
	Filename   string `json:"filename" yaml:"filename"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
}

// NewLogger builds a zerolog.Logger writing a human-readable console
// stream and, if enabled, a rotated JSON file via lumberjack.
func NewLogger(cfg LoggingConfiguration, component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp}

	var writer zerolog.LevelWriter

	if cfg.FileLoggingEnabled {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Directory + "/" + cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}

		writer = zerolog.MultiLevelWriter(console, rotator)
	} else {
		writer = zerolog.MultiLevelWriter(console)
	}

	return zerolog.New(writer).With().Timestamp().Str("component", component).Logger()
}
