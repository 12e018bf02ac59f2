// Package logging configures the logrus logger shared by tablesync commands.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures handling of application log events.
type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is one of text, json, color.
	Format string
	// File, when set, receives log output through a rotating writer
	// instead of stderr.
	File string
	// MaxSizeMB is the size at which File is rotated.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "warn",
		Format:     "text",
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

// New builds a logger from cfg. The returned closer releases the log file,
// if any.
func New(cfg Config) (*log.Logger, io.Closer, error) {
	logger := log.New()

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "color":
		logger.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		return nil, nil, fmt.Errorf("unrecognized log format %q", cfg.Format)
	}

	level := cfg.Level
	if level == "" {
		level = "warn"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("unrecognized log level: %w", err)
	}
	logger.SetLevel(lvl)

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		logger.SetOutput(rotated)
		closer = rotated
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, closer, nil
}

// Component returns an entry tagged with the component name.
func Component(logger *log.Logger, name string) *log.Entry {
	return logger.WithField("component", name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
