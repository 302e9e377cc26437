//go:build linux

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogFile struct {
	File  string `mapstructure:"file" validate:"required"`
	Level string `mapstructure:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

type Log struct {
	Output io.Writer
	Level  slog.Level
	closer io.Closer
}

// Init opens the log destination. "stdout" and "stderr" name the standard
// streams; anything else is a file opened for append.
func (lf LogFile) Init() (*Log, error) {
	lg := &Log{}
	if err := lg.Level.UnmarshalText([]byte(strings.ToUpper(lf.Level))); err != nil {
		return nil, fmt.Errorf("log.level %q: %w", lf.Level, err)
	}

	switch lf.File {
	case "stdout":
		lg.Output = os.Stdout
	case "stderr":
		lg.Output = os.Stderr
	default:
		fi, err := os.Stat(lf.File)
		if err == nil && fi.IsDir() {
			return nil, fmt.Errorf("log.file %s: %w", lf.File, errors.New("is directory"))
		}
		f, err := os.OpenFile(lf.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log.file: %w", err)
		}
		lg.Output = f
		lg.closer = f
	}
	return lg, nil
}

// Close closes the log file when one was opened.
func (l *Log) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
