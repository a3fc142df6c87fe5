// Package logging configures the global zerolog logger from settings.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatAuto    = "auto"
	FormatText    = "text"
	FormatJSON    = "json"
	DefaultLevel  = "info"
	defaultSizeMB = 10
)

type Settings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	WithCaller bool   `mapstructure:"with_caller" yaml:"with_caller"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Init replaces the global logger. Output goes to stderr and, when File is
// set, also to a rotated log file.
func Init(s Settings) error {
	return initLogger(s, os.Stderr, false)
}

// InitFileOnly is Init for full-screen programs: stderr is left alone so the
// screen is not corrupted. Without a File, logging is discarded.
func InitFileOnly(s Settings) error {
	return initLogger(s, os.Stderr, true)
}

func initLogger(s Settings, stderr *os.File, fileOnly bool) error {
	level, err := ParseLevel(s.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writers []io.Writer
	if !fileOnly {
		writers = append(writers, consoleOrJSON(s.Format, stderr))
	}
	if s.File != "" {
		writers = append(writers, fileWriter(s))
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}

func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		s = DefaultLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "invalid log level %q", s)
	}
	return level, nil
}

func consoleOrJSON(format string, f *os.File) io.Writer {
	switch strings.ToLower(format) {
	case FormatJSON:
		return f
	case FormatText:
		return zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	default:
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			return zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
		}
		return f
	}
}

func fileWriter(s Settings) io.Writer {
	size := s.MaxSizeMB
	if size <= 0 {
		size = defaultSizeMB
	}
	return &lumberjack.Logger{
		Filename:   s.File,
		MaxSize:    size,
		MaxBackups: s.MaxBackups,
		Compress:   false,
	}
}
